package pipeline

import (
	"fmt"
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"splatapi/config"
)

// CheckResources verifies the host has enough headroom to start another
// reconstruction job. Checks with a zero threshold are skipped, so a fully
// zeroed throttle config disables the preflight.
func CheckResources(cfg *config.Config, workDir string) error {
	if cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			log.Printf("Warning: could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > (100.0-cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], cfg.ThrottleCPU)
		}
	}

	if cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Printf("Warning: could not get memory usage: %v", err)
		} else if vm.Available < uint64(cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, cfg.ThrottleFreeMem)
		}
	}

	if cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(workDir)
		if err != nil {
			log.Printf("Warning: could not get disk usage for %s: %v", workDir, err)
		} else if d.Free < uint64(cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
