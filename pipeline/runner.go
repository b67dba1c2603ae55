package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// termGrace is how long a stage process gets to exit after SIGTERM before
// it is killed outright.
const termGrace = 10 * time.Second

// StageSpec describes one external pipeline stage invocation.
type StageSpec struct {
	Name    string
	Args    []string // argv, Args[0] is the binary
	Dir     string
	Env     []string
	LogFile string
	Timeout time.Duration
}

// StageResult reports how a stage process ended. A non-zero exit code is
// data, not an error: errors are reserved for failures to run the process
// at all, or for context cancellation.
type StageResult struct {
	ExitCode int
	TimedOut bool
	Elapsed  time.Duration
}

// Runner executes stage processes with their stdout and stderr interleaved
// into a single log file, enforcing timeouts by elapsed-time polling.
type Runner struct {
	pollInterval time.Duration
}

func NewRunner(pollInterval time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Runner{pollInterval: pollInterval}
}

// Run executes the stage and blocks the calling worker until the process
// exits, times out, or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, spec StageSpec) (StageResult, error) {
	return r.RunPolled(ctx, spec, nil)
}

// RunPolled is Run with a progress hook: onTick is invoked once per poll
// interval with the elapsed wall-clock time while the process is alive.
func (r *Runner) RunPolled(ctx context.Context, spec StageSpec, onTick func(elapsed time.Duration)) (StageResult, error) {
	logFile, err := os.Create(spec.LogFile)
	if err != nil {
		return StageResult{ExitCode: -1}, fmt.Errorf("could not create stage log %s: %w", spec.LogFile, err)
	}
	defer logFile.Close()

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	log.Printf("Stage %s starting: %v (log: %s)", spec.Name, spec.Args, spec.LogFile)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return StageResult{ExitCode: -1}, fmt.Errorf("could not start stage %s: %w", spec.Name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			elapsed := time.Since(start)
			code := cmd.ProcessState.ExitCode()
			log.Printf("Stage %s exited with code %d after %s", spec.Name, code, elapsed.Round(time.Millisecond))
			return StageResult{ExitCode: code, Elapsed: elapsed}, nil

		case <-ctx.Done():
			r.terminate(cmd, done)
			return StageResult{ExitCode: -1, Elapsed: time.Since(start)}, ctx.Err()

		case <-ticker.C:
			elapsed := time.Since(start)
			if spec.Timeout > 0 && elapsed > spec.Timeout {
				log.Printf("Stage %s exceeded timeout of %s, terminating", spec.Name, spec.Timeout)
				r.terminate(cmd, done)
				return StageResult{ExitCode: -1, TimedOut: true, Elapsed: time.Since(start)}, nil
			}
			if onTick != nil {
				onTick(elapsed)
			}
		}
	}
}

// terminate asks the process to exit and kills it after the grace period.
func (r *Runner) terminate(cmd *exec.Cmd, done chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(termGrace):
	}
	_ = cmd.Process.Kill()
	<-done
}

// TailLog returns up to the last n bytes of a stage log file for
// diagnostic excerpts. It returns "" when the log cannot be read.
func TailLog(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}
