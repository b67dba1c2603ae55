package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"splatapi/config"
)

// imageExts are the file extensions counted as usable input views.
var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".bmp": true, ".tiff": true, ".webp": true,
}

// ProgressFunc receives pipeline progress as a fraction in [0,1] plus a
// human-readable message. Reports are monotonically non-decreasing.
type ProgressFunc func(fraction float64, message string)

// Result is the outcome of one full pipeline run.
type Result struct {
	Success        bool
	OutputDir      string
	Files          map[string]string
	Metrics        map[string]interface{}
	ProcessingTime float64
	ErrorMessage   string
}

// StageRunner abstracts process execution so the executor can be tested
// without spawning real reconstruction jobs.
type StageRunner interface {
	Run(ctx context.Context, spec StageSpec) (StageResult, error)
	RunPolled(ctx context.Context, spec StageSpec, onTick func(elapsed time.Duration)) (StageResult, error)
}

// Executor sequences the reconstruction stages for one task: geometry
// initialization, training, and a detached best-effort render.
type Executor struct {
	cfg    *config.Config
	runner StageRunner

	initExtra   []string
	trainExtra  []string
	renderExtra []string
}

func NewExecutor(cfg *config.Config, runner StageRunner) (*Executor, error) {
	e := &Executor{cfg: cfg, runner: runner}
	var err error
	if e.initExtra, err = shlex.Split(cfg.InitExtraArgs); err != nil {
		return nil, fmt.Errorf("invalid INIT_EXTRA_ARGS: %w", err)
	}
	if e.trainExtra, err = shlex.Split(cfg.TrainExtraArgs); err != nil {
		return nil, fmt.Errorf("invalid TRAIN_EXTRA_ARGS: %w", err)
	}
	if e.renderExtra, err = shlex.Split(cfg.RenderExtraArgs); err != nil {
		return nil, fmt.Errorf("invalid RENDER_EXTRA_ARGS: %w", err)
	}
	return e, nil
}

// ValidateScene checks the expected input layout and returns the number of
// usable views. Reconstruction is numerically meaningless below 3 views.
func (e *Executor) ValidateScene(sceneDir string) (int, error) {
	imagesDir := filepath.Join(sceneDir, "images")
	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		return 0, fmt.Errorf("images directory not found: %s", imagesDir)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			count++
		}
	}
	if count < 3 {
		return count, fmt.Errorf("reconstruction requires at least 3 images, found %d in %s", count, imagesDir)
	}
	return count, nil
}

// Execute runs the full pipeline for one task. All stage-level failures
// are converted into a failed Result; Execute itself never panics or
// returns an error value.
func (e *Executor) Execute(ctx context.Context, taskID, sceneDir string, progress ProgressFunc) Result {
	start := time.Now()
	outputDir := ""

	fail := func(format string, args ...interface{}) Result {
		msg := fmt.Sprintf(format, args...)
		log.Printf("Task %s pipeline failed: %s", taskID, msg)
		return Result{
			Success:        false,
			OutputDir:      outputDir,
			Files:          map[string]string{},
			Metrics:        map[string]interface{}{},
			ProcessingTime: time.Since(start).Seconds(),
			ErrorMessage:   msg,
		}
	}
	report := func(fraction float64, message string) {
		if progress != nil {
			progress(fraction, message)
		}
		log.Printf("Task %s progress: %.0f%% - %s", taskID, fraction*100, message)
	}

	report(0.05, "validating input scene")
	nViews, err := e.ValidateScene(sceneDir)
	if err != nil {
		return fail("%v", err)
	}

	if err := CheckResources(e.cfg, e.cfg.OutputRoot); err != nil {
		return fail("insufficient system resources: %v", err)
	}

	// The view count is baked into the output path so runs with different
	// inputs never collide.
	outputDir = filepath.Join(e.cfg.OutputRoot, e.cfg.DatasetName, taskID, fmt.Sprintf("%d_views", nViews))
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		outputDir = ""
		return fail("could not create output directory: %v", err)
	}

	report(0.15, "running geometry initialization")
	res, err := e.runner.Run(ctx, e.initSpec(sceneDir, outputDir, nViews))
	if err != nil {
		return fail("geometry initialization aborted: %v", err)
	}
	if res.TimedOut {
		return fail("geometry initialization timed out after %s", e.cfg.InitTimeout)
	}
	if res.ExitCode != 0 {
		return fail("geometry initialization failed (exit code %d): %s",
			res.ExitCode, TailLog(filepath.Join(outputDir, "01_init_geo.log"), 1000))
	}

	report(0.30, "starting model training")
	res, err = e.runner.RunPolled(ctx, e.trainSpec(sceneDir, outputDir, nViews), func(elapsed time.Duration) {
		report(e.trainProgress(elapsed), fmt.Sprintf("training model... (elapsed: %.0fs)", elapsed.Seconds()))
	})
	if err != nil {
		return fail("training aborted: %v", err)
	}
	if res.TimedOut {
		return fail("training timed out after %s", e.cfg.TrainTimeout)
	}
	if res.ExitCode != 0 {
		return fail("training failed (exit code %d): %s",
			res.ExitCode, TailLog(filepath.Join(outputDir, "02_train.log"), 1000))
	}

	report(0.85, "collecting training artifacts")
	files := e.collectArtifacts(outputDir)
	metrics := e.readMetrics(outputDir)

	// Renders are a non-essential enhancement: the stage runs detached so
	// pipeline completion is never gated on it, and its failure is only
	// logged.
	report(0.90, "launching render stage")
	go e.runRender(taskID, sceneDir, outputDir, nViews)

	report(1.0, "reconstruction complete")
	return Result{
		Success:        true,
		OutputDir:      outputDir,
		Files:          files,
		Metrics:        metrics,
		ProcessingTime: time.Since(start).Seconds(),
	}
}

// trainProgress maps elapsed training time onto the configured linear ramp,
// clamped to the ceiling.
func (e *Executor) trainProgress(elapsed time.Duration) float64 {
	floor, ceil := e.cfg.TrainProgressFloor, e.cfg.TrainProgressCeil
	if e.cfg.TrainTimeout <= 0 {
		return floor
	}
	p := floor + (ceil-floor)*(elapsed.Seconds()/e.cfg.TrainTimeout.Seconds())
	if p > ceil {
		return ceil
	}
	return p
}

func (e *Executor) initSpec(sceneDir, outputDir string, nViews int) StageSpec {
	args := []string{
		e.cfg.PythonBin, "-W", "ignore", "./init_geo.py",
		"-s", sceneDir,
		"-m", outputDir,
		"--n_views", strconv.Itoa(nViews),
	}
	return StageSpec{
		Name:    "geometry initialization",
		Args:    append(args, e.initExtra...),
		Dir:     e.cfg.ScriptRoot,
		Env:     e.stageEnv(),
		LogFile: filepath.Join(outputDir, "01_init_geo.log"),
		Timeout: e.cfg.InitTimeout,
	}
}

func (e *Executor) trainSpec(sceneDir, outputDir string, nViews int) StageSpec {
	args := []string{
		e.cfg.PythonBin, "./train.py",
		"-s", sceneDir,
		"-m", outputDir,
		"-r", "1",
		"--n_views", strconv.Itoa(nViews),
		"--iterations", strconv.Itoa(e.cfg.TrainIterations),
	}
	return StageSpec{
		Name:    "training",
		Args:    append(args, e.trainExtra...),
		Dir:     e.cfg.ScriptRoot,
		Env:     e.stageEnv(),
		LogFile: filepath.Join(outputDir, "02_train.log"),
		Timeout: e.cfg.TrainTimeout,
	}
}

func (e *Executor) renderSpec(sceneDir, outputDir string, nViews int) StageSpec {
	args := []string{
		e.cfg.PythonBin, "./render.py",
		"-s", sceneDir,
		"-m", outputDir,
		"-r", "1",
		"--n_views", strconv.Itoa(nViews),
		"--iterations", strconv.Itoa(e.cfg.TrainIterations),
	}
	return StageSpec{
		Name:    "rendering",
		Args:    append(args, e.renderExtra...),
		Dir:     e.cfg.ScriptRoot,
		Env:     e.stageEnv(),
		LogFile: filepath.Join(outputDir, "03_render.log"),
		Timeout: e.cfg.RenderTimeout,
	}
}

// stageEnv pins device visibility and BLAS/MKL threading so concurrent
// tasks do not cross-contaminate each other's thread pools.
func (e *Executor) stageEnv() []string {
	device := ""
	if e.cfg.UseCUDA {
		device = "0"
	}
	return append(os.Environ(),
		"CUDA_VISIBLE_DEVICES="+device,
		"MKL_THREADING_LAYER=INTEL",
		"MKL_SERVICE_FORCE_INTEL=1",
		"OMP_NUM_THREADS=1",
	)
}

func (e *Executor) runRender(taskID, sceneDir, outputDir string, nViews int) {
	res, err := e.runner.Run(context.Background(), e.renderSpec(sceneDir, outputDir, nViews))
	switch {
	case err != nil:
		log.Printf("Task %s render stage aborted: %v", taskID, err)
	case res.TimedOut:
		log.Printf("Task %s render stage timed out after %s", taskID, e.cfg.RenderTimeout)
	case res.ExitCode != 0:
		log.Printf("Task %s render stage failed (exit code %d)", taskID, res.ExitCode)
	default:
		log.Printf("Task %s render stage completed", taskID)
	}
}

// artifact glob patterns, tried in order. The first pattern with matches
// wins; within a pattern the most recently modified file wins.
var (
	pointCloudPatterns = []string{
		"point_cloud/iteration_*/point_cloud.ply",
		"point_cloud.ply",
		"*.ply",
	}
	modelPatterns = []string{"*.pth", "chkpnt*.pth"}
)

// collectArtifacts scans the output directory for result files. A missing
// point cloud is not a hard failure here: the key is simply absent and the
// caller judges.
func (e *Executor) collectArtifacts(outputDir string) map[string]string {
	files := map[string]string{}

	if match := newestMatch(outputDir, pointCloudPatterns); match != "" {
		files["point_cloud"] = match
		log.Printf("Found point cloud artifact: %s", match)
	}
	if match := newestMatch(outputDir, modelPatterns); match != "" {
		files["model"] = match
	}
	return files
}

func newestMatch(dir string, patterns []string) string {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil || len(matches) == 0 {
			continue
		}
		sort.Slice(matches, func(i, j int) bool {
			return mtime(matches[i]).After(mtime(matches[j]))
		})
		return matches[0]
	}
	return ""
}

func mtime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// readMetrics loads scalar metrics from an optional results file and adds
// basic artifact counts.
func (e *Executor) readMetrics(outputDir string) map[string]interface{} {
	metrics := map[string]interface{}{}

	for _, name := range []string{
		filepath.Join(outputDir, "results.json"),
		filepath.Join(outputDir, "metrics.json"),
		filepath.Join(outputDir, "test", "results.json"),
	} {
		data, err := os.ReadFile(name)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, &metrics); err != nil {
			log.Printf("Warning: could not parse metrics file %s: %v", name, err)
			continue
		}
		break
	}

	if plys, err := filepath.Glob(filepath.Join(outputDir, "*.ply")); err == nil && len(plys) > 0 {
		metrics["point_cloud_files"] = len(plys)
	}
	renders := 0
	for _, dir := range []string{
		filepath.Join(outputDir, "renders"),
		filepath.Join(outputDir, "test", "renders"),
	} {
		if pngs, err := filepath.Glob(filepath.Join(dir, "*.png")); err == nil {
			renders += len(pngs)
		}
	}
	metrics["total_renders"] = renders
	return metrics
}
