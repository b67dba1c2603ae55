package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splatapi/config"
)

// mockStageRunner is a mock implementation of the StageRunner interface.
type mockStageRunner struct {
	runFunc    func(ctx context.Context, spec StageSpec) (StageResult, error)
	polledFunc func(ctx context.Context, spec StageSpec, onTick func(time.Duration)) (StageResult, error)
}

func (m *mockStageRunner) Run(ctx context.Context, spec StageSpec) (StageResult, error) {
	if m.runFunc != nil {
		return m.runFunc(ctx, spec)
	}
	return StageResult{ExitCode: 0}, nil
}

func (m *mockStageRunner) RunPolled(ctx context.Context, spec StageSpec, onTick func(time.Duration)) (StageResult, error) {
	if m.polledFunc != nil {
		return m.polledFunc(ctx, spec, onTick)
	}
	return StageResult{ExitCode: 0}, nil
}

func testPipelineConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		PythonBin:          "python3",
		ScriptRoot:         t.TempDir(),
		OutputRoot:         t.TempDir(),
		DatasetName:        "api_uploads",
		InitTimeout:        time.Minute,
		TrainTimeout:       time.Minute,
		RenderTimeout:      time.Minute,
		TrainIterations:    500,
		TrainProgressFloor: 0.30,
		TrainProgressCeil:  0.80,
	}
}

// makeScene creates a scene directory with n image files.
func makeScene(t *testing.T, n int) string {
	t.Helper()
	sceneDir := t.TempDir()
	imagesDir := filepath.Join(sceneDir, "images")
	require.NoError(t, os.MkdirAll(imagesDir, 0o755))
	for i := 0; i < n; i++ {
		name := filepath.Join(imagesDir, string(rune('a'+i))+".jpg")
		require.NoError(t, os.WriteFile(name, []byte("img"), 0o644))
	}
	return sceneDir
}

func TestValidateScene(t *testing.T) {
	e, err := NewExecutor(testPipelineConfig(t), &mockStageRunner{})
	require.NoError(t, err)

	t.Run("accepts three or more images", func(t *testing.T) {
		n, err := e.ValidateScene(makeScene(t, 3))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = e.ValidateScene(makeScene(t, 7))
		require.NoError(t, err)
		assert.Equal(t, 7, n)
	})

	t.Run("rejects fewer than three images", func(t *testing.T) {
		_, err := e.ValidateScene(makeScene(t, 2))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 3")
	})

	t.Run("rejects missing images directory", func(t *testing.T) {
		_, err := e.ValidateScene(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("ignores non-image files", func(t *testing.T) {
		sceneDir := makeScene(t, 2)
		require.NoError(t, os.WriteFile(filepath.Join(sceneDir, "images", "notes.txt"), []byte("x"), 0o644))
		_, err := e.ValidateScene(sceneDir)
		assert.Error(t, err)
	})
}

func TestExecute(t *testing.T) {
	t.Run("validation failure fails fast with empty output dir", func(t *testing.T) {
		e, err := NewExecutor(testPipelineConfig(t), &mockStageRunner{
			runFunc: func(ctx context.Context, spec StageSpec) (StageResult, error) {
				t.Error("no stage should run when validation fails")
				return StageResult{}, nil
			},
		})
		require.NoError(t, err)

		res := e.Execute(context.Background(), "task-b", makeScene(t, 2), nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "at least 3")
		assert.Equal(t, "", res.OutputDir)
	})

	t.Run("init stage failure aborts with a log excerpt", func(t *testing.T) {
		runner := &mockStageRunner{
			runFunc: func(ctx context.Context, spec StageSpec) (StageResult, error) {
				require.NoError(t, os.WriteFile(spec.LogFile, []byte("CUDA out of memory"), 0o644))
				return StageResult{ExitCode: 1}, nil
			},
			polledFunc: func(ctx context.Context, spec StageSpec, onTick func(time.Duration)) (StageResult, error) {
				t.Error("training must not run after init failed")
				return StageResult{}, nil
			},
		}
		e, err := NewExecutor(testPipelineConfig(t), runner)
		require.NoError(t, err)

		res := e.Execute(context.Background(), "task-init-fail", makeScene(t, 3), nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "geometry initialization failed")
		assert.Contains(t, res.ErrorMessage, "CUDA out of memory")
		assert.NotEmpty(t, res.OutputDir)
	})

	t.Run("train timeout fails the pipeline", func(t *testing.T) {
		runner := &mockStageRunner{
			polledFunc: func(ctx context.Context, spec StageSpec, onTick func(time.Duration)) (StageResult, error) {
				return StageResult{ExitCode: -1, TimedOut: true}, nil
			},
		}
		e, err := NewExecutor(testPipelineConfig(t), runner)
		require.NoError(t, err)

		res := e.Execute(context.Background(), "task-c", makeScene(t, 3), nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "timed out")
	})

	t.Run("progress ramps monotonically and is clamped at the ceiling", func(t *testing.T) {
		cfg := testPipelineConfig(t)
		runner := &mockStageRunner{
			polledFunc: func(ctx context.Context, spec StageSpec, onTick func(time.Duration)) (StageResult, error) {
				onTick(15 * time.Second)
				onTick(30 * time.Second)
				onTick(10 * time.Minute) // way past the timeout-based ramp
				return StageResult{ExitCode: 0}, nil
			},
		}
		e, err := NewExecutor(cfg, runner)
		require.NoError(t, err)

		var fractions []float64
		res := e.Execute(context.Background(), "task-ramp", makeScene(t, 3), func(f float64, msg string) {
			fractions = append(fractions, f)
		})
		require.True(t, res.Success)

		for i := 1; i < len(fractions); i++ {
			assert.GreaterOrEqual(t, fractions[i], fractions[i-1], "progress must never decrease")
		}
		assert.Contains(t, fractions, 0.80, "ramp must clamp at the configured ceiling")
		assert.Equal(t, 1.0, fractions[len(fractions)-1])
	})

	t.Run("successful run collects artifacts and metrics", func(t *testing.T) {
		runner := &mockStageRunner{
			polledFunc: func(ctx context.Context, spec StageSpec, onTick func(time.Duration)) (StageResult, error) {
				// Training writes its outputs next to its log file.
				outDir := filepath.Dir(spec.LogFile)
				plyDir := filepath.Join(outDir, "point_cloud", "iteration_500")
				require.NoError(t, os.MkdirAll(plyDir, 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(plyDir, "point_cloud.ply"), []byte("ply"), 0o644))
				require.NoError(t, os.WriteFile(filepath.Join(outDir, "chkpnt500.pth"), []byte("pth"), 0o644))
				require.NoError(t, os.WriteFile(filepath.Join(outDir, "results.json"), []byte(`{"psnr": 28.4}`), 0o644))
				return StageResult{ExitCode: 0}, nil
			},
		}
		e, err := NewExecutor(testPipelineConfig(t), runner)
		require.NoError(t, err)

		res := e.Execute(context.Background(), "task-a", makeScene(t, 3), nil)
		require.True(t, res.Success, "pipeline should succeed: %s", res.ErrorMessage)
		assert.Contains(t, res.OutputDir, "3_views")
		assert.Contains(t, res.Files["point_cloud"], "point_cloud.ply")
		assert.Contains(t, res.Files["model"], "chkpnt500.pth")
		assert.Equal(t, 28.4, res.Metrics["psnr"])
		assert.GreaterOrEqual(t, res.ProcessingTime, 0.0)
	})

	t.Run("missing point cloud is surfaced, not fatal", func(t *testing.T) {
		e, err := NewExecutor(testPipelineConfig(t), &mockStageRunner{})
		require.NoError(t, err)

		res := e.Execute(context.Background(), "task-no-ply", makeScene(t, 3), nil)
		require.True(t, res.Success)
		_, found := res.Files["point_cloud"]
		assert.False(t, found)
	})

	t.Run("stage commands carry the pinned environment", func(t *testing.T) {
		var initEnv []string
		runner := &mockStageRunner{
			runFunc: func(ctx context.Context, spec StageSpec) (StageResult, error) {
				initEnv = spec.Env
				return StageResult{ExitCode: 0}, nil
			},
		}
		cfg := testPipelineConfig(t)
		cfg.UseCUDA = true
		e, err := NewExecutor(cfg, runner)
		require.NoError(t, err)

		res := e.Execute(context.Background(), "task-env", makeScene(t, 3), nil)
		require.True(t, res.Success)
		assert.Contains(t, initEnv, "CUDA_VISIBLE_DEVICES=0")
		assert.Contains(t, initEnv, "MKL_THREADING_LAYER=INTEL")
		assert.Contains(t, initEnv, "OMP_NUM_THREADS=1")
	})
}

// TestExecuteEndToEnd drives the executor with the real process runner and
// a fake python interpreter: init succeeds, training produces a point
// cloud, and the whole pipeline completes.
func TestExecuteEndToEnd(t *testing.T) {
	cfg := testPipelineConfig(t)

	fakePython := filepath.Join(t.TempDir(), "fake_python.sh")
	script := `#!/bin/sh
prev=""
m=""
stage=""
for a in "$@"; do
  [ "$prev" = "-m" ] && m="$a"
  case "$a" in *.py) stage="$a" ;; esac
  prev="$a"
done
echo "running $stage"
case "$stage" in
  *train.py)
    mkdir -p "$m/point_cloud/iteration_500"
    echo ply > "$m/point_cloud/iteration_500/point_cloud.ply"
    ;;
esac
exit 0
`
	require.NoError(t, os.WriteFile(fakePython, []byte(script), 0o755))
	cfg.PythonBin = fakePython

	runner := NewRunner(10 * time.Millisecond)
	e, err := NewExecutor(cfg, runner)
	require.NoError(t, err)

	var lastFraction float64
	res := e.Execute(context.Background(), "task-e2e", makeScene(t, 3), func(f float64, msg string) {
		assert.GreaterOrEqual(t, f, lastFraction)
		lastFraction = f
	})
	require.True(t, res.Success, "pipeline should succeed: %s", res.ErrorMessage)
	assert.NotEmpty(t, res.Files["point_cloud"])
	assert.FileExists(t, res.Files["point_cloud"])
	assert.Equal(t, 1.0, lastFraction)

	logData, err := os.ReadFile(filepath.Join(res.OutputDir, "02_train.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "train.py")
}
