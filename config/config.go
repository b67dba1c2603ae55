// splatapi/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	// Pipeline tooling
	PythonBin  string `mapstructure:"PYTHON_BIN"`
	ScriptRoot string `mapstructure:"SCRIPT_ROOT"`
	UseCUDA    bool   `mapstructure:"USE_CUDA"`

	// Filesystem layout
	DataRoot    string `mapstructure:"DATA_ROOT"`
	OutputRoot  string `mapstructure:"OUTPUT_ROOT"`
	DatasetName string `mapstructure:"DATASET_NAME"`

	// Stage timeouts and training parameters
	InitTimeout     time.Duration `mapstructure:"INIT_TIMEOUT"`
	TrainTimeout    time.Duration `mapstructure:"TRAIN_TIMEOUT"`
	RenderTimeout   time.Duration `mapstructure:"RENDER_TIMEOUT"`
	TrainIterations int           `mapstructure:"TRAIN_ITERATIONS"`

	// Extra flags appended to each stage command, shell-style quoting.
	InitExtraArgs   string `mapstructure:"INIT_EXTRA_ARGS"`
	TrainExtraArgs  string `mapstructure:"TRAIN_EXTRA_ARGS"`
	RenderExtraArgs string `mapstructure:"RENDER_EXTRA_ARGS"`

	// Progress reporting
	ProgressPollInterval time.Duration `mapstructure:"PROGRESS_POLL_INTERVAL"`
	TrainProgressFloor   float64       `mapstructure:"TRAIN_PROGRESS_FLOOR"`
	TrainProgressCeil    float64       `mapstructure:"TRAIN_PROGRESS_CEIL"`

	// Task scheduling and retention
	MaxConcurrency  int           `mapstructure:"MAX_CONCURRENCY"`
	QueueSize       int           `mapstructure:"QUEUE_SIZE"`
	TaskRetention   time.Duration `mapstructure:"TASK_RETENTION"`
	CleanupInterval time.Duration `mapstructure:"CLEANUP_INTERVAL"`

	// Resource throttling (preflight before each pipeline run)
	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	// State replication (empty URL disables replication)
	ReplicaDatabaseURL string `mapstructure:"REPLICA_DATABASE_URL"`
	ReplicaWorkers     int    `mapstructure:"REPLICA_WORKERS"`
	ReplicaQueueSize   int    `mapstructure:"REPLICA_QUEUE_SIZE"`

	// HTTP server
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`
	Port       string `mapstructure:"PORT"`
	BaseURL    string `mapstructure:"BASE"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to time.Duration.
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to int64s for byte sizes.
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	// Timeout and retention defaults follow the reconstruction scripts:
	// geometry init is minutes, training dominates, renders are optional.
	vp.SetDefault("PYTHON_BIN", "python3")
	vp.SetDefault("SCRIPT_ROOT", ".")
	vp.SetDefault("USE_CUDA", true)
	vp.SetDefault("DATA_ROOT", "assets")
	vp.SetDefault("OUTPUT_ROOT", "output_infer")
	vp.SetDefault("DATASET_NAME", "api_uploads")
	vp.SetDefault("INIT_TIMEOUT", "5m")
	vp.SetDefault("TRAIN_TIMEOUT", "30m")
	vp.SetDefault("RENDER_TIMEOUT", "10m")
	vp.SetDefault("TRAIN_ITERATIONS", 500)
	vp.SetDefault("INIT_EXTRA_ARGS", "--focal_avg --co_vis_dsp --conf_aware_ranking --infer_video")
	vp.SetDefault("TRAIN_EXTRA_ARGS", "--pp_optimizer --optim_pose")
	vp.SetDefault("RENDER_EXTRA_ARGS", "--infer_video")
	vp.SetDefault("PROGRESS_POLL_INTERVAL", "5s")
	vp.SetDefault("TRAIN_PROGRESS_FLOOR", 0.30)
	vp.SetDefault("TRAIN_PROGRESS_CEIL", 0.80)
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("QUEUE_SIZE", 100)
	vp.SetDefault("TASK_RETENTION", "24h")
	vp.SetDefault("CLEANUP_INTERVAL", "1h")
	vp.SetDefault("THROTTLE_CPU", 50.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("REPLICA_DATABASE_URL", "")
	vp.SetDefault("REPLICA_WORKERS", 2)
	vp.SetDefault("REPLICA_QUEUE_SIZE", 256)
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "3080")
	vp.SetDefault("BASE", "")

	// Load from config file
	vp.SetConfigName("splatapi_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/splatapi/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("SPLATAPI")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// Unmarshal the config, providing our custom composed hooks.
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
