package config

import (
	"strings"
	"time"

	"github.com/Tutortoise/detection-service/detections"
	"github.com/Tutortoise/detection-service/logger"
	"github.com/Tutortoise/detection-service/onnx"
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. DETECT_MODEL_PATH.
const EnvPrefix = "DETECT"

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Model  ModelConfig  `mapstructure:"model"`
	ONNX   ONNXConfig   `mapstructure:"onnx"`
	Watch  WatchConfig  `mapstructure:"watch"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
}

type ModelConfig struct {
	Path                string  `mapstructure:"path"`
	CatalogFile         string  `mapstructure:"catalog_file"`
	InputWidth          int     `mapstructure:"input_width"`
	InputHeight         int     `mapstructure:"input_height"`
	ResizeMode          string  `mapstructure:"resize_mode"`
	IoUThreshold        float32 `mapstructure:"iou_threshold"`
	DefaultThreshold    float32 `mapstructure:"default_threshold"`
	PrivilegedClass     int     `mapstructure:"privileged_class"`
	PrivilegedThreshold float32 `mapstructure:"privileged_threshold"`
}

type ONNXConfig struct {
	LibraryPath    string `mapstructure:"library_path"`
	PoolSize       int    `mapstructure:"pool_size"`
	IntraOpThreads int    `mapstructure:"intra_op_threads"`
	InterOpThreads int    `mapstructure:"inter_op_threads"`
	InputName      string `mapstructure:"input_name"`
	OutputName     string `mapstructure:"output_name"`
	PixelBoxes     bool   `mapstructure:"pixel_boxes"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.max_upload_bytes", 10<<20)

	v.SetDefault("model.path", "")
	v.SetDefault("model.catalog_file", detections.CatalogFileName)
	v.SetDefault("model.input_width", detections.InputWidth)
	v.SetDefault("model.input_height", detections.InputHeight)
	v.SetDefault("model.resize_mode", string(detections.ResizeStretch))
	v.SetDefault("model.iou_threshold", detections.DefaultIoUThreshold)
	v.SetDefault("model.default_threshold", detections.DefaultThreshold)
	v.SetDefault("model.privileged_class", -1) // none
	v.SetDefault("model.privileged_threshold", 0.2)

	v.SetDefault("onnx.library_path", "")
	v.SetDefault("onnx.pool_size", onnx.DefaultPoolSize)
	v.SetDefault("onnx.intra_op_threads", 0) // runtime default
	v.SetDefault("onnx.inter_op_threads", 0)
	v.SetDefault("onnx.input_name", "images")
	v.SetDefault("onnx.output_name", "output0")
	v.SetDefault("onnx.pixel_boxes", true)

	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.debounce", 500*time.Millisecond)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// New returns a viper instance with defaults and environment overrides, and
// reads configFile when it is not empty.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}
	return v, nil
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr cannot be empty")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return errors.New("server timeouts must be >= 0")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.Newf("server.max_upload_bytes must be > 0, got %d", c.Server.MaxUploadBytes)
	}

	if c.Model.InputWidth <= 0 || c.Model.InputHeight <= 0 {
		return errors.Newf("model input size must be positive, got %dx%d", c.Model.InputWidth, c.Model.InputHeight)
	}
	if !detections.ResizeMode(c.Model.ResizeMode).Valid() {
		return errors.Newf("model.resize_mode must be %q or %q, got %q",
			detections.ResizeStretch, detections.ResizeLetterbox, c.Model.ResizeMode)
	}
	if c.Model.IoUThreshold <= 0 || c.Model.IoUThreshold > 1 {
		return errors.Newf("model.iou_threshold must be in (0,1], got %v", c.Model.IoUThreshold)
	}
	if c.Model.DefaultThreshold <= 0 || c.Model.DefaultThreshold > 1 {
		return errors.Newf("model.default_threshold must be in (0,1], got %v", c.Model.DefaultThreshold)
	}
	if c.Model.PrivilegedThreshold < 0 || c.Model.PrivilegedThreshold > 1 {
		return errors.Newf("model.privileged_threshold must be in [0,1], got %v", c.Model.PrivilegedThreshold)
	}
	if strings.ContainsAny(c.Model.CatalogFile, `/\`) {
		return errors.Newf("model.catalog_file must be a file name, got %q", c.Model.CatalogFile)
	}

	if c.ONNX.PoolSize < 0 {
		return errors.Newf("onnx.pool_size must be >= 0, got %d", c.ONNX.PoolSize)
	}
	if c.ONNX.IntraOpThreads < 0 || c.ONNX.InterOpThreads < 0 {
		return errors.New("onnx thread counts must be >= 0")
	}

	if c.Watch.Enabled && c.Watch.Debounce <= 0 {
		return errors.Newf("watch.debounce must be > 0 when watching, got %v", c.Watch.Debounce)
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// EngineOptions maps the model section onto engine options.
func (c *Config) EngineOptions() detections.Options {
	opts := detections.DefaultOptions()
	opts.InputWidth = c.Model.InputWidth
	opts.InputHeight = c.Model.InputHeight
	opts.ResizeMode = detections.ResizeMode(c.Model.ResizeMode)
	opts.IoUThreshold = c.Model.IoUThreshold
	opts.DefaultThreshold = c.Model.DefaultThreshold
	opts.Catalog = detections.CatalogOptions{
		FileName:            c.Model.CatalogFile,
		PrivilegedClass:     c.Model.PrivilegedClass,
		PrivilegedThreshold: c.Model.PrivilegedThreshold,
	}
	opts.ModelExtension = ".onnx"
	return opts
}

func (c *Config) BackendOptions() onnx.Options {
	return onnx.Options{
		LibraryPath:    c.ONNX.LibraryPath,
		PoolSize:       c.ONNX.PoolSize,
		IntraOpThreads: c.ONNX.IntraOpThreads,
		InterOpThreads: c.ONNX.InterOpThreads,
		InputName:      c.ONNX.InputName,
		OutputName:     c.ONNX.OutputName,
		PixelBoxes:     c.ONNX.PixelBoxes,
	}
}

func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{JSON: c.Log.JSON, Level: c.Log.Level}
}
