package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	SavePath           string        `mapstructure:"save_path"`
	ResumeFile         string        `mapstructure:"resume_file"`
	LogLevel           string        `mapstructure:"log_level"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	StatusInterval     time.Duration `mapstructure:"status_interval"`
	SaveResumeInterval time.Duration `mapstructure:"save_resume_interval"`
	PipelineDepth      int           `mapstructure:"pipeline_depth"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MaxPeers           int           `mapstructure:"max_peers"`
	MaxPieceRetries    int           `mapstructure:"max_piece_retries"`
	MaxHashFailures    int           `mapstructure:"max_hash_failures"`
	UploadSlots        int           `mapstructure:"upload_slots"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	DownloadRateLimit  int64         `mapstructure:"download_rate_limit"`
	RecheckOnResume    bool          `mapstructure:"recheck_on_resume"`
	OpenFileCacheSize  int           `mapstructure:"open_file_cache_size"`
	StatusAddr         string        `mapstructure:"status_addr"`
	Peers              []string      `mapstructure:"peers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("save_path", ".")
	v.SetDefault("resume_file", ".resume_file")
	v.SetDefault("log_level", "info")
	v.SetDefault("poll_interval", "200ms")
	v.SetDefault("status_interval", "1s")
	v.SetDefault("save_resume_interval", "30s")
	v.SetDefault("pipeline_depth", 5)
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("max_peers", 50)
	v.SetDefault("max_piece_retries", 3)
	v.SetDefault("max_hash_failures", 3)
	v.SetDefault("upload_slots", 4)
	v.SetDefault("dial_timeout", "10s")
	v.SetDefault("download_rate_limit", 0)
	v.SetDefault("recheck_on_resume", false)
	v.SetDefault("open_file_cache_size", 16)
	v.SetDefault("status_addr", "")
	v.SetDefault("peers", []string{})
}

// Load reads configuration from path, or from ./config.yaml when path is
// empty. A missing default file is not an error; environment variables
// prefixed with TORRENTD_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("torrentd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.PipelineDepth <= 0:
		return fmt.Errorf("pipeline_depth must be positive, got %d", c.PipelineDepth)
	case c.SaveResumeInterval <= 0:
		return fmt.Errorf("save_resume_interval must be positive, got %s", c.SaveResumeInterval)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	case c.MaxPeers <= 0:
		return fmt.Errorf("max_peers must be positive, got %d", c.MaxPeers)
	}
	return nil
}
