package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env vars and
// an optional config file.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Download struct {
		MoviesDir string // fallback when a source has no library dir
		SeriesDir string
		Workers   int // transfer worker pool size
	}
	Engine struct {
		CheckpointInterval time.Duration // pause/cancel poll cadence during transfer
		ProgressInterval   time.Duration // durable progress commit cadence
		QueueInterval      time.Duration // periodic queue processor beat
		MaintenanceSpec    string        // cron spec for the maintenance beat
	}
	Log struct {
		Dir string
	}
}

// Load reads configuration from environment variables (STREAMARR_ prefix)
// and an optional config.yaml in the working directory.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STREAMARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/streamarr.db")
	v.SetDefault("download.moviesdir", "data/downloads/movies")
	v.SetDefault("download.seriesdir", "data/downloads/series")
	v.SetDefault("download.workers", 4)
	v.SetDefault("engine.checkpointinterval", 5*time.Second)
	v.SetDefault("engine.progressinterval", time.Second)
	v.SetDefault("engine.queueinterval", 5*time.Minute)
	v.SetDefault("engine.maintenancespec", "@hourly")
	v.SetDefault("log.dir", "data/logs")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
