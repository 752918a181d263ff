package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"go-civitai-manager/internal/models"
)

// LoadConfig reads the configuration from the specified path (defaulting to
// "config.toml"), applies defaults for unset tunables and returns the result.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	var cfg models.Config
	md, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	// Downloading the model file and its images are both on unless the config
	// explicitly turns them off.
	if !md.IsDefined("DownloadModel") {
		cfg.DownloadModel = true
	}
	if !md.IsDefined("DownloadImages") {
		cfg.DownloadImages = true
	}

	if cfg.SavePath == "" {
		log.Warn("SavePath is not set in the config file")
	}
	if cfg.DatabasePath == "" {
		log.Warn("DatabasePath is not set in the config file")
	}

	ApplyDefaults(&cfg)

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults fills zero-valued tunables with their defaults.
func ApplyDefaults(cfg *models.Config) {
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 3
	}
	if cfg.DownloadThreads <= 0 {
		cfg.DownloadThreads = 3
	}
	if cfg.TopImageCount <= 0 {
		cfg.TopImageCount = 9
	}
	if cfg.FetchBatchSize <= 0 {
		cfg.FetchBatchSize = 100
	}
	if cfg.APIDelayMs <= 0 {
		cfg.APIDelayMs = 1000
	}
	if cfg.APIClientTimeoutSec <= 0 {
		cfg.APIClientTimeoutSec = 30
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialRetryDelayMs <= 0 {
		cfg.InitialRetryDelayMs = 2000
	}
	if cfg.BandwidthWindowSec <= 0 {
		cfg.BandwidthWindowSec = 60
	}
}
