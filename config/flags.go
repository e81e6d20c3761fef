package config

import (
	"flag"

	"github.com/pkg/errors"
)

// Get parses command-line flags and loads the referenced config file.
// --alerts overrides alerts_path from the file; "-" means stdin.
func Get() (Config, error) {
	path := flag.String("config", "config.yaml", "path to yaml config")
	alerts := flag.String("alerts", "", "path to a JSON-lines alert feed, - for stdin")
	flag.Parse()

	if *path == "" {
		return Config{}, errors.New("--config is required")
	}

	cfg, err := Load(*path)
	if err != nil {
		return Config{}, err
	}
	if *alerts != "" {
		cfg.AlertsPath = *alerts
	}
	if cfg.AlertsPath == "" {
		cfg.AlertsPath = "-"
	}

	return cfg, nil
}
