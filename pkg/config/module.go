package config

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DEFAULT []byte

type RelaySettings struct {
	Port int `yaml:"port" env:"SKIRMISH_PORT"`
}

type ClientSettings struct {
	// Relay address override. A build pipeline may substitute a
	// placeholder here; the resolver skips it when unexpanded.
	Relay string `yaml:"relay" env:"SKIRMISH_RELAY"`
}

type Config struct {
	Relay  RelaySettings  `yaml:"relay"`
	Client ClientSettings `yaml:"client"`
}

// Process reads the provided configuration files in order, later files
// overriding earlier ones, and finally applies environment variable
// overrides. If no configuration files are provided, the default
// configuration is used. YAML and JSON files are both accepted.
func Process(configPaths []string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(DEFAULT, &config); err != nil {
		return nil, err
	}

	for _, path := range configPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("could not parse %s: %w", path, err)
		}
	}

	if err := env.Parse(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
