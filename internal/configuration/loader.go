package configuration

import (
	"fmt"
	"log/slog"
	"os"

	"quartzdb/internal/configuration/properties"
	"quartzdb/internal/configuration/util"

	"gopkg.in/yaml.v3"
)

const defaultConfigDir = "internal/static"

func Load() (*properties.Config, error) {
	return LoadFrom(configDir())
}

func LoadFrom(baseDir string) (*properties.Config, error) {
	cfg, err := loadBaseConfig(baseDir)
	if err != nil {
		return nil, err
	}

	if cfg.Application.Profile != "" {
		if err := loadProfileConfig(baseDir, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func configDir() string {
	if dir := os.Getenv("QUARTZDB_CONFIG_DIR"); dir != "" {
		return dir
	}
	return defaultConfigDir
}

func loadBaseConfig(baseDir string) (*properties.Config, error) {
	baseConfig, err := util.LoadAndExpandYaml(baseDir, "application")
	if err != nil {
		slog.Error("error loading base config", "error", err)
		return nil, err
	}

	cfg := properties.Config{}
	if err := yaml.Unmarshal([]byte(baseConfig), &cfg); err != nil {
		slog.Error("error parsing base config", "error", err)
		return nil, err
	}

	return &cfg, nil
}

func loadProfileConfig(baseDir string, cfg *properties.Config) error {
	profileConfig, err := util.LoadAndExpandYaml(baseDir, fmt.Sprintf("application-%s", cfg.Application.Profile))
	if err != nil {
		slog.Error("error loading profile config", "profile", cfg.Application.Profile, "error", err)
		return err
	}

	if err := yaml.Unmarshal([]byte(profileConfig), cfg); err != nil {
		slog.Error("error parsing profile config", "profile", cfg.Application.Profile, "error", err)
		return err
	}

	return nil
}
