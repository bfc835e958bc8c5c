package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the config against its struct tags plus the cross-field
// rules tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if cfg.Metrics.Enabled && cfg.API.Enabled && cfg.Metrics.Port == cfg.API.Port {
		return fmt.Errorf("metrics and api cannot share port %d", cfg.Metrics.Port)
	}
	if cfg.Storage.PersistenceEnabled && cfg.Node.Role != RoleData {
		return fmt.Errorf("storage persistence is only meaningful on data nodes")
	}
	return nil
}
