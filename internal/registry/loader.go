package registry

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type fileConfig struct {
	Boundaries []Boundary `mapstructure:"boundaries"`
}

// LoadFile reads a registry from a YAML (or any viper-supported) file.
func LoadFile(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Registry, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read registry %s: %w", v.ConfigFileUsed(), err)
	}
	var cfg fileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", v.ConfigFileUsed(), err)
	}
	return New(cfg.Boundaries)
}

// Watch reloads the router whenever the file changes. Invalid files are
// logged and the previous registry stays in place. onReload, if set, runs
// after each accepted reload.
func Watch(path string, router *Router, logger *slog.Logger, onReload func(*Registry)) {
	v := viper.New()
	v.SetConfigFile(path)
	v.OnConfigChange(func(e fsnotify.Event) {
		reg, err := load(v)
		if err == nil {
			err = router.Reload(reg)
		}
		if err != nil {
			logger.Error("registry reload rejected", "path", path, "op", e.Op.String(), "error", err)
			return
		}
		logger.Info("registry reloaded", "path", path, "boundaries", len(reg.Boundaries()))
		if onReload != nil {
			onReload(reg)
		}
	})
	v.WatchConfig()
}
