package app

import (
	"errors"
	"fmt"
	"sort"

	"unitgauge/internal/config"
	"unitgauge/internal/host"
)

// Check loads and validates the config file, including every plugin block,
// without opening the bus or any sink.
func Check(path string) (*config.Config, error) {
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Plugins))
	for name := range cfg.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		validate, ok := pluginValidators[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", host.ErrUnknownPlugin, name))
			continue
		}
		nodes, err := config.DecodeNodes(cfg.Plugins[name])
		if err == nil {
			err = validate(nodes)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}
