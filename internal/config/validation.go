package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError holds all validation failures for a config file.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Errors, "; "))
}

// validate checks the parsed config for correctness.
func validate(cfg *FileConfig) error {
	var errs []string

	if len(cfg.Endpoints) == 0 {
		errs = append(errs, "endpoints: at least one is required")
	}
	if cfg.LoadBalance.Enabled && len(cfg.Endpoints) < 2 {
		errs = append(errs, "load_balance.enabled requires at least two endpoints")
	}

	ids := make(map[string]bool, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		if ep.ID == "" {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: id is required", i))
		}
		if ids[ep.ID] {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: duplicate id %q", i, ep.ID))
		}
		ids[ep.ID] = true

		if ep.URL == "" && ep.Command == "" {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: one of url or command is required", i))
		}
		if len(ep.Transports) == 0 {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: transports must name at least one transport", i))
		}
		for _, t := range ep.Transports {
			if err := validateTransport(t); err != nil {
				errs = append(errs, fmt.Sprintf("endpoints[%d]: %v", i, err))
			}
		}
	}

	for i, pattern := range cfg.ToolFilter.Globs {
		if err := validateGlob(pattern); err != nil {
			errs = append(errs, fmt.Sprintf("tool_filter.globs[%d]: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateTransport(t string) error {
	switch t {
	case "http", "sse", "subprocess", "tcp":
		return nil
	default:
		return fmt.Errorf("invalid transport %q (must be http, sse, subprocess, or tcp)", t)
	}
}

func validateGlob(pattern string) error {
	if pattern == "" {
		return nil
	}
	_, err := filepath.Match(pattern, "test")
	if err != nil {
		return fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	return nil
}
