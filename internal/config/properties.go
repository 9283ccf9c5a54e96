package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/magiconair/properties"
)

// Property keys understood by the runtime. Anything else in a properties
// file is passed through to plugins untouched.
const (
	PropLogger          = "LOGGER"
	PropLogFile         = "LOGFILE"
	PropLogFileAppend   = "LOGFILE.append"
	PropWatchResources  = "watchResources"
	PropDisabledPlugins = "disabledPlugins"
	PropAutoHotswap     = "autoHotswap"
)

// UnitPropertiesFile is the per-unit override file name, looked up in the
// unit's root directory.
const UnitPropertiesFile = "hotpatch.properties"

// BaseProperties renders the runtime keys of cfg as a property set.
func BaseProperties(cfg *Config) *properties.Properties {
	p := properties.NewProperties()
	set := func(k, v string) {
		// Set only fails on circular expansion, which plain values cannot cause.
		_, _, _ = p.Set(k, v)
	}
	set(PropLogger, cfg.Service.LogLevel)
	for pkg, level := range cfg.Service.LogLevels {
		set(PropLogger+"."+pkg, level)
	}
	if cfg.Service.LogFile != "" {
		set(PropLogFile, cfg.Service.LogFile)
		set(PropLogFileAppend, strconv.FormatBool(cfg.Service.LogAppend))
	}
	if len(cfg.Agent.WatchResources) > 0 {
		set(PropWatchResources, strings.Join(cfg.Agent.WatchResources, ","))
	}
	if len(cfg.Agent.DisabledPlugins) > 0 {
		set(PropDisabledPlugins, strings.Join(cfg.Agent.DisabledPlugins, ","))
	}
	set(PropAutoHotswap, strconv.FormatBool(cfg.Agent.AutoHotswap))
	return p
}

// ApplyPropertiesFile loads path and overlays its runtime keys onto cfg.
// cfg.Properties becomes the base set merged with the file.
func ApplyPropertiesFile(cfg *Config, path string) error {
	props, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return fmt.Errorf("failed to load properties %s: %w", path, err)
	}
	if err := ApplyProperties(cfg, props); err != nil {
		return fmt.Errorf("properties %s: %w", path, err)
	}
	return nil
}

// ApplyProperties overlays the runtime keys of props onto cfg.
func ApplyProperties(cfg *Config, props *properties.Properties) error {
	var errs []error
	for _, key := range props.Keys() {
		value := strings.TrimSpace(props.GetString(key, ""))
		switch {
		case key == PropLogger:
			cfg.Service.LogLevel = value
		case strings.HasPrefix(key, PropLogger+"."):
			if cfg.Service.LogLevels == nil {
				cfg.Service.LogLevels = make(map[string]string)
			}
			cfg.Service.LogLevels[strings.TrimPrefix(key, PropLogger+".")] = value
		case key == PropLogFile:
			cfg.Service.LogFile = value
		case key == PropLogFileAppend:
			b, err := strconv.ParseBool(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			cfg.Service.LogAppend = b
		case key == PropWatchResources:
			cfg.Agent.WatchResources = SplitList(value)
		case key == PropDisabledPlugins:
			cfg.Agent.DisabledPlugins = SplitList(value)
		case key == PropAutoHotswap:
			b, err := strconv.ParseBool(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			cfg.Agent.AutoHotswap = b
		}
	}

	merged := BaseProperties(cfg)
	merged.Merge(props)
	cfg.Properties = merged
	return errors.Join(errs...)
}

// UnitProperties returns global merged with the unit's own properties file
// under root, if one exists. global is not modified.
func UnitProperties(global *properties.Properties, root string) (*properties.Properties, error) {
	out := properties.NewProperties()
	if global != nil {
		out.Merge(global)
	}
	if root == "" {
		return out, nil
	}
	path := filepath.Join(root, UnitPropertiesFile)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	local, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("failed to load unit properties %s: %w", path, err)
	}
	out.Merge(local)
	return out, nil
}

// SplitList splits a comma or semicolon separated list, dropping blanks.
func SplitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
