// Package doctor validates hotpatch configuration and the plugin catalog.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/hotpatch/internal/config"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the plugin catalog.
type Doctor struct {
	cfg     *config.Config
	catalog *plugin.Catalog
	// checkLocal is storage.CheckLocal outside tests.
	checkLocal func(path, purpose string) error
}

// New creates a Doctor from a loaded config and plugin catalog. A nil
// catalog skips the plugin checks.
func New(cfg *config.Config, catalog *plugin.Catalog) *Doctor {
	return &Doctor{cfg: cfg, catalog: catalog, checkLocal: storage.CheckLocal}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateLogging(r)
	d.validateJournal(r)
	d.validateAPIConfig(r)
	d.validateWebhooks(r)
	d.validatePlugins(r)
	d.warnHostRoot(r)
	d.warnWatchResources(r)
	d.warnUnknownDisabled(r)
	d.warnUntestedHost(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks scheduler timing.
func (d *Doctor) validateServiceConfig(r *Result) {
	s := d.cfg.Service
	if s.TickInterval <= 0 {
		d.addError(r, "service", "service.tick_interval", "tick_interval must be positive")
	}
	if s.Debounce <= 0 {
		d.addError(r, "service", "service.debounce", "debounce must be positive")
	}
	if s.MaxWorkers < 0 {
		d.addError(r, "service", "service.max_workers", "max_workers must not be negative")
	}
	if s.TickInterval > 0 && s.Debounce > 0 && s.TickInterval > s.Debounce {
		d.addWarning(r, "service", "service.tick_interval",
			fmt.Sprintf("tick_interval %s is longer than debounce %s; commands will run late", s.TickInterval, s.Debounce))
	}
}

// validateLogging checks levels from YAML and from LOGGER.* properties.
func (d *Doctor) validateLogging(r *Result) {
	s := d.cfg.Service
	if !log.ValidLevel(s.LogLevel) {
		d.addError(r, "logging", "service.log_level", fmt.Sprintf("invalid log level %q", s.LogLevel))
	}
	for pkg, level := range s.LogLevels {
		if !log.ValidLevel(level) {
			d.addError(r, "logging", "service.log_levels."+pkg, fmt.Sprintf("invalid log level %q", level))
		}
	}
	switch strings.ToLower(s.LogFormat) {
	case "json", "text", "":
	default:
		d.addError(r, "logging", "service.log_format", fmt.Sprintf("log_format must be json or text (got %q)", s.LogFormat))
	}
	if d.cfg.Properties == nil {
		return
	}
	for _, key := range d.cfg.Properties.Keys() {
		if key != config.PropLogger && !strings.HasPrefix(key, config.PropLogger+".") {
			continue
		}
		if v := d.cfg.Properties.GetString(key, ""); !log.ValidLevel(v) {
			d.addError(r, "logging", "properties."+key, fmt.Sprintf("invalid log level %q", v))
		}
	}
}

func (d *Doctor) validateJournal(r *Result) {
	if d.cfg.Journal.Path == "" {
		d.addError(r, "journal", "journal.path", "journal.path is required")
	} else if d.cfg.Journal.Path != ":memory:" {
		if err := d.checkLocal(d.cfg.Journal.Path, "journal"); storage.IsRemote(err) {
			d.addError(r, "journal", "journal.path", err.Error()+" (SQLite and the PID lock need local locking)")
		}
	}
	if d.cfg.Journal.Retention < 0 {
		d.addError(r, "journal", "journal.retention", "retention must not be negative")
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if d.cfg.API.Auth.APIKey == "" {
		msg := "API enabled but no authentication configured"
		if !isLoopback(host) {
			msg += " and listening beyond loopback"
		}
		d.addWarning(r, "api", "api.auth.api_key", msg)
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validateWebhooks checks the build notification endpoint.
func (d *Doctor) validateWebhooks(r *Result) {
	wh := d.cfg.Webhooks
	if !wh.Enabled {
		return
	}
	if wh.Secret == "" || config.EnvVarPattern.MatchString(wh.Secret) {
		d.addError(r, "webhooks", "webhooks.secret", "webhook enabled without a secret")
	}
	if !d.cfg.API.Enabled {
		d.addError(r, "webhooks", "webhooks.enabled", "webhooks are served by the API; enable api.enabled")
	}
	if !strings.HasPrefix(wh.Path, "/") {
		d.addError(r, "webhooks", "webhooks.path", fmt.Sprintf("path %q must start with /", wh.Path))
	}
	if _, err := config.ParseSize(wh.MaxBodySize); err != nil {
		d.addError(r, "webhooks", "webhooks.max_body_size", err.Error())
	}
	if wh.SignatureHeader == "" {
		d.addWarning(r, "webhooks", "webhooks.signature_header", "no signature header configured; the default is used")
	}
}

// validatePlugins checks that every declared pattern compiles.
func (d *Doctor) validatePlugins(r *Result) {
	if d.catalog == nil {
		return
	}
	for _, desc := range d.catalog.All() {
		for _, t := range desc.Transforms {
			if _, err := regexp.Compile(t.Pattern); err != nil {
				d.addError(r, "plugins", fmt.Sprintf("%s.%s", desc.Name, t.Name),
					fmt.Sprintf("invalid pattern %q: %v", t.Pattern, err))
			}
		}
		for _, w := range desc.Watches {
			if w.Filter == "" {
				continue
			}
			if _, err := filepath.Match(w.Filter, "probe"); err != nil {
				d.addError(r, "plugins", fmt.Sprintf("%s.%s", desc.Name, w.Name),
					fmt.Sprintf("invalid filter %q: %v", w.Filter, err))
			}
		}
	}
}

func (d *Doctor) warnHostRoot(r *Result) {
	root := d.cfg.Host.Root
	if root == "" {
		d.addWarning(r, "host", "host.root", "host.root is empty; hotpatch run has nothing to load")
		return
	}
	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		d.addWarning(r, "host", "host.root", fmt.Sprintf("%s does not exist yet", root))
	case err != nil:
		d.addWarning(r, "host", "host.root", err.Error())
	case !info.IsDir():
		d.addError(r, "host", "host.root", fmt.Sprintf("%s is not a directory", root))
		return
	}
	if err := d.checkLocal(root, "host root"); storage.IsRemote(err) {
		d.addWarning(r, "host", "host.root", err.Error()+"; changes made by other machines will not be noticed")
	}
}

// warnWatchResources flags watch roots that do not exist.
func (d *Doctor) warnWatchResources(r *Result) {
	for i, p := range d.watchResources() {
		if _, err := os.Stat(p); err != nil {
			d.addWarning(r, "watch_resources", fmt.Sprintf("agent.watch_resources[%d]", i),
				fmt.Sprintf("%s is missing; it will not be watched", p))
		}
	}
}

func (d *Doctor) watchResources() []string {
	if d.cfg.Properties != nil {
		return config.SplitList(d.cfg.Properties.GetString(config.PropWatchResources, ""))
	}
	return d.cfg.Agent.WatchResources
}

// warnUnknownDisabled flags disabled_plugins entries that name nothing.
func (d *Doctor) warnUnknownDisabled(r *Result) {
	if d.catalog == nil {
		return
	}
	for _, name := range d.cfg.Agent.DisabledPlugins {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := d.catalog.Get(name); !ok {
			d.addWarning(r, "plugins", "agent.disabled_plugins",
				fmt.Sprintf("unknown plugin %q in disabled_plugins", name))
		}
	}
}

// warnUntestedHost flags plugins not verified against host_version.
func (d *Doctor) warnUntestedHost(r *Result) {
	if d.catalog == nil || d.cfg.Agent.HostVersion == "" {
		return
	}
	for _, desc := range d.catalog.EnabledDescriptors() {
		if !desc.Supports(d.cfg.Agent.HostVersion) {
			d.addWarning(r, "plugins", desc.Name,
				fmt.Sprintf("not tested with host version %s (tested: %s)", d.cfg.Agent.HostVersion, strings.Join(desc.TestedVersions, ", ")))
		}
	}
}

// warnMissingEnvVars warns about ${VAR} references left unresolved.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	fields := map[string]string{
		"api.auth.api_key": d.cfg.API.Auth.APIKey,
		"webhooks.secret":  d.cfg.Webhooks.Secret,
	}
	for _, field := range []string{"api.auth.api_key", "webhooks.secret"} {
		for _, m := range config.EnvVarPattern.FindAllStringSubmatch(fields[field], -1) {
			d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
