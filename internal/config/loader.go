package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/hotpatch/internal/log"
)

// EnvVarPattern matches ${VAR} references.
var EnvVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a YAML file (or a directory holding
// config.yaml), following include entries, applying defaults, verifying
// .checksums when present and overlaying the properties file.
func Load(configPath string) (*Config, error) {
	cfg, err := LoadUnvalidated(configPath)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadUnvalidated is Load without the final Validate, for the doctor.
func LoadUnvalidated(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	cfg.SourceFiles = make(map[string]*yaml.Node)
	var files []string
	if err := loadFile(cfg, absPath, make(map[string]bool), &files); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(absPath)
	if err := VerifyChecksums(configDir, files); err != nil {
		return nil, err
	}

	if cfg.Agent.PropertiesFile != "" {
		propsPath := cfg.Agent.PropertiesFile
		if !filepath.IsAbs(propsPath) {
			propsPath = filepath.Join(configDir, propsPath)
		}
		if err := ApplyPropertiesFile(cfg, propsPath); err != nil {
			return nil, err
		}
	} else {
		cfg.Properties = BaseProperties(cfg)
	}

	resolveRelative(cfg, configDir)
	refreshProperties(cfg)
	return cfg, nil
}

// Files resolves configPath and follows its includes without verifying
// checksums. It returns the config directory and the loaded files relative
// to it, in load order. Files outside the directory are skipped.
func Files(configPath string) (string, []string, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return "", nil, err
	}
	cfg := Defaults()
	cfg.SourceFiles = make(map[string]*yaml.Node)
	var files []string
	if err := loadFile(cfg, absPath, make(map[string]bool), &files); err != nil {
		return "", nil, err
	}
	dir := filepath.Dir(absPath)
	rel := make([]string, 0, len(files))
	for _, f := range files {
		r, err := filepath.Rel(dir, f)
		if err != nil || strings.HasPrefix(r, "..") {
			continue
		}
		rel = append(rel, filepath.ToSlash(r))
	}
	return dir, rel, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadFile decodes path onto cfg, then its includes in order. Later files
// override earlier values.
func loadFile(cfg *Config, path string, visited map[string]bool, files *[]string) error {
	if visited[path] {
		return nil
	}
	visited[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &node); err != nil {
		return fmt.Errorf("failed to parse config YAML %s: %w", path, err)
	}
	*files = append(*files, path)
	cfg.SourceFiles[path] = &node
	if node.Kind == 0 {
		return nil
	}

	var head struct {
		Include []string `yaml:"include"`
	}
	if err := node.Decode(&head); err != nil {
		return fmt.Errorf("failed to parse include list in %s: %w", path, err)
	}
	root := cfg.Include
	if err := node.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if len(visited) > 1 {
		// Only the root file's include list is reported.
		cfg.Include = root
	}

	baseDir := filepath.Dir(path)
	for i, inc := range head.Include {
		inc = interpolateEnv(inc)
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(baseDir, inc)
		}
		if _, err := os.Stat(inc); err != nil {
			return fmt.Errorf("include[%d] in %s: file not found: %s", i, path, inc)
		}
		if err := loadFile(cfg, inc, visited, files); err != nil {
			return err
		}
	}
	return nil
}

func resolveRelative(cfg *Config, baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.Host.Root = abs(cfg.Host.Root)
	cfg.Journal.Path = abs(cfg.Journal.Path)
	cfg.Service.LogFile = abs(cfg.Service.LogFile)
	for i, p := range cfg.Agent.WatchResources {
		cfg.Agent.WatchResources[i] = abs(p)
	}
}

// refreshProperties writes the resolved runtime keys back into the
// property set so plugins see absolute paths.
func refreshProperties(cfg *Config) {
	base := BaseProperties(cfg)
	for _, k := range base.Keys() {
		_, _, _ = cfg.Properties.Set(k, base.MustGetString(k))
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return EnvVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := EnvVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate checks the fields that would make the runtime misbehave.
func Validate(cfg *Config) error {
	var errs []error
	if cfg.Service.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("service.tick_interval must be positive"))
	}
	if cfg.Service.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("service.debounce must be positive"))
	}
	if cfg.Service.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("service.max_workers must not be negative"))
	}
	if !log.ValidLevel(cfg.Service.LogLevel) {
		errs = append(errs, fmt.Errorf("service.log_level %q is not a valid level", cfg.Service.LogLevel))
	}
	for pkg, level := range cfg.Service.LogLevels {
		if !log.ValidLevel(level) {
			errs = append(errs, fmt.Errorf("service.log_levels[%s] %q is not a valid level", pkg, level))
		}
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text", "":
	default:
		errs = append(errs, fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat))
	}
	if cfg.Journal.Path == "" {
		errs = append(errs, fmt.Errorf("journal.path is required"))
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		errs = append(errs, fmt.Errorf("api.listen is required when the API is enabled"))
	}
	if cfg.Webhooks.Enabled {
		if cfg.Webhooks.Secret == "" || EnvVarPattern.MatchString(cfg.Webhooks.Secret) {
			errs = append(errs, fmt.Errorf("webhooks.secret is required when webhooks are enabled"))
		}
		if !cfg.API.Enabled {
			errs = append(errs, fmt.Errorf("webhooks require the API to be enabled"))
		}
		if _, err := ParseSize(cfg.Webhooks.MaxBodySize); err != nil {
			errs = append(errs, fmt.Errorf("webhooks.max_body_size: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ParseSize parses sizes like "512KB" or "1MB". An empty string is 1MB.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 1 << 20, nil
	}
	mult := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, unit.suffix) {
			mult = unit.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			break
		}
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
