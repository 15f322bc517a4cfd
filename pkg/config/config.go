package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const (
	// TOMLFile is the optional override file read by aconfig
	TOMLFile = "pages.config.toml"
	// ScriptFile is the optional Starlark override file (the counterpart of the old pages.config.js)
	ScriptFile = "pages.config.star"
)

// Settings describes all options that can be set through files or the environment
type Settings struct {
	SourceDir string `default:"src" toml:"src" usage:"Directory containing the sources"`
	DistDir   string `default:"dist" toml:"dist" usage:"Directory receiving the production build"`
	TempDir   string `default:"temp" toml:"temp" usage:"Directory for intermediate build results"`
	PublicDir string `default:"public" toml:"public" usage:"Directory with static files copied as-is"`
	Paths     struct {
		Styles  string `default:"assets/styles/*.scss" toml:"styles"`
		Pages   string `default:"*.html" toml:"pages"`
		Scripts string `default:"assets/scripts/*.js" toml:"scripts"`
		Images  string `default:"assets/images/**" toml:"images"`
		Fonts   string `default:"assets/fonts/**" toml:"fonts"`
	} `toml:"paths"`
	Server struct {
		Host string `default:"localhost" toml:"host" usage:"Address the dev server binds to"`
		Port int    `default:"2080" toml:"port" usage:"Dev server port"`
	} `toml:"server"`
	Workers     int    `default:"0" toml:"workers" usage:"Maximum number of tasks running in parallel (0 = number of CPUs)"`
	DebounceMS  int    `default:"100" toml:"debounceMs" usage:"Delay used to coalesce file change events"`
	CacheFile   string `default:".pages-cache.db" toml:"cacheFile" usage:"Incremental build state"`
	DataFile    string `toml:"dataFile" usage:"YAML file with template data"`
	SassCommand string `toml:"sassCommand" usage:"External SCSS compiler reading stdin and writing CSS (i.e. sass --stdin)"`
	Log         struct {
		Level string `default:"info" toml:"level"`
		JSON  bool   `default:"false" toml:"json" usage:"Output JSONND instead of pretty console messages"`
	} `toml:"log"`
}

// Config is the resolved project configuration. It is built once by Load() and must be treated as read-only
// afterwards.
type Config struct {
	Settings

	root  string
	data  map[string]interface{}
	tasks []TaskDecl
}

// LoadOptions controls where Load looks for override files
type LoadOptions struct {
	// Root is the project directory; relative directories in the config are resolved against it
	Root string
	// File is an explicit override file (.toml or .star). If empty, Root is searched for TOMLFile and ScriptFile.
	File string
	// Overrides are applied last; command line flags end up here
	Overrides func(*Config)
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Load merges the defaults, the optional override files, PAGES_* environment variables and opts.Overrides
// into a new Config and validates the result.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	root := opts.Root
	if root == "" {
		root = "."
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve project root")
	}

	tomlFile := filepath.Join(root, TOMLFile)
	scriptFile := filepath.Join(root, ScriptFile)
	if opts.File != "" {
		file := opts.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(root, file)
		}

		switch filepath.Ext(file) {
		case ".toml":
			tomlFile, scriptFile = file, ""
		case ".star":
			tomlFile, scriptFile = "", file
		default:
			return nil, Errorf("config", "unsupported config file %s (expected .toml or .star)", opts.File)
		}

		if _, err := os.Stat(file); err != nil {
			return nil, &ConfigError{Field: "config", Msg: "cannot read " + opts.File, Err: err}
		}
	}

	cfg := &Config{root: root}
	acfg := aconfig.Config{
		EnvPrefix: "PAGES",
		SkipFlags: true,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	}
	if tomlFile != "" {
		acfg.Files = []string{tomlFile}
	}

	if err := aconfig.LoaderFor(&cfg.Settings, acfg).Load(); err != nil {
		return nil, &ConfigError{Field: "config", Msg: "failed to load configuration", Err: err}
	}

	if scriptFile != "" {
		if _, err := os.Stat(scriptFile); err == nil {
			if err := runScript(ctx, cfg, scriptFile); err != nil {
				return nil, err
			}
		} else if !eris.Is(err, os.ErrNotExist) {
			return nil, &ConfigError{Field: "config", Msg: "cannot read " + scriptFile, Err: err}
		}
	}

	if cfg.DataFile != "" {
		data, err := readYAMLFile(cfg.Path(cfg.DataFile))
		if err != nil {
			return nil, &ConfigError{Field: "dataFile", Msg: "failed to load template data", Err: err}
		}

		merged, ok := data.(map[string]interface{})
		if !ok {
			return nil, Errorf("dataFile", "%s must contain a mapping", cfg.DataFile)
		}
		for k, v := range cfg.data {
			merged[k] = v
		}
		cfg.data = merged
	}

	if opts.Overrides != nil {
		opts.Overrides(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration rooted at root without reading any files or environment
// variables. Mostly useful for tests.
func Default(root string) *Config {
	cfg := &Config{root: root}
	cfg.SourceDir = "src"
	cfg.DistDir = "dist"
	cfg.TempDir = "temp"
	cfg.PublicDir = "public"
	cfg.Paths.Styles = "assets/styles/*.scss"
	cfg.Paths.Pages = "*.html"
	cfg.Paths.Scripts = "assets/scripts/*.js"
	cfg.Paths.Images = "assets/images/**"
	cfg.Paths.Fonts = "assets/fonts/**"
	cfg.Server.Host = "localhost"
	cfg.Server.Port = 2080
	cfg.DebounceMS = 100
	cfg.CacheFile = ".pages-cache.db"
	cfg.Log.Level = "info"
	return cfg
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	dirs := map[string]string{
		"src":    cfg.SourceDir,
		"dist":   cfg.DistDir,
		"temp":   cfg.TempDir,
		"public": cfg.PublicDir,
	}
	seen := map[string]string{}
	for _, field := range []string{"src", "dist", "temp", "public"} {
		dir := dirs[field]
		if dir == "" {
			return Errorf(field, "must not be empty")
		}

		clean := filepath.Clean(cfg.Path(dir))
		if other, ok := seen[clean]; ok {
			return Errorf(field, "points to the same directory as %s (%s)", other, dir)
		}
		seen[clean] = field
	}

	globs := map[string]string{
		"paths.styles":  cfg.Paths.Styles,
		"paths.pages":   cfg.Paths.Pages,
		"paths.scripts": cfg.Paths.Scripts,
		"paths.images":  cfg.Paths.Images,
		"paths.fonts":   cfg.Paths.Fonts,
	}
	for field, glob := range globs {
		if glob == "" {
			return Errorf(field, "must not be empty")
		}
		if !doublestar.ValidatePattern(glob) {
			return Errorf(field, "invalid glob pattern %q", glob)
		}
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return Errorf("server.port", "%d is not a valid port", cfg.Server.Port)
	}

	if cfg.Workers < 0 {
		return Errorf("workers", "must not be negative")
	}

	if cfg.DebounceMS < 0 {
		return Errorf("debounceMs", "must not be negative")
	}

	if _, ok := logLevels[cfg.Log.Level]; !ok {
		return Errorf("log.level", "unknown level %s", cfg.Log.Level)
	}

	names := map[string]bool{}
	for _, decl := range cfg.tasks {
		if names[decl.Name] {
			return Errorf("tasks", "task %s was declared twice", decl.Name)
		}
		names[decl.Name] = true
	}

	return nil
}

// Root returns the absolute project directory
func (cfg *Config) Root() string {
	return cfg.root
}

// Path resolves a (possibly relative) config path against the project root
func (cfg *Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(cfg.root, filepath.FromSlash(p))
}

// WorkerCount returns the effective worker limit
func (cfg *Config) WorkerCount() int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	return runtime.NumCPU()
}

// Debounce returns the configured debounce window
func (cfg *Config) Debounce() time.Duration {
	return time.Duration(cfg.DebounceMS) * time.Millisecond
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// Data returns a copy of the template data collected from the data file and the config script
func (cfg *Config) Data() map[string]interface{} {
	result := make(map[string]interface{}, len(cfg.data))
	for k, v := range cfg.data {
		result[k] = v
	}
	return result
}

// Tasks returns the additional tasks declared by the config script
func (cfg *Config) Tasks() []TaskDecl {
	return append([]TaskDecl(nil), cfg.tasks...)
}
