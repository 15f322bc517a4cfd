package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()

	cfg, err := Load(context.Background(), LoadOptions{Root: root})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.SourceDir != "src" || cfg.DistDir != "dist" || cfg.TempDir != "temp" || cfg.PublicDir != "public" {
		t.Fatalf("unexpected directories: %+v", cfg.Settings)
	}
	if cfg.Paths.Styles != "assets/styles/*.scss" || cfg.Paths.Pages != "*.html" {
		t.Fatalf("unexpected paths: %+v", cfg.Paths)
	}
	if cfg.Server.Port != 2080 {
		t.Fatalf("unexpected port %d", cfg.Server.Port)
	}
	if cfg.Debounce().Milliseconds() != 100 {
		t.Fatalf("unexpected debounce %v", cfg.Debounce())
	}
	if cfg.WorkerCount() < 1 {
		t.Fatalf("worker count must be positive")
	}
	if cfg.Path("dist") != filepath.Join(root, "dist") {
		t.Fatalf("unexpected dist path %s", cfg.Path("dist"))
	}
}

func TestLoadTOMLOverride(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, TOMLFile), `
src = "source"
workers = 3

[paths]
styles = "css/**/*.scss"

[server]
port = 3000
`)

	cfg, err := Load(context.Background(), LoadOptions{Root: root})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.SourceDir != "source" || cfg.Workers != 3 || cfg.Server.Port != 3000 {
		t.Fatalf("override not applied: %+v", cfg.Settings)
	}
	if cfg.Paths.Styles != "css/**/*.scss" {
		t.Fatalf("nested override not applied: %q", cfg.Paths.Styles)
	}
	if cfg.DistDir != "dist" {
		t.Fatalf("default lost: %q", cfg.DistDir)
	}
}

func TestLoadScriptOverride(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "data.yml"), "menus:\n  - home\n  - about\n")
	writeFile(t, filepath.Join(root, ScriptFile), `
build = {
    "dist": "release",
    "paths": {"pages": "pages/*.html"},
    "port": 4000,
}

site = read_yaml("data.yml")
data = {"title": "Hello", "menus": site["menus"]}

task(
    name = "docs",
    desc = "Copy the docs",
    deps = ["style"],
    base = "docs",
    src = ["**/*.md"],
    dest = "release/docs",
    stages = ["minify", ("exec", {"command": "cat"})],
)
`)

	cfg, err := Load(context.Background(), LoadOptions{Root: root})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DistDir != "release" || cfg.Paths.Pages != "pages/*.html" || cfg.Server.Port != 4000 {
		t.Fatalf("build dict not applied: %+v", cfg.Settings)
	}

	data := cfg.Data()
	if data["title"] != "Hello" {
		t.Fatalf("unexpected data %+v", data)
	}
	if menus, ok := data["menus"].([]interface{}); !ok || len(menus) != 2 {
		t.Fatalf("unexpected menus %#v", data["menus"])
	}

	tasks := cfg.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}

	decl := tasks[0]
	if decl.Name != "docs" || !reflect.DeepEqual(decl.Deps, []string{"style"}) || decl.Dest != "release/docs" {
		t.Fatalf("unexpected task %+v", decl)
	}
	if len(decl.Stages) != 2 || decl.Stages[0].Name != "minify" || decl.Stages[1].Options["command"] != "cat" {
		t.Fatalf("unexpected stages %+v", decl.Stages)
	}
}

func TestLoadScriptUnknownOption(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ScriptFile), `build = {"destination": "x"}`)

	_, err := Load(context.Background(), LoadOptions{Root: root})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"same dirs", func(c *Config) { c.TempDir = "dist" }, "temp"},
		{"empty src", func(c *Config) { c.SourceDir = "" }, "src"},
		{"bad glob", func(c *Config) { c.Paths.Scripts = "assets/[" }, "paths.scripts"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"negative workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			if err := cfg.Validate(); err != nil {
				t.Fatalf("default config invalid: %v", err)
			}

			tt.modify(cfg)
			err := cfg.Validate()

			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Fatalf("expected field %s, got %s", tt.field, cfgErr.Field)
			}
		})
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pages.config.js"), "module.exports = {}")

	_, err := Load(context.Background(), LoadOptions{Root: root, File: "pages.config.js"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
