// Package project defines the default site build: the task catalogue, the build plans and the watch rules used
// by the CLI.
package project

import (
	"context"
	"os"
	"path"

	"github.com/rotisserie/eris"

	"github.com/BWLKyh/gulp-cli-automation/pkg/buildsys"
	"github.com/BWLKyh/gulp-cli-automation/pkg/config"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pagelog"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
	"github.com/BWLKyh/gulp-cli-automation/pkg/watcher"
)

var (
	// Compile builds the intermediate pages, styles and scripts into the temp directory
	Compile = buildsys.Parallel(buildsys.Run("style"), buildsys.Run("script"), buildsys.Run("page"))

	// Build produces the production site in the dist directory. extra runs last because it copies into the
	// whole dist tree.
	Build = buildsys.Series(
		buildsys.Run("clean"),
		buildsys.Parallel(
			buildsys.Series(Compile, buildsys.Run("useref")),
			buildsys.Run("image"),
			buildsys.Run("font"),
		),
		buildsys.Run("extra"),
	)

	// Develop prepares everything the dev server needs
	Develop = Compile
)

// Plans maps the plan names accepted by the CLI to their definitions
var Plans = map[string]buildsys.Plan{
	"compile": Compile,
	"build":   Build,
	"develop": Develop,
}

// outputGlob returns the glob covering the files written for sources matching pattern. ext replaces the source
// extension if the pattern names one.
func outputGlob(dest, pattern, ext string) string {
	if ext != "" && path.Ext(pattern) != "" {
		pattern = pattern[:len(pattern)-len(path.Ext(pattern))] + ext
	}
	return path.Join(dest, pattern)
}

// DefaultTasks returns the built-in task catalogue for cfg
func DefaultTasks(cfg *config.Config) []buildsys.Task {
	src := cfg.SourceDir
	temp := cfg.TempDir
	dist := cfg.DistDir

	sassOpts := pipeline.Options{"outputStyle": "expanded"}
	if cfg.SassCommand != "" {
		sassOpts["command"] = cfg.SassCommand
	}

	return []buildsys.Task{
		{
			Name:    "clean",
			Desc:    "Removes the dist and temp directories",
			Outputs: []string{path.Join(dist, "**"), path.Join(temp, "**")},
			Action: func(ctx context.Context) error {
				for _, dir := range []string{dist, temp} {
					pagelog.Log(ctx).Debug().Msgf("Removing %s", dir)
					if err := os.RemoveAll(cfg.Path(dir)); err != nil {
						return eris.Wrapf(err, "failed to remove %s", dir)
					}
				}
				return nil
			},
		},
		{
			Name:    "style",
			Desc:    "Compiles the stylesheets",
			Stages:  []pipeline.StageRef{{Name: "sass", Options: sassOpts}},
			Source:  buildsys.Source{Base: src, Patterns: []string{cfg.Paths.Styles}},
			Dest:    temp,
			Outputs: []string{outputGlob(temp, cfg.Paths.Styles, ".css")},
		},
		{
			Name:    "script",
			Desc:    "Transpiles the scripts",
			Stages:  []pipeline.StageRef{{Name: "babel", Options: pipeline.Options{"target": "es2015"}}},
			Source:  buildsys.Source{Base: src, Patterns: []string{cfg.Paths.Scripts}},
			Dest:    temp,
			Outputs: []string{outputGlob(temp, cfg.Paths.Scripts, "")},
		},
		{
			Name: "page",
			Desc: "Renders the page templates",
			Stages: []pipeline.StageRef{{Name: "swig", Options: pipeline.Options{
				"data":  cfg.Data(),
				"pages": cfg.Paths.Pages,
			}}},
			// layouts and partials anywhere below src can be extended or included
			Source:  buildsys.Source{Base: src, Patterns: []string{cfg.Paths.Pages, "**/*.html"}},
			Dest:    temp,
			Outputs: []string{outputGlob(temp, cfg.Paths.Pages, "")},
		},
		{
			Name: "useref",
			Desc: "Bundles and minifies the referenced assets of every page",
			Deps: []string{"style", "script", "page"},
			Stages: []pipeline.StageRef{
				{Name: "useref", Options: pipeline.Options{
					"searchPath": []string{cfg.Path(temp), cfg.Root()},
				}},
				{Name: "minify", Options: pipeline.Options{"only": []string{".js", ".css", ".html"}}},
			},
			Source: buildsys.Source{Base: temp, Patterns: []string{cfg.Paths.Pages}},
			Dest:   dist,
			Outputs: []string{
				outputGlob(dist, cfg.Paths.Pages, ""),
				outputGlob(dist, path.Dir(cfg.Paths.Styles), "") + "/**",
				outputGlob(dist, path.Dir(cfg.Paths.Scripts), "") + "/**",
			},
		},
		{
			Name:    "image",
			Desc:    "Compresses the images",
			Stages:  []pipeline.StageRef{{Name: "imagemin"}},
			Source:  buildsys.Source{Base: src, Patterns: []string{cfg.Paths.Images}},
			Dest:    dist,
			Outputs: []string{outputGlob(dist, cfg.Paths.Images, "")},
		},
		{
			Name:    "font",
			Desc:    "Compresses the fonts",
			Stages:  []pipeline.StageRef{{Name: "fontmin"}},
			Source:  buildsys.Source{Base: src, Patterns: []string{cfg.Paths.Fonts}},
			Dest:    dist,
			Outputs: []string{outputGlob(dist, cfg.Paths.Fonts, "")},
		},
		{
			Name:   "extra",
			Desc:   "Copies the public files",
			Source: buildsys.Source{Base: cfg.PublicDir, Patterns: []string{"**"}},
			Dest:   dist,
		},
	}
}

// Tasks returns the default tasks merged with the tasks declared in the config script. A declared task replaces
// the default task of the same name.
func Tasks(cfg *config.Config) []buildsys.Task {
	tasks := DefaultTasks(cfg)
	index := make(map[string]int, len(tasks))
	for idx, task := range tasks {
		index[task.Name] = idx
	}

	for _, decl := range cfg.Tasks() {
		task := fromDecl(cfg, decl)
		if idx, ok := index[task.Name]; ok {
			tasks[idx] = task
			continue
		}

		index[task.Name] = len(tasks)
		tasks = append(tasks, task)
	}

	return tasks
}

func fromDecl(cfg *config.Config, decl config.TaskDecl) buildsys.Task {
	base := decl.Base
	if base == "" {
		base = cfg.SourceDir
	}

	stages := make([]pipeline.StageRef, len(decl.Stages))
	for idx, stage := range decl.Stages {
		stages[idx] = pipeline.StageRef{Name: stage.Name, Options: pipeline.Options(stage.Options)}
	}

	return buildsys.Task{
		Name:    decl.Name,
		Desc:    decl.Desc,
		Deps:    decl.Deps,
		Stages:  stages,
		Source:  buildsys.Source{Base: base, Patterns: decl.Src},
		Dest:    decl.Dest,
		Outputs: decl.Outputs,
	}
}

// NewGraph registers all tasks of the project
func NewGraph(cfg *config.Config) (*buildsys.Graph, error) {
	g := buildsys.NewGraph()
	if err := g.RegisterAll(Tasks(cfg)...); err != nil {
		return nil, err
	}
	return g, nil
}

// WatchRules returns the rules used by the develop command. Images, fonts and public files are served straight
// from their source directories so they only trigger a reload.
func WatchRules(cfg *config.Config) []watcher.Rule {
	return []watcher.Rule{
		{Pattern: cfg.Paths.Styles, Base: cfg.SourceDir, Tasks: []string{"style"}},
		{Pattern: cfg.Paths.Scripts, Base: cfg.SourceDir, Tasks: []string{"script"}},
		{Pattern: cfg.Paths.Pages, Base: cfg.SourceDir, Tasks: []string{"page"}},
		{Pattern: "**/*.html", Base: cfg.SourceDir, Tasks: []string{"page"}},
		{Pattern: cfg.Paths.Images, Base: cfg.SourceDir},
		{Pattern: cfg.Paths.Fonts, Base: cfg.SourceDir},
		{Pattern: "**", Base: cfg.PublicDir},
	}
}

// ServeRoots lists the directories the dev server searches, in order. dist is left out: develop never writes
// to it, so it only holds the output of the last build.
func ServeRoots(cfg *config.Config) []string {
	return []string{cfg.TempDir, cfg.SourceDir, cfg.PublicDir}
}
