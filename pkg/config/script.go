package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"

	"github.com/BWLKyh/gulp-cli-automation/pkg/pagelog"
)

// StageDecl references a transform stage by name together with its options
type StageDecl struct {
	Name    string
	Options map[string]interface{}
}

// TaskDecl contains the processed values passed to task() by the config script
type TaskDecl struct {
	Name    string
	Desc    string
	Deps    []string
	Base    string
	Src     []string
	Dest    string
	Outputs []string
	Stages  []StageDecl
	Pos     string
}

type scriptCtx struct {
	ctx       context.Context
	filepath  string
	root      string
	tasks     []TaskDecl
	yamlCache map[string]interface{}
}

func getCtx(thread *starlark.Thread) *scriptCtx {
	return thread.Local("scriptCtx").(*scriptCtx)
}

// runScript executes the Starlark config file and applies the "build" and "data" globals as well as any
// declared tasks to cfg.
func runScript(ctx context.Context, cfg *Config, filename string) error {
	sctx := &scriptCtx{
		ctx:       ctx,
		filepath:  filename,
		root:      cfg.root,
		yamlCache: make(map[string]interface{}),
	}

	builtins := starlark.StringDict{
		"OS":        starlark.String(runtime.GOOS),
		"ARCH":      starlark.String(runtime.GOARCH),
		"info":      starlark.NewBuiltin("info", starInfo),
		"warn":      starlark.NewBuiltin("warn", starWarn),
		"error":     starlark.NewBuiltin("error", starError),
		"getenv":    starlark.NewBuiltin("getenv", starGetenv),
		"read_yaml": starlark.NewBuiltin("read_yaml", readYaml),
		"task":      starlark.NewBuiltin("task", task),
	}

	thread := &starlark.Thread{
		Name: "config",
		Print: func(thread *starlark.Thread, msg string) {
			pagelog.Log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	thread.SetLocal("scriptCtx", sctx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return &ConfigError{Field: "config", Msg: "failed to read " + filename, Err: err}
	}

	globals, err := starlark.ExecFile(thread, simplifyPath(sctx, filename), script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return Errorf("config", "failed to execute %s:\n%s", simplifyPath(sctx, filename), evalError.Backtrace())
		}
		return &ConfigError{Field: "config", Msg: "failed to execute " + simplifyPath(sctx, filename), Err: err}
	}

	if build, ok := globals["build"]; ok {
		raw, err := starlarkToInterface(build)
		if err != nil {
			return &ConfigError{Field: "build", Msg: "unsupported value", Err: err}
		}

		values, ok := raw.(map[string]interface{})
		if !ok {
			return Errorf("build", "expected a dict but found %s", build.Type())
		}

		if err := applyBuild(cfg, values); err != nil {
			return err
		}
	}

	if data, ok := globals["data"]; ok {
		raw, err := starlarkToInterface(data)
		if err != nil {
			return &ConfigError{Field: "data", Msg: "unsupported value", Err: err}
		}

		values, ok := raw.(map[string]interface{})
		if !ok {
			return Errorf("data", "expected a dict but found %s", data.Type())
		}
		cfg.data = values
	}

	cfg.tasks = sctx.tasks
	return nil
}

// applyBuild copies the recognized keys of the "build" dict onto the config. The layout matches the old
// JavaScript config: {"src": ..., "dist": ..., "paths": {"styles": ...}}.
func applyBuild(cfg *Config, values map[string]interface{}) error {
	strFields := map[string]*string{
		"src":      &cfg.SourceDir,
		"dist":     &cfg.DistDir,
		"temp":     &cfg.TempDir,
		"public":   &cfg.PublicDir,
		"cache":    &cfg.CacheFile,
		"dataFile": &cfg.DataFile,
		"sass":     &cfg.SassCommand,
	}
	pathFields := map[string]*string{
		"styles":  &cfg.Paths.Styles,
		"pages":   &cfg.Paths.Pages,
		"scripts": &cfg.Paths.Scripts,
		"images":  &cfg.Paths.Images,
		"fonts":   &cfg.Paths.Fonts,
	}
	intFields := map[string]*int{
		"port":       &cfg.Server.Port,
		"workers":    &cfg.Workers,
		"debounceMs": &cfg.DebounceMS,
	}

	for key, value := range values {
		if field, ok := strFields[key]; ok {
			str, ok := value.(string)
			if !ok {
				return Errorf("build."+key, "expected a string but found %T", value)
			}
			*field = str
			continue
		}

		if field, ok := intFields[key]; ok {
			num, ok := value.(int64)
			if !ok {
				return Errorf("build."+key, "expected an int but found %T", value)
			}
			*field = int(num)
			continue
		}

		if key == "paths" {
			paths, ok := value.(map[string]interface{})
			if !ok {
				return Errorf("build.paths", "expected a dict but found %T", value)
			}

			for name, glob := range paths {
				field, ok := pathFields[name]
				if !ok {
					return Errorf("build.paths", "unknown asset class %s", name)
				}

				str, ok := glob.(string)
				if !ok {
					return Errorf("build.paths."+name, "expected a string but found %T", glob)
				}
				*field = str
			}
			continue
		}

		return Errorf("build", "unknown option %s", key)
	}

	return nil
}

func simplifyPath(ctx *scriptCtx, path string) string {
	rel, err := filepath.Rel(ctx.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func logPos(thread *starlark.Thread) string {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos
	return fmt.Sprintf("%s:%d:%d", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col)
}

// * Builtin functions

func starInfo(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message); err != nil {
		return nil, err
	}

	pagelog.Log(getCtx(thread).ctx).Info().Msgf("%s: %s", logPos(thread), message)
	return starlark.None, nil
}

func starWarn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message); err != nil {
		return nil, err
	}

	pagelog.Log(getCtx(thread).ctx).Warn().Msgf("%s: %s", logPos(thread), message)
	return starlark.None, nil
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message); err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

func starGetenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var defaultValue starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key, &defaultValue); err != nil {
		return nil, err
	}

	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue, nil
	}
	return starlark.String(value), nil
}

func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var yamlFile string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &yamlFile); err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !filepath.IsAbs(yamlFile) {
		yamlFile = filepath.Join(filepath.Dir(ctx.filepath), yamlFile)
	}

	doc, loaded := ctx.yamlCache[yamlFile]
	if !loaded {
		var err error
		doc, err = readYAMLFile(yamlFile)
		if err != nil {
			return nil, err
		}
		ctx.yamlCache[yamlFile] = doc
	}

	return interfaceToStarlark(doc)
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps, src, outputs, stages *starlark.List
	decl := TaskDecl{}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &decl.Name, "desc?", &decl.Desc, "deps?", &deps,
		"base?", &decl.Base, "src?", &src, "dest?", &decl.Dest, "outputs?", &outputs, "stages?", &stages)
	if err != nil {
		return nil, err
	}

	if decl.Name == "" {
		return nil, eris.New("task name must not be empty")
	}

	decl.Pos = logPos(thread)
	if decl.Deps, err = starlarkList2stringSlice(deps, "deps"); err != nil {
		return nil, err
	}
	if decl.Src, err = starlarkList2stringSlice(src, "src"); err != nil {
		return nil, err
	}
	if decl.Outputs, err = starlarkList2stringSlice(outputs, "outputs"); err != nil {
		return nil, err
	}

	if stages != nil {
		for idx := 0; idx < stages.Len(); idx++ {
			stage, err := parseStage(stages.Index(idx))
			if err != nil {
				return nil, eris.Wrapf(err, "%s: invalid stage #%d", fn.Name(), idx)
			}
			decl.Stages = append(decl.Stages, stage)
		}
	}

	if len(decl.Src) > 0 && decl.Dest == "" {
		pagelog.Log(getCtx(thread).ctx).Warn().Msgf("%s: task %s has sources but no dest", decl.Pos, decl.Name)
	}

	ctx := getCtx(thread)
	ctx.tasks = append(ctx.tasks, decl)
	return starlark.String(decl.Name), nil
}

// parseStage accepts either "name" or ("name", {options})
func parseStage(value starlark.Value) (StageDecl, error) {
	switch value := value.(type) {
	case starlark.String:
		return StageDecl{Name: value.GoString()}, nil
	case starlark.Tuple:
		if len(value) != 2 {
			return StageDecl{}, eris.Errorf("expected (name, options) but found %d items", len(value))
		}

		name, ok := value[0].(starlark.String)
		if !ok {
			return StageDecl{}, eris.Errorf("expected the stage name to be a string but found %s", value[0].Type())
		}

		raw, err := starlarkToInterface(value[1])
		if err != nil {
			return StageDecl{}, err
		}

		options, ok := raw.(map[string]interface{})
		if !ok {
			return StageDecl{}, eris.Errorf("expected stage options to be a dict but found %s", value[1].Type())
		}
		return StageDecl{Name: name.GoString(), Options: options}, nil
	}

	return StageDecl{}, eris.Errorf("unexpected type %s, only strings and tuples are valid", value.Type())
}

func starlarkList2stringSlice(input *starlark.List, field string) ([]string, error) {
	if input == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	for idx := 0; idx < input.Len(); idx++ {
		item := input.Index(idx)
		value, ok := item.(starlark.String)
		if !ok {
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
		result = append(result, value.GoString())
	}
	return result, nil
}

func readYAMLFile(filename string) (interface{}, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open file %s", filename)
	}

	var doc interface{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, eris.Wrapf(err, "failed to parse file %s", filename)
	}
	return normalizeYAML(doc), nil
}

// normalizeYAML turns the map[interface{}]interface{} values yaml.v3 may produce for non-string keys into
// map[string]interface{} so the result can be handed to templates.
func normalizeYAML(value interface{}) interface{} {
	switch value := value.(type) {
	case map[string]interface{}:
		for k, v := range value {
			value[k] = normalizeYAML(v)
		}
		return value
	case map[interface{}]interface{}:
		result := make(map[string]interface{}, len(value))
		for k, v := range value {
			result[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return result
	case []interface{}:
		for idx, v := range value {
			value[idx] = normalizeYAML(v)
		}
		return value
	}
	return value
}

func starlarkToInterface(value starlark.Value) (interface{}, error) {
	switch value := value.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.String:
		return value.GoString(), nil
	case starlark.Bool:
		return bool(value), nil
	case starlark.Int:
		num, ok := value.Int64()
		if !ok {
			return nil, eris.Errorf("integer %s is too large", value.String())
		}
		return num, nil
	case starlark.Float:
		return float64(value), nil
	case *starlark.List:
		result := make([]interface{}, value.Len())
		for idx := range result {
			item, err := starlarkToInterface(value.Index(idx))
			if err != nil {
				return nil, err
			}
			result[idx] = item
		}
		return result, nil
	case starlark.Tuple:
		result := make([]interface{}, len(value))
		for idx, raw := range value {
			item, err := starlarkToInterface(raw)
			if err != nil {
				return nil, err
			}
			result[idx] = item
		}
		return result, nil
	case *starlark.Dict:
		result := make(map[string]interface{}, value.Len())
		for _, item := range value.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in dict but only strings are supported", item[0].Type())
			}

			converted, err := starlarkToInterface(item[1])
			if err != nil {
				return nil, err
			}
			result[key.GoString()] = converted
		}
		return result, nil
	}

	return nil, eris.Errorf("encountered unsupported type %s", value.Type())
}

func interfaceToStarlark(value interface{}) (starlark.Value, error) {
	// handle a few simple and common cases first
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case int64:
		return starlark.MakeInt64(value), nil
	case bool:
		return starlark.Bool(value), nil
	case float64:
		return starlark.Float(value), nil
	}

	refValue := reflect.ValueOf(value)
	switch refValue.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]starlark.Value, refValue.Len())
		for idx := range items {
			item, err := interfaceToStarlark(refValue.Index(idx).Interface())
			if err != nil {
				return nil, err
			}
			items[idx] = item
		}
		return starlark.NewList(items), nil
	case reflect.Map:
		keys := make([]string, 0, refValue.Len())
		iter := refValue.MapRange()
		entries := map[string]interface{}{}
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			keys = append(keys, key)
			entries[key] = iter.Value().Interface()
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(keys))
		for _, key := range keys {
			item, err := interfaceToStarlark(entries[key])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), item); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}

	return nil, eris.Errorf("encountered unsupported type %v", refValue.Kind())
}
