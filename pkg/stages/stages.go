// Package stages contains the built-in transform stages. Each one adapts an external codec (minifier, template
// engine, transpiler, compressor or an arbitrary shell command) to the pipeline.Stage contract.
package stages

import (
	"path"
	"regexp"
	"strings"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/minify/v2/json"
	"github.com/tdewolff/minify/v2/svg"

	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
)

var builtins = map[string]pipeline.Stage{
	"sass":     pipeline.StageFunc(sassStage),
	"swig":     pipeline.StageFunc(templateStage),
	"babel":    pipeline.StageFunc(scriptStage),
	"imagemin": pipeline.StageFunc(imageStage),
	"fontmin":  pipeline.StageFunc(fontStage),
	"minify":   pipeline.StageFunc(minifyStage),
	"useref":   pipeline.StageFunc(userefStage),
	"brotli":   pipeline.StageFunc(brotliStage),
	"exec":     pipeline.StageFunc(execStage),
}

// Register adds all built-in stages to reg
func Register(reg *pipeline.Registry) error {
	for _, name := range []string{"sass", "swig", "babel", "imagemin", "fontmin", "minify", "useref", "brotli", "exec"} {
		if err := reg.Register(name, builtins[name]); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry containing the built-in stages
func NewRegistry() (*pipeline.Registry, error) {
	reg := pipeline.NewRegistry()
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

var mediaTypes = map[string]string{
	".css":  "text/css",
	".html": "text/html",
	".htm":  "text/html",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".json": "application/json",
	".svg":  "image/svg+xml",
}

func mediaType(name string) string {
	return mediaTypes[strings.ToLower(path.Ext(name))]
}

// newMinifier builds a fresh minifier per invocation so no state is shared between stage calls
func newMinifier() *minify.M {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.Add("text/html", &html.Minifier{KeepDocumentTags: true})
	m.AddFuncRegexp(regexp.MustCompile("^(application|text)/(x-)?(java|ecma)script$"), js.Minify)
	m.AddFuncRegexp(regexp.MustCompile("[/+]json$"), json.Minify)
	m.AddFunc("image/svg+xml", svg.Minify)
	return m
}

// extFilter returns a predicate matching file names by extension. An empty list matches everything.
func extFilter(exts []string) func(string) bool {
	if len(exts) == 0 {
		return func(string) bool { return true }
	}

	set := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = true
	}

	return func(name string) bool {
		return set[strings.ToLower(path.Ext(name))]
	}
}

func isPartial(name string) bool {
	return strings.HasPrefix(path.Base(name), "_")
}
