package stages

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/flosch/pongo2/v6"
	"github.com/rotisserie/eris"

	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
)

// filesetLoader lets pongo2 resolve {% extends %} and {% include %} against the stage's input set
type filesetLoader struct {
	files fileset.FileSet
}

func (l filesetLoader) Abs(base, name string) string {
	if strings.HasPrefix(name, "/") || base == "" {
		return fileset.Clean(name)
	}
	return fileset.Clean(path.Join(path.Dir(base), name))
}

func (l filesetLoader) Get(name string) (io.Reader, error) {
	content, ok := l.files.Read(name)
	if !ok {
		return nil, eris.Errorf("template %s not found", name)
	}
	return bytes.NewReader(content), nil
}

// templateStage renders HTML pages with a swig/Django compatible template engine.
//
// Pages starting with "_" and pages that don't match the "pages" glob are layouts or partials: they can be
// extended or included but are removed from the output. Options:
//
//	data:  map passed to every page as template context
//	pages: glob selecting the pages that are rendered (default: all)
func templateStage(ctx context.Context, in fileset.FileSet, opts pipeline.Options) (fileset.FileSet, error) {
	data, err := opts.Map("data")
	if err != nil {
		return fileset.FileSet{}, err
	}

	pages := opts.String("pages", "**")
	if !doublestar.ValidatePattern(pages) {
		return fileset.FileSet{}, eris.Errorf("invalid pages pattern %q", pages)
	}

	// a new set per invocation; pongo2's default set caches templates globally
	set := pongo2.NewSet("pages", filesetLoader{files: in})
	b := in.Edit()
	isPage := extFilter([]string{".html", ".htm"})

	err = in.Each(func(name string, content []byte) error {
		if !isPage(name) {
			return nil
		}

		if ok, _ := doublestar.Match(pages, name); !ok || isPartial(name) {
			b.Remove(name)
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		tpl, err := set.FromFile(name)
		if err != nil {
			return eris.Wrapf(err, "failed to parse %s", name)
		}

		pageCtx := pongo2.Context{}
		for k, v := range data {
			pageCtx[k] = v
		}
		pageCtx["page"] = map[string]interface{}{"path": name}

		result, err := tpl.ExecuteBytes(pageCtx)
		if err != nil {
			return eris.Wrapf(err, "failed to render %s", name)
		}

		b.Put(name, result)
		return nil
	})
	if err != nil {
		return fileset.FileSet{}, err
	}

	return b.Build(), nil
}
