package stages

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
)

// minifyStage minifies CSS, JavaScript, HTML (including inline <style> and <script>), SVG and JSON. Other files
// pass through. Options:
//
//	only: list of extensions to process (default: all supported)
func minifyStage(ctx context.Context, in fileset.FileSet, opts pipeline.Options) (fileset.FileSet, error) {
	only, err := opts.Strings("only")
	if err != nil {
		return fileset.FileSet{}, err
	}

	selected := extFilter(only)
	m := newMinifier()
	b := in.Edit()

	err = in.Each(func(name string, content []byte) error {
		mt := mediaType(name)
		if mt == "" || !selected(name) {
			return nil
		}

		result, err := m.Bytes(mt, content)
		if err != nil {
			return eris.Wrapf(err, "failed to minify %s", name)
		}
		b.Put(name, result)
		return nil
	})
	if err != nil {
		return fileset.FileSet{}, err
	}

	return b.Build(), nil
}
