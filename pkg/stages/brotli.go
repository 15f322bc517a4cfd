package stages

import (
	"bytes"
	"context"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"

	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
)

var defaultCompressible = []string{".html", ".css", ".js", ".svg", ".json"}

// brotliStage adds a precompressed ".br" sibling for every text asset. Options:
//
//	only:    extensions to compress (default html, css, js, svg, json)
//	quality: 0-11 (default 11)
func brotliStage(ctx context.Context, in fileset.FileSet, opts pipeline.Options) (fileset.FileSet, error) {
	only, err := opts.Strings("only")
	if err != nil {
		return fileset.FileSet{}, err
	}
	if len(only) == 0 {
		only = defaultCompressible
	}

	quality := opts.Int("quality", brotli.BestCompression)
	if quality < brotli.BestSpeed || quality > brotli.BestCompression {
		return fileset.FileSet{}, eris.Errorf("quality %d is out of range", quality)
	}

	selected := extFilter(only)
	b := in.Edit()
	var buf bytes.Buffer

	err = in.Each(func(name string, content []byte) error {
		if !selected(name) {
			return nil
		}

		buf.Reset()
		brw := brotli.NewWriterLevel(&buf, quality)
		if _, err := brw.Write(content); err != nil {
			return eris.Wrapf(err, "failed to compress %s", name)
		}
		if err := brw.Close(); err != nil {
			return eris.Wrapf(err, "failed to compress %s", name)
		}

		b.Put(name+".br", buf.Bytes())
		return nil
	})
	if err != nil {
		return fileset.FileSet{}, err
	}

	return b.Build(), nil
}
