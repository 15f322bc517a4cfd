package stages

import (
	"bytes"
	"context"
	"image/png"

	"github.com/rotisserie/eris"

	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
)

// imageStage applies lossless optimizations: PNGs are re-encoded with the best compression level (the result
// is only kept if it's smaller) and SVGs are minified. Everything else is copied unchanged.
func imageStage(ctx context.Context, in fileset.FileSet, opts pipeline.Options) (fileset.FileSet, error) {
	b := in.Edit()
	m := newMinifier()
	isPNG := extFilter([]string{".png"})
	isSVG := extFilter([]string{".svg"})

	err := in.Each(func(name string, content []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case isPNG(name):
			img, err := png.Decode(bytes.NewReader(content))
			if err != nil {
				return eris.Wrapf(err, "failed to decode %s", name)
			}

			var buf bytes.Buffer
			enc := png.Encoder{CompressionLevel: png.BestCompression}
			if err := enc.Encode(&buf, img); err != nil {
				return eris.Wrapf(err, "failed to encode %s", name)
			}

			if buf.Len() < len(content) {
				b.Put(name, buf.Bytes())
			}
		case isSVG(name):
			result, err := m.Bytes("image/svg+xml", content)
			if err != nil {
				return eris.Wrapf(err, "failed to minify %s", name)
			}
			b.Put(name, result)
		}
		return nil
	})
	if err != nil {
		return fileset.FileSet{}, err
	}

	return b.Build(), nil
}

// fontStage minifies SVG fonts; binary font formats can't be optimized and are copied as-is.
func fontStage(ctx context.Context, in fileset.FileSet, opts pipeline.Options) (fileset.FileSet, error) {
	b := in.Edit()
	m := newMinifier()
	isSVG := extFilter([]string{".svg"})

	err := in.Each(func(name string, content []byte) error {
		if !isSVG(name) {
			return nil
		}

		result, err := m.Bytes("image/svg+xml", content)
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
