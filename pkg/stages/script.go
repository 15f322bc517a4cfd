package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rotisserie/eris"

	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
)

var esTargets = map[string]api.Target{
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"esnext": api.ESNext,
}

// scriptStage transpiles modern JavaScript down to the configured language level. Options:
//
//	target: es2015 (default) ... esnext
//	minify: also minify the output
func scriptStage(ctx context.Context, in fileset.FileSet, opts pipeline.Options) (fileset.FileSet, error) {
	targetName := strings.ToLower(opts.String("target", "es2015"))
	target, ok := esTargets[targetName]
	if !ok {
		return fileset.FileSet{}, eris.Errorf("unsupported target %s", targetName)
	}
	minify := opts.Bool("minify", false)

	b := in.Edit()
	isScript := extFilter([]string{".js", ".mjs"})

	err := in.Each(func(name string, content []byte) error {
		if !isScript(name) {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		result := api.Transform(string(content), api.TransformOptions{
			Loader:            api.LoaderJS,
			Target:            target,
			Sourcefile:        name,
			MinifyWhitespace:  minify,
			MinifyIdentifiers: minify,
			MinifySyntax:      minify,
		})
		if len(result.Errors) > 0 {
			msgs := make([]string, len(result.Errors))
			for idx, msg := range result.Errors {
				if msg.Location != nil {
					msgs[idx] = fmt.Sprintf("%s:%d:%d: %s", name, msg.Location.Line, msg.Location.Column, msg.Text)
				} else {
					msgs[idx] = msg.Text
				}
			}
			return eris.Errorf("failed to transpile %s:\n%s", name, strings.Join(msgs, "\n"))
		}

		b.Put(name, result.Code)
		return nil
	})
	if err != nil {
		return fileset.FileSet{}, err
	}

	return b.Build(), nil
}
