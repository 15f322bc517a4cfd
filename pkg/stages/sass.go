package stages

import (
	"bytes"
	"context"
	"path"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
)

// sassSyntaxPattern finds constructs plain CSS doesn't have: variables, interpolation and Sass at-rules
var sassSyntaxPattern = regexp.MustCompile(`(?m)(?:^|[\s:,(])\$[A-Za-z_][\w-]*|#\{|@(?:mixin|include|extend|use|forward|function|each|for|if|while)\b`)

// sassStage turns stylesheets into CSS files.
//
// Files starting with "_" are partials: they're only meant to be imported and are dropped from the output.
// The actual compilation is delegated to the optional "command" (i.e. "sass --stdin"); without one the source
// is expected to be plain CSS and files using Sass syntax are rejected. Options:
//
//	outputStyle: "expanded" (default) or "compressed"
//	command:     shell command reading SCSS on stdin and writing CSS to stdout
func sassStage(ctx context.Context, in fileset.FileSet, opts pipeline.Options) (fileset.FileSet, error) {
	style := opts.String("outputStyle", "expanded")
	if style != "expanded" && style != "compressed" {
		return fileset.FileSet{}, eris.Errorf("unsupported outputStyle %s", style)
	}
	command := opts.String("command", "")

	b := in.Edit()
	m := newMinifier()

	err := in.Each(func(name string, content []byte) error {
		ext := strings.ToLower(path.Ext(name))
		if ext != ".scss" && ext != ".sass" {
			return nil
		}

		b.Remove(name)
		if isPartial(name) {
			return nil
		}

		result := content
		if command != "" {
			var err error
			result, err = runCommand(ctx, command, in.Base(), name, content)
			if err != nil {
				return eris.Wrapf(err, "failed to compile %s", name)
			}
		} else if ext == ".sass" {
			return eris.Errorf("%s uses the indented syntax, set sassCommand to compile it", name)
		} else if loc := sassSyntaxPattern.FindIndex(content); loc != nil {
			line := bytes.Count(content[:loc[0]+1], []byte("\n")) + 1
			return eris.Errorf("%s:%d uses Sass syntax, set sassCommand to compile it", name, line)
		}

		if style == "compressed" {
			var err error
			result, err = m.Bytes("text/css", result)
			if err != nil {
				return eris.Wrapf(err, "failed to compress %s", name)
			}
		}

		b.Put(fileset.ReplaceExt(name, ".css"), result)
		return nil
	})
	if err != nil {
		return fileset.FileSet{}, err
	}

	return b.Build(), nil
}
