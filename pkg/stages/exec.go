package stages

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
)

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// runCommand pipes content through a shell command. The command runs in dir with $FILE set to the file's path.
func runCommand(ctx context.Context, command, dir, name string, content []byte) ([]byte, error) {
	parser := syntax.NewParser()
	prog, err := parser.Parse(strings.NewReader(command), "exec")
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", command)
	}

	if dir == "" {
		dir = "."
	}

	env := append(os.Environ(), "FILE="+name)
	var stdout, stderr bytes.Buffer
	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(env...)),
		interp.OpenHandler(openHandler),
		interp.StdIO(bytes.NewReader(content), &stdout, &stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize runner")
	}

	err = runner.Run(ctx, prog)
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, eris.Wrapf(err, "command %s failed: %s", command, msg)
		}
		return nil, eris.Wrapf(err, "command %s failed", command)
	}

	return stdout.Bytes(), nil
}

// execStage feeds every selected file through an external command (stdin → stdout). This is the hook for codecs
// without a Go implementation. Options:
//
//	command: shell command (required)
//	only:    extensions to process (default: all)
//	ext:     new extension for the processed files (i.e. ".css")
func execStage(ctx context.Context, in fileset.FileSet, opts pipeline.Options) (fileset.FileSet, error) {
	command := opts.String("command", "")
	if command == "" {
		return fileset.FileSet{}, eris.New("missing option command")
	}

	only, err := opts.Strings("only")
	if err != nil {
		return fileset.FileSet{}, err
	}
	selected := extFilter(only)
	ext := opts.String("ext", "")

	b := in.Edit()
	err = in.Each(func(name string, content []byte) error {
		if !selected(name) {
			return nil
		}

		result, err := runCommand(ctx, command, in.Base(), name, content)
		if err != nil {
			return err
		}

		if ext != "" {
			b.Remove(name)
			name = fileset.ReplaceExt(name, ext)
		}
		b.Put(name, result)
		return nil
	})
	if err != nil {
		return fileset.FileSet{}, err
	}

	return b.Build(), nil
}
