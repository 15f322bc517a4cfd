package stages

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/BWLKyh/gulp-cli-automation/pkg/fileset"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pipeline"
)

var (
	buildBlockPattern = regexp.MustCompile(`(?s)<!--\s*build:(\w+)(?:\s+(\S+))?\s*-->(.*?)<!--\s*endbuild\s*-->`)
	assetRefPattern   = regexp.MustCompile(`(?i)(?:href|src)\s*=\s*["']([^"']+)["']`)
)

// userefStage resolves build blocks in HTML pages:
//
//	<!-- build:css assets/styles/vendor.css -->
//	<link rel="stylesheet" href="/node_modules/bootstrap/dist/css/bootstrap.css">
//	<!-- endbuild -->
//
// The referenced files are concatenated into the named bundle, which is added to the set, and the block is
// replaced by a single tag pointing to it. "remove" blocks are dropped. Options:
//
//	searchPath: directories searched for referenced files (first match wins); the input set is searched first
func userefStage(ctx context.Context, in fileset.FileSet, opts pipeline.Options) (fileset.FileSet, error) {
	searchPath, err := opts.Strings("searchPath")
	if err != nil {
		return fileset.FileSet{}, err
	}

	b := in.Edit()
	bundles := map[string][]byte{}
	isPage := extFilter([]string{".html", ".htm"})

	err = in.Each(func(name string, content []byte) error {
		if !isPage(name) {
			return nil
		}

		var blockErr error
		result := buildBlockPattern.ReplaceAllFunc(content, func(block []byte) []byte {
			if blockErr != nil {
				return block
			}

			parts := buildBlockPattern.FindSubmatch(block)
			kind, target, body := string(parts[1]), string(parts[2]), parts[3]

			if kind == "remove" {
				return nil
			}
			if kind != "css" && kind != "js" {
				blockErr = eris.Errorf("%s: unsupported build block type %s", name, kind)
				return block
			}
			if target == "" {
				blockErr = eris.Errorf("%s: build:%s block without a target", name, kind)
				return block
			}

			bundle, err := concatRefs(in, searchPath, body)
			if err != nil {
				blockErr = eris.Wrapf(err, "%s: failed to build %s", name, target)
				return block
			}

			bundleName := fileset.Clean(target)
			if prev, ok := bundles[bundleName]; ok && !bytes.Equal(prev, bundle) {
				blockErr = eris.Errorf("%s: bundle %s is built from different files on different pages", name, target)
				return block
			}
			bundles[bundleName] = bundle

			if kind == "css" {
				return []byte(fmt.Sprintf(`<link rel="stylesheet" href="%s">`, target))
			}
			return []byte(fmt.Sprintf(`<script src="%s"></script>`, target))
		})
		if blockErr != nil {
			return blockErr
		}

		b.Put(name, result)
		return nil
	})
	if err != nil {
		return fileset.FileSet{}, err
	}

	for name, content := range bundles {
		b.Put(name, content)
	}
	return b.Build(), nil
}

func concatRefs(in fileset.FileSet, searchPath []string, body []byte) ([]byte, error) {
	var out bytes.Buffer
	for _, match := range assetRefPattern.FindAllSubmatch(body, -1) {
		ref := string(match[1])
		if strings.Contains(ref, "://") || strings.HasPrefix(ref, "//") {
			return nil, eris.Errorf("remote asset %s can't be bundled", ref)
		}

		content, err := findRef(in, searchPath, ref)
		if err != nil {
			return nil, err
		}

		out.Write(content)
		if len(content) > 0 && content[len(content)-1] != '\n' {
			out.WriteByte('\n')
		}
	}
	return out.Bytes(), nil
}

func findRef(in fileset.FileSet, searchPath []string, ref string) ([]byte, error) {
	if idx := strings.IndexAny(ref, "?#"); idx > -1 {
		ref = ref[:idx]
	}
	ref = fileset.Clean(ref)

	if content, ok := in.Read(ref); ok {
		return content, nil
	}

	for _, dir := range searchPath {
		content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(ref)))
		if err == nil {
			return content, nil
		}
		if !eris.Is(err, os.ErrNotExist) {
			return nil, eris.Wrapf(err, "failed to read %s", path.Join(dir, ref))
		}
	}

	return nil, eris.Errorf("asset %s not found (searched %v)", ref, searchPath)
}
