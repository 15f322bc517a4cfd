package pkg

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ulikunitz/xz"
)

func TestPackDist(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"index.html":                   "<h1>Home</h1>",
		"assets/styles/main.css":       "body{color:red}",
		"assets/images/icons/a.svg":    "<svg/>",
		"assets/scripts/vendor/lib.js": "var a=1",
	}
	for name, content := range files {
		dest := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	size, err := DirSize(dir)
	if err != nil {
		t.Fatal(err)
	}

	var lastProgress int64
	archive := filepath.Join(t.TempDir(), "site.tar.xz")
	count, err := PackDist(context.Background(), archive, dir, func(written int64) {
		lastProgress = written
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != len(files) {
		t.Fatalf("packed %d files, expected %d", count, len(files))
	}
	if lastProgress != size {
		t.Fatalf("progress ended at %d, expected %d", lastProgress, size)
	}

	hdl, err := os.Open(archive)
	if err != nil {
		t.Fatal(err)
	}
	defer hdl.Close()

	xzr, err := xz.NewReader(hdl)
	if err != nil {
		t.Fatal(err)
	}

	found := map[string]string{}
	tr := tar.NewReader(xzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if header.Typeflag == tar.TypeDir {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		found[header.Name] = string(content)
	}

	if !reflect.DeepEqual(found, files) {
		t.Fatalf("unexpected archive contents %v", found)
	}
}

func TestPackDistCancelled(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PackDist(ctx, filepath.Join(t.TempDir(), "site.tar.xz"), dir, nil)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "src", "assets", "styles")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "package.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	found, err := FindProjectRoot(nested)
	if err != nil {
		t.Fatal(err)
	}

	expected, err := filepath.Abs(root)
	if err != nil {
		t.Fatal(err)
	}
	if found != expected {
		t.Fatalf("found %s, expected %s", found, expected)
	}
}
