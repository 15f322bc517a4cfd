package pkg

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/ulikunitz/xz"
)

// PackDist writes every file below dir into a new .tar.xz archive. progress (optional) is called with the number
// of bytes packed after each file. Returns the number of packed files.
func PackDist(ctx context.Context, archive, dir string, progress func(written int64)) (int, error) {
	hdl, err := os.Create(archive)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to create %s", archive)
	}

	xzw, err := xz.NewWriter(hdl)
	if err != nil {
		hdl.Close()
		return 0, eris.Wrap(err, "failed to initialize the compressor")
	}

	tw := tar.NewWriter(xzw)
	count := 0
	written := int64(0)

	err = filepath.WalkDir(dir, func(itemPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if itemPath == dir {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return eris.Wrapf(err, "failed to inspect %s", itemPath)
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			// symlinks and other special files have no place in a static site
			return nil
		}

		rel, err := filepath.Rel(dir, itemPath)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return eris.Wrapf(err, "failed to build header for %s", itemPath)
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return eris.Wrapf(err, "failed to pack %s", itemPath)
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(itemPath)
		if err != nil {
			return eris.Wrapf(err, "failed to open file %s", itemPath)
		}
		defer f.Close()

		n, err := io.Copy(tw, f)
		if err != nil {
			return eris.Wrapf(err, "failed to pack file %s", itemPath)
		}

		count++
		written += n
		if progress != nil {
			progress(written)
		}
		return nil
	})
	if err != nil {
		hdl.Close()
		return count, err
	}

	if err := tw.Close(); err != nil {
		hdl.Close()
		return count, eris.Wrap(err, "failed to finish the archive")
	}
	if err := xzw.Close(); err != nil {
		hdl.Close()
		return count, eris.Wrap(err, "failed to finish the archive")
	}
	if err := hdl.Close(); err != nil {
		return count, eris.Wrapf(err, "failed to close %s", archive)
	}

	return count, nil
}

// DirSize returns the combined size of all regular files below dir
func DirSize(dir string) (int64, error) {
	size := int64(0)
	err := filepath.WalkDir(dir, func(itemPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, eris.Wrapf(err, "failed to measure %s", dir)
}
