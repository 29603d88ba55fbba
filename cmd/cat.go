package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

// Cat copies a file of an io/fs view to out. Files of an fsys.FS whose
// blocks map plainly onto the image are streamed straight from the image
// without going through a file walk.
func Cat(root fs.FS, name string, out io.Writer) error {
	name = normalizePath(name)
	info, err := fs.Stat(root, name)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return &fs.PathError{Op: "cat", Path: name, Err: errors.New("is a directory")}
	}

	if v, ok := root.(*fsys.FS); ok {
		if in, ok := info.Sys().(*fsys.Inode); ok {
			fsi := v.FileSystem()
			extents, err := fsys.FileExtents(fsi, in, 0, 0)
			if err == nil {
				r := fsys.NewExtentReaderAt(fsi.Info().Img, extents, in.Size)
				return copyReaderAt(r, in.Size, out)
			}
			log.Debugf("cat: %s: no extent map: %v", name, err)
		}
	}

	f, err := root.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(out, f); err != nil {
		return fmt.Errorf("cat: %s: %w", name, err)
	}
	return nil
}

// copyReaderAt copies the first size bytes of r to out.
func copyReaderAt(r io.ReaderAt, size int64, out io.Writer) error {
	_, err := io.Copy(out, io.NewSectionReader(r, 0, size))
	return err
}

// Stat describes one file of an io/fs view.
func Stat(root fs.FS, name string, out io.Writer) error {
	info, err := fs.Stat(root, normalizePath(name))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "   File: %s\n", fsys.Clean(info.Name()))
	fmt.Fprintf(out, "   Size: %d\n", info.Size())
	fmt.Fprintf(out, "   Mode: %s\n", info.Mode())
	fmt.Fprintf(out, "ModTime: %s\n", formatTime(info.ModTime()))
	if fi, ok := info.(fsys.FileInfo); ok {
		fmt.Fprintf(out, "  Inode: %d\n", fi.Inode())
	}
	return nil
}
