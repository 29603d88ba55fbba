package cmd

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/lvdlvd/rawhide/fsys"
)

// LsOptions controls Ls.
type LsOptions struct {
	Long bool // inode, mode, size and time per name
	All  bool // include NTFS system files ($MFT, ...)
}

// Ls lists a directory of an io/fs view (fsys.NewFS or part.NewFS), or
// describes a single file.
func Ls(root fs.FS, name string, out io.Writer, opts LsOptions) error {
	name = normalizePath(name)
	info, err := fs.Stat(root, name)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		printEntry(info, out, opts.Long)
		return nil
	}

	entries, err := fs.ReadDir(root, name)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !opts.All && strings.HasPrefix(e.Name(), "$") {
			continue
		}
		if !opts.Long {
			n := fsys.Clean(e.Name())
			if e.IsDir() {
				n += "/"
			}
			fmt.Fprintln(out, n)
			continue
		}
		info, err := e.Info()
		if err != nil {
			fmt.Fprintf(out, "%-10s %12s %s %s\n", "??????????", "?", "????????????", fsys.Clean(e.Name()))
			continue
		}
		printEntry(info, out, true)
	}
	return nil
}

// normalizePath turns a user path ("/a/b/", "") into an io/fs name.
func normalizePath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

func printEntry(info fs.FileInfo, out io.Writer, long bool) {
	if !long {
		fmt.Fprintln(out, fsys.Clean(info.Name()))
		return
	}
	inode := ""
	if fi, ok := info.(fsys.FileInfo); ok {
		inode = fmt.Sprintf("%8d ", fi.Inode())
	}
	fmt.Fprintf(out, "%s%s %12d %s %s\n", inode, info.Mode(), info.Size(),
		info.ModTime().UTC().Format("Jan _2 2006 15:04"), fsys.Clean(info.Name()))
}
