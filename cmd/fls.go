package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/lvdlvd/rawhide/fsys"
	"github.com/lvdlvd/rawhide/fsys/ntfs"
)

// FlsOptions controls Fls.
type FlsOptions struct {
	Long      bool   // tab separated times, size and owner
	Mactime   bool   // body file format for mactime
	FullPath  bool   // print the path from the listed directory
	Dot       bool   // include "." and ".."
	DirsOnly  bool   // only directories
	FilesOnly bool   // only non-directories
	Prefix    string // mount point prepended to body file names
	Skew      int32  // clock correction in seconds
}

// Fls lists the names in directory inum that match flags. With
// DentRecurse the subdirectories are listed too, each level marked by a
// '+' unless full paths are printed.
func Fls(fs fsys.FileSystem, w io.Writer, inum uint64, flags fsys.DentFlag, opts FlsOptions) error {
	flags = flags.Norm()
	if opts.Mactime {
		opts.FullPath = true
		if opts.Prefix != "" && !strings.HasSuffix(opts.Prefix, "/") {
			opts.Prefix += "/"
		}
	}
	if flags&fsys.DentRecurse != 0 && (flags&fsys.DentAlloc == 0 || opts.FilesOnly && !opts.DirsOnly) {
		opts.FullPath = true
	}

	p := &dentPrinter{fs: fs, info: fs.Info(), w: bufio.NewWriter(w), opts: opts}
	err := fs.DentWalk(inum, flags, p.dent)
	if ferr := p.w.Flush(); err == nil {
		err = ferr
	}
	return err
}

type dentPrinter struct {
	fs   fsys.FileSystem
	info *fsys.FSInfo
	w    *bufio.Writer
	opts FlsOptions
}

func (p *dentPrinter) selected(d *fsys.Dent) bool {
	dirs, files := p.opts.DirsOnly, p.opts.FilesOnly
	if !dirs && !files {
		dirs, files = true, true
	}
	isDir := d.Meta != nil && d.Meta.Mode.IsDir()
	return dirs && isDir || files && !isDir
}

func (p *dentPrinter) dent(d *fsys.Dent) error {
	if !p.selected(d) {
		return nil
	}
	skipDot := d.IsDot() && !p.opts.Dot
	if p.info.Type != fsys.NTFS || d.Meta == nil || d.Meta.Attrs == nil {
		if !skipDot {
			p.print(d, nil)
		}
		return nil
	}

	// NTFS: one line per data stream and per directory index
	printed := false
	for _, a := range d.Meta.Attrs.Attrs() {
		if a.Flags&fsys.DataInUse == 0 {
			continue
		}
		switch a.Type {
		case ntfs.AttrData:
			printed = true
			if !d.Meta.Mode.IsDir() {
				p.print(d, a)
				continue
			}
			if skipDot {
				continue
			}
			// a stream of a directory is listed as a file
			dd, in := *d, *d.Meta
			in.Mode = in.Mode&^fsys.ModeFmt | fsys.ModeReg
			dd.Meta, dd.Type = &in, fsys.DentReg
			p.print(&dd, a)
		case ntfs.AttrIndexRoot:
			printed = true
			if !skipDot {
				p.print(d, a)
			}
		}
	}
	if !printed {
		p.print(d, nil)
	}
	return nil
}

func (p *dentPrinter) print(d *fsys.Dent, a *fsys.Data) {
	if !p.opts.FullPath {
		if d.Depth > 0 {
			p.w.WriteString(strings.Repeat("+", d.Depth) + " ")
		}
	}
	switch {
	case p.opts.Mactime:
		printDentMac(p.w, d, p.info, a, p.opts.Prefix, p.opts.Skew)
	case p.opts.Long:
		printDentLong(p.w, d, p.info, a, p.opts.FullPath, p.opts.Skew)
	default:
		printDent(p.w, d, a, p.opts.FullPath)
		p.w.WriteByte('\n')
	}
}

// streamSuffix names a non-default NTFS stream or index.
func streamSuffix(a *fsys.Data) string {
	if a == nil {
		return ""
	}
	if a.Type == ntfs.AttrData && a.Name != fsys.DefaultDataName ||
		a.Type == ntfs.AttrIndexRoot && a.Name != ntfs.IndexName {
		return ":" + a.Name
	}
	return ""
}

// printDent writes the short form of an entry without a line break:
// entry type/inode type, a '*' for deleted names, the address and the
// name.
func printDent(w io.Writer, d *fsys.Dent, a *fsys.Data, withPath bool) {
	inoType := "-"
	if d.Meta != nil {
		inoType = d.Meta.Mode.DentType().String()
	}
	fmt.Fprintf(w, "%s/%s ", d.Type, inoType)
	if d.Flags&fsys.DentUnalloc != 0 {
		fmt.Fprintf(w, "* ")
	}
	fmt.Fprintf(w, "%d", d.Inode)
	if a != nil {
		fmt.Fprintf(w, "-%d-%d", a.Type, a.ID)
	}
	realloc := ""
	if d.Meta != nil && d.Meta.IsAlloc() && d.Flags&fsys.DentUnalloc != 0 {
		realloc = "(realloc)"
	}
	fmt.Fprintf(w, "%s:\t", realloc)
	if withPath {
		fmt.Fprintf(w, "%s", fsys.Clean(d.Path))
	}
	fmt.Fprintf(w, "%s%s", fsys.Clean(d.Name), streamSuffix(a))
}

// printDentLong adds the modification, access and change times, the
// size and the owner to printDent.
func printDentLong(w io.Writer, d *fsys.Dent, info *fsys.FSInfo, a *fsys.Data, withPath bool, skew int32) {
	printDent(w, d, a, withPath)
	in := d.Meta
	if in == nil {
		zero := formatTime(fsys.UnixTime(0))
		fmt.Fprintf(w, "\t%s\t%s\t%s\t0\t0\t0\n", zero, zero, zero)
		return
	}
	atime := formatTime(skewed(in.Atime, skew))
	if info.Type.IsFAT() {
		atime = formatDay(skewed(in.Atime, skew))
	}
	size := in.Size
	if a != nil {
		size = a.Size
	}
	fmt.Fprintf(w, "\t%s\t%s\t%s\t%d\t%d\t%d\n",
		formatTime(skewed(in.Mtime, skew)), atime, formatTime(skewed(in.Ctime, skew)),
		size, in.GID, in.UID)
}

// typeChar is the ls type letter, '-' for regular files.
func typeChar(t fsys.DentType) string {
	if t == fsys.DentReg {
		return "-"
	}
	return t.String()
}

// printDentMac writes one body file line:
// md5|name|dev|inode|mode|ls|nlink|uid|gid|rdev|size|atime|mtime|ctime|blksize|blocks
func printDentMac(w io.Writer, d *fsys.Dent, info *fsys.FSInfo, a *fsys.Data, prefix string, skew int32) {
	in := d.Meta
	fmt.Fprintf(w, "0|%s%s%s%s", prefix, fsys.Clean(d.Path), fsys.Clean(d.Name), streamSuffix(a))
	if in != nil && in.Mode.Type() == fsys.ModeLnk && in.Link != "" {
		fmt.Fprintf(w, " -> %s", in.Link)
	}
	if d.Flags&fsys.DentUnalloc != 0 {
		realloc := ""
		if in != nil && in.IsAlloc() {
			realloc = "-realloc"
		}
		fmt.Fprintf(w, " (deleted%s)", realloc)
	}
	fmt.Fprintf(w, "|0|%d", d.Inode)
	if a != nil {
		fmt.Fprintf(w, "-%d-%d", a.Type, a.ID)
	}
	var mode fsys.Mode
	if in != nil {
		mode = in.Mode
	}
	fmt.Fprintf(w, "|%d|%s/", mode, typeChar(d.Type))
	if in == nil {
		fmt.Fprintf(w, "----------|0|0|0|0|0|0|0|0|")
	} else {
		size := in.Size
		if a != nil {
			size = a.Size
		}
		fmt.Fprintf(w, "%s|%d|%d|%d|0|%d|%d|%d|%d|", in.Mode, in.Nlink, in.UID, in.GID, size,
			seconds(in.Atime, skew), seconds(in.Mtime, skew), seconds(in.Ctime, skew))
	}
	fmt.Fprintf(w, "%d|0\n", info.BlockSize)
}
