package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lvdlvd/rawhide/cmd"
	"github.com/lvdlvd/rawhide/fsys"
	"github.com/lvdlvd/rawhide/fsys/part"
	"github.com/lvdlvd/rawhide/nbd"
)

func usageErr(e *env, format string, args ...any) error {
	return fsys.Errorf(fsys.ErrArgument, e.name, format, args...)
}

func isSet(fl *flag.FlagSet, names ...string) bool {
	set := false
	fl.Visit(func(f *flag.Flag) {
		for _, n := range names {
			if f.Name == n {
				set = true
			}
		}
	})
	return set
}

func runFsstat(e *env, args []string) error {
	fl := e.fsFlagSet()
	var format string
	e.stringFlag(fl, &format, "format", "format", "text", "output format (text, yaml)")
	if err := e.parse(fl, args); err != nil {
		return err
	}
	ft, err := cmd.ParseFormat(format)
	if err != nil {
		return err
	}
	f, err := e.openFS(fl.Args())
	if err != nil {
		return err
	}
	return cmd.FsStat(f, e.stdout, ft)
}

func runIstat(e *env, args []string) error {
	fl := e.fsFlagSet()
	var (
		format    string
		numBlocks int
		skew      int
	)
	e.stringFlag(fl, &format, "format", "format", "text", "output format (text, yaml)")
	e.intFlag(fl, &numBlocks, "b", "blocks", 0, "report at most this many data units")
	e.intFlag(fl, &skew, "s", "skew", 0, "clock skew of the original system in seconds")
	if err := e.parse(fl, args); err != nil {
		return err
	}
	ft, err := cmd.ParseFormat(format)
	if err != nil {
		return err
	}
	images, tail := splitTrailing(fl.Args(), 1, isInodeAddr)
	if len(tail) != 1 {
		return usageErr(e, "missing inode address")
	}
	a, err := cmd.ParseInodeAddr(tail[0])
	if err != nil {
		return err
	}
	if numBlocks < 0 {
		return usageErr(e, "invalid number of blocks: %d", numBlocks)
	}
	f, err := e.openFS(images)
	if err != nil {
		return err
	}
	return cmd.IStat(f, e.stdout, a.Inum, uint64(numBlocks), int32(skew), ft)
}

func isInodeAddr(s string) bool {
	_, err := cmd.ParseInodeAddr(s)
	return err == nil
}

func runIcat(e *env, args []string) error {
	fl := e.fsFlagSet()
	var slack, recov, noSparse bool
	e.boolFlag(fl, &slack, "s", "slack", false, "include the slack space after the end of the file")
	e.boolFlag(fl, &recov, "r", "recover", false, "recover a deleted file")
	e.boolFlag(fl, &noSparse, "h", "nosparse", false, "skip sparse holes")
	if err := e.parse(fl, args); err != nil {
		return err
	}
	images, tail := splitTrailing(fl.Args(), 1, isInodeAddr)
	if len(tail) != 1 {
		return usageErr(e, "missing inode address")
	}
	a, err := cmd.ParseInodeAddr(tail[0])
	if err != nil {
		return err
	}
	flags := a.FileFlags()
	if slack {
		flags |= fsys.FileSlack
	}
	if recov {
		flags |= fsys.FileRecover
	}
	if noSparse {
		flags |= fsys.FileNoSparse
	}
	f, err := e.openFS(images)
	if err != nil {
		return err
	}
	return cmd.Icat(f, e.stdout, a.Inum, a.Type, a.ID, flags)
}

func runIfind(e *env, args []string) error {
	fl := e.fsFlagSet()
	var block, path, parent string
	var all, long bool
	fl.StringVar(&block, "d", "", "find the inode that owns this data unit")
	fl.StringVar(&path, "n", "", "find the inode of this path")
	fl.StringVar(&parent, "p", "", "list the unallocated names whose parent is this inode")
	e.boolFlag(fl, &all, "a", "all", false, "report every owner of the data unit")
	e.boolFlag(fl, &long, "l", "long", false, "long listing with -p")
	if err := e.parse(fl, args); err != nil {
		return err
	}
	n := 0
	for _, s := range []string{block, path, parent} {
		if s != "" {
			n++
		}
	}
	if n != 1 {
		return usageErr(e, "exactly one of -d, -n and -p is required")
	}

	var (
		addr uint64
		err  error
	)
	switch {
	case block != "":
		addr, err = parseNumber(block)
	case parent != "":
		var a cmd.InodeAddr
		a, err = cmd.ParseInodeAddr(parent)
		addr = a.Inum
	}
	if err != nil {
		return err
	}
	f, err := e.openFS(fl.Args())
	if err != nil {
		return err
	}
	switch {
	case block != "":
		_, err = cmd.IfindBlock(f, e.stdout, addr, all)
	case path != "":
		_, err = cmd.IfindPath(f, e.stdout, path)
	default:
		err = cmd.IfindParent(f, e.stdout, addr, long)
	}
	return err
}

func runIls(e *env, args []string) error {
	fl := e.fsFlagSet()
	var (
		every, alloc, unalloc, removed bool
		orphan, used, unused           bool
		opts                           cmd.IlsOptions
		skew                           int
	)
	fl.BoolVar(&every, "e", false, "list every inode")
	fl.BoolVar(&alloc, "a", false, "list allocated inodes")
	fl.BoolVar(&unalloc, "A", false, "list unallocated inodes")
	fl.BoolVar(&removed, "r", false, "list removed inodes (the default)")
	fl.BoolVar(&orphan, "p", false, "list orphan inodes")
	fl.BoolVar(&used, "Z", false, "list inodes that have been used")
	fl.BoolVar(&unused, "z", false, "list inodes that were never used")
	fl.BoolVar(&opts.Link, "l", false, "only inodes with links")
	fl.BoolVar(&opts.Unlink, "L", false, "only inodes without links")
	fl.BoolVar(&opts.Open, "O", false, "removed inodes that are still linked (open files)")
	e.boolFlag(fl, &opts.Mactime, "m", "mactime", false, "body file output for mactime")
	e.intFlag(fl, &skew, "s", "skew", 0, "clock skew of the original system in seconds")
	if err := e.parse(fl, args); err != nil {
		return err
	}
	opts.Skew = int32(skew)

	var flags fsys.InodeFlag
	switch {
	case every:
		flags = fsys.InodeAlloc | fsys.InodeUnalloc
	case alloc || unalloc:
		if alloc {
			flags |= fsys.InodeAlloc
		}
		if unalloc {
			flags |= fsys.InodeUnalloc
		}
	default:
		flags = fsys.InodeUnalloc
	}
	if removed {
		flags |= fsys.InodeUnalloc | fsys.InodeUsed
	}
	if used {
		flags |= fsys.InodeUsed
	}
	if unused {
		flags |= fsys.InodeUnused
	}
	if orphan {
		flags |= fsys.InodeOrphan
	}

	images, tail := splitTrailing(fl.Args(), 1, isRange)
	f, err := e.openFS(images)
	if err != nil {
		return err
	}
	info := f.Info()
	start, end := info.FirstInum, info.LastInum
	if len(tail) == 1 {
		if start, end, err = parseRange(tail[0]); err != nil {
			return err
		}
	}
	if len(images) > 0 {
		opts.Image = images[0]
	}
	return cmd.Ils(f, e.stdout, start, end, flags, opts)
}

func runFls(e *env, args []string) error {
	fl := e.fsFlagSet()
	var (
		opts              cmd.FlsOptions
		deleted, undelete bool
		recurse           bool
		skew              int
	)
	fl.BoolVar(&opts.Dot, "a", false, "include the . and .. entries")
	fl.BoolVar(&deleted, "d", false, "only deleted entries")
	fl.BoolVar(&undelete, "u", false, "only undeleted entries")
	fl.BoolVar(&opts.DirsOnly, "D", false, "only directories")
	fl.BoolVar(&opts.FilesOnly, "F", false, "only files")
	e.boolFlag(fl, &opts.Long, "l", "long", false, "long listing with times and sizes")
	fl.StringVar(&opts.Prefix, "m", "", "body file output for mactime, with this mount point as prefix")
	e.boolFlag(fl, &opts.FullPath, "p", "fullpath", false, "print full paths")
	e.boolFlag(fl, &recurse, "r", "recurse", false, "descend into directories")
	e.intFlag(fl, &skew, "s", "skew", 0, "clock skew of the original system in seconds")
	if err := e.parse(fl, args); err != nil {
		return err
	}
	opts.Mactime = isSet(fl, "m")
	opts.Skew = int32(skew)

	var flags fsys.DentFlag
	if deleted {
		flags |= fsys.DentUnalloc
	}
	if undelete {
		flags |= fsys.DentAlloc
	}
	if recurse {
		flags |= fsys.DentRecurse
	}

	images, tail := splitTrailing(fl.Args(), 1, isInodeAddr)
	f, err := e.openFS(images)
	if err != nil {
		return err
	}
	inum := f.Info().RootInum
	if len(tail) == 1 {
		a, err := cmd.ParseInodeAddr(tail[0])
		if err != nil {
			return err
		}
		inum = a.Inum
	}
	return cmd.Fls(f, e.stdout, inum, flags, opts)
}

func runDcat(e *env, args []string) error {
	fl := e.fsFlagSet()
	var hex, ascii bool
	var opts cmd.DcatOptions
	fl.BoolVar(&hex, "h", false, "hexdump the content")
	fl.BoolVar(&ascii, "a", false, "print the content as ASCII")
	fl.BoolVar(&opts.HTML, "w", false, "wrap the output in HTML")
	fl.BoolVar(&opts.Stat, "s", false, "print the size of an addressable unit and exit")
	if err := e.parse(fl, args); err != nil {
		return err
	}
	switch {
	case hex && ascii:
		return usageErr(e, "-a and -h cannot be used together")
	case hex:
		opts.Format = cmd.DcatHex
	case ascii:
		opts.Format = cmd.DcatASCII
	}

	images, tail := splitTrailing(fl.Args(), 2, isNumber)
	if opts.Stat {
		images = fl.Args()
	} else if len(tail) == 0 {
		return usageErr(e, "missing data unit address")
	}
	addr, count := uint64(0), uint64(1)
	var err error
	if !opts.Stat {
		if addr, err = parseNumber(tail[0]); err != nil {
			return err
		}
		if len(tail) == 2 {
			if count, err = parseNumber(tail[1]); err != nil {
				return err
			}
		}
	}
	f, err := e.openFS(images)
	if err != nil {
		return err
	}
	return cmd.Dcat(f, e.stdout, addr, count, opts)
}

func runDls(e *env, args []string) error {
	fl := e.fsFlagSet()
	var every, alloc, unalloc bool
	var opts cmd.DlsOptions
	fl.BoolVar(&every, "e", false, "every data unit")
	fl.BoolVar(&alloc, "a", false, "allocated data units")
	fl.BoolVar(&unalloc, "A", false, "unallocated data units (the default)")
	fl.BoolVar(&opts.List, "l", false, "list addresses instead of writing content")
	fl.BoolVar(&opts.Slack, "s", false, "write the slack space of allocated files")
	if err := e.parse(fl, args); err != nil {
		return err
	}
	var flags fsys.BlockFlag
	if every || alloc {
		flags |= fsys.BlockAlloc
	}
	if every || unalloc || !alloc {
		flags |= fsys.BlockUnalloc
	}

	images, tail := splitTrailing(fl.Args(), 1, isRange)
	f, err := e.openFS(images)
	if err != nil {
		return err
	}
	info := f.Info()
	start, end := info.FirstBlock, info.LastBlock
	if len(tail) == 1 {
		if start, end, err = parseRange(tail[0]); err != nil {
			return err
		}
	}
	return cmd.Dls(f, e.stdout, start, end, flags, opts)
}

func runDstat(e *env, args []string) error {
	fl := e.fsFlagSet()
	if err := e.parse(fl, args); err != nil {
		return err
	}
	images, tail := splitTrailing(fl.Args(), 1, isNumber)
	if len(tail) != 1 {
		return usageErr(e, "missing data unit address")
	}
	addr, err := parseNumber(tail[0])
	if err != nil {
		return err
	}
	f, err := e.openFS(images)
	if err != nil {
		return err
	}
	return cmd.Dstat(f, e.stdout, addr)
}

func runMmls(e *env, args []string) error {
	fl := e.flagSet()
	var table string
	var opts cmd.MmlsOptions
	var volumes, unalloc, meta bool
	e.stringFlag(fl, &table, "t", "table", "", "partition table type (dos, gpt; list for the list)")
	e.boolFlag(fl, &opts.Bytes, "B", "bytes", false, "add a column with the rounded size")
	e.boolFlag(fl, &opts.Recurse, "r", "recurse", false, "list the tables found inside DOS partitions")
	fl.BoolVar(&volumes, "a", false, "show allocated volumes")
	fl.BoolVar(&unalloc, "A", false, "show unallocated space")
	fl.BoolVar(&meta, "m", false, "show partition tables")
	if err := e.parse(fl, args); err != nil {
		return err
	}
	if volumes {
		opts.Kinds |= part.KindVolume
	}
	if unalloc {
		opts.Kinds |= part.KindUnalloc
	}
	if meta {
		opts.Kinds |= part.KindMeta
	}
	vs, err := e.openVS(fl.Args(), table)
	if err != nil {
		return err
	}
	return cmd.Mmls(vs, e.stdout, opts)
}

func runImgStat(e *env, args []string) error {
	fl := e.flagSet()
	if err := e.parse(fl, args); err != nil {
		return err
	}
	im, err := e.openImage(fl.Args())
	if err != nil {
		return err
	}
	return im.Stat(e.stdout)
}

// pathFlagSet is the flag set of the tools that take a path: -t selects
// the partition table view, in which each volume is a file.
func (e *env) pathFlagSet(table *string) *flag.FlagSet {
	fl := e.fsFlagSet()
	e.stringFlag(fl, table, "t", "table", "", "list the volumes of this partition table type (auto, dos, gpt) instead of a file system")
	return fl
}

// openRoot splits the path from the image names and opens the view the
// path is resolved in.
func (e *env) openRoot(args []string, table string) (string, fs.FS, error) {
	if len(args) < 2 {
		return "", nil, usageErr(e, "need a path and an image")
	}
	name, images := args[0], args[1:]
	if table != "" {
		vs, err := e.openVS(images, table)
		if err != nil {
			return "", nil, err
		}
		return name, part.NewFS(vs), nil
	}
	f, err := e.openFS(images)
	if err != nil {
		return "", nil, err
	}
	return name, fsys.NewFS(f), nil
}

func runLs(e *env, args []string) error {
	var table string
	var opts cmd.LsOptions
	fl := e.pathFlagSet(&table)
	e.boolFlag(fl, &opts.Long, "l", "long", false, "long listing")
	e.boolFlag(fl, &opts.All, "a", "all", false, "include $ metadata files")
	if err := e.parse(fl, args); err != nil {
		return err
	}
	name, root, err := e.openRoot(fl.Args(), table)
	if err != nil {
		return err
	}
	return cmd.Ls(root, name, e.stdout, opts)
}

func runCat(e *env, args []string) error {
	var table string
	fl := e.pathFlagSet(&table)
	if err := e.parse(fl, args); err != nil {
		return err
	}
	name, root, err := e.openRoot(fl.Args(), table)
	if err != nil {
		return err
	}
	return cmd.Cat(root, name, e.stdout)
}

func runStat(e *env, args []string) error {
	var table string
	fl := e.pathFlagSet(&table)
	if err := e.parse(fl, args); err != nil {
		return err
	}
	name, root, err := e.openRoot(fl.Args(), table)
	if err != nil {
		return err
	}
	return cmd.Stat(root, name, e.stdout)
}

func runNbd(e *env, args []string) error {
	fl := e.flagSet()
	var table, socket string
	e.stringFlag(fl, &table, "t", "table", "", "also export each volume of this partition table type (auto, dos, gpt)")
	e.stringFlag(fl, &socket, "socket", "socket", "rawhide.sock", "unix socket to listen on")
	if err := e.parse(fl, args); err != nil {
		return err
	}
	src, err := e.openSource(fl.Args())
	if err != nil {
		return err
	}
	off, err := parseOffset(e.offset)
	if err != nil {
		return err
	}
	if off >= src.Size() {
		return usageErr(e, "offset %d is past the end of the image", off)
	}

	s := nbd.NewServer()
	if err := s.AddExport(&nbd.Export{Name: "image", Image: fsys.NewImage(io.NewSectionReader(src, off, src.Size()-off), src.Size()-off)}); err != nil {
		return err
	}
	if table != "" {
		typ, err := part.ParseType(table)
		if err != nil {
			return err
		}
		vs, err := part.Open(src, off, typ)
		if err != nil {
			return err
		}
		defer vs.Close()
		for i, p := range vs.Volumes() {
			if err := s.AddExport(&nbd.Export{Name: fmt.Sprintf("p%d", i), Image: vs.Image(p)}); err != nil {
				return err
			}
		}
	}
	fmt.Fprintf(e.stdout, "exports: %s\n", strings.Join(s.Exports(), " "))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return s.ListenUnix(socket)
}
