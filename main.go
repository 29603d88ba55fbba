// rawhide reads file systems out of disk images for forensic analysis:
// data units, inodes and file names including deleted ones, partition
// tables, and files by path.
//
// Usage:
//
//	rawhide [-c config] [-v] <tool> [flags] image... [args]
//
// Defaults for the flags come from an ini file ($RAWHIDE_CONFIG or
// ./rawhide.ini): keys in [default] apply to every tool, keys in a
// section named after the tool to that tool only.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/detect"
	"github.com/lvdlvd/rawhide/fsys"
	"github.com/lvdlvd/rawhide/fsys/part"
	"github.com/lvdlvd/rawhide/img"
	"github.com/lvdlvd/rawhide/xts"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "rawhide: %v\n", err)
		os.Exit(1)
	}
}

type tool struct {
	args  string // positional arguments after the flags
	about string
	run   func(e *env, args []string) error
}

var tools map[string]tool

func init() {
	tools = map[string]tool{
		"fsstat":   {"image...", "describe the file system", runFsstat},
		"istat":    {"image... inode", "describe an inode", runIstat},
		"icat":     {"image... inode[-type[-id]]", "write the content of a file", runIcat},
		"ifind":    {"image...", "find the inode owning a data unit, path or parent", runIfind},
		"ils":      {"image... [start[-end]]", "list inodes", runIls},
		"fls":      {"image... [inode]", "list file names", runFls},
		"dcat":     {"image... addr [count]", "write data units", runDcat},
		"dls":      {"image... [start[-end]]", "write or list unallocated data units", runDls},
		"dstat":    {"image... addr", "describe a data unit", runDstat},
		"mmls":     {"image...", "list a partition table", runMmls},
		"img_stat": {"image...", "describe the image", runImgStat},
		"ls":       {"path image...", "list a directory by path", runLs},
		"cat":      {"path image...", "write a file by path", runCat},
		"stat":     {"path image...", "describe a file by path", runStat},
		"nbd":      {"image...", "serve the image and its volumes read-only over NBD", runNbd},
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: rawhide [-c config] [-v] <tool> [flags] image... [args]\n\ntools:\n")
	names := make([]string, 0, len(tools))
	for n := range tools {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-9s %s\n", n, tools[n].about)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("rawhide", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { usage(stderr) }
	confPath := global.String("c", "", "config file (default $"+configEnv+" or ./"+configFile+")")
	verbose := global.Bool("v", false, "verbose logging")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		usage(stderr)
		return errors.New("missing tool name")
	}
	name := global.Arg(0)
	t, ok := tools[name]
	if !ok {
		usage(stderr)
		return fmt.Errorf("unknown tool: %s", name)
	}

	file, err := loadConfig(configPath(*confPath))
	if err != nil {
		return err
	}
	e := &env{name: name, tool: t, conf: config{file: file, tool: name}, stdout: stdout, stderr: stderr}

	log.SetOutput(stderr)
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	log.SetLevel(log.WarnLevel)
	if *verbose || e.conf.boolean("verbose", false) {
		log.SetLevel(log.DebugLevel)
	}

	defer e.close()
	err = t.run(e, global.Args()[1:])
	if errors.Is(err, errListed) || errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}

// errListed ends a tool that only printed a list of supported types.
var errListed = errors.New("listed")

// env carries what every tool needs: the flags shared by all tools, the
// config and the open image.
type env struct {
	name   string
	tool   tool
	conf   config
	stdout io.Writer
	stderr io.Writer

	fstype  string
	imgtype string
	offset  string
	verbose bool

	xtsKey    string
	xtsSector int
	xtsTweak  int

	closers []io.Closer
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			log.Debugf("%s: close: %v", e.name, err)
		}
	}
	e.closers = nil
}

// flagSet returns the tool's flag set with the image flags registered.
// Each flag also has a long name, which is the config key.
func (e *env) flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(e.name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.Usage = func() {
		fmt.Fprintf(e.stderr, "usage: rawhide %s [flags] %s\n", e.name, e.tool.args)
		fs.PrintDefaults()
	}
	e.stringFlag(fs, &e.imgtype, "i", "imgtype", "", "image type (raw, split; list for the list)")
	e.stringFlag(fs, &e.offset, "o", "offset", "0", "sector offset of the volume in the image (N or N@sectorsize)")
	e.boolFlag(fs, &e.verbose, "v", "verbose", false, "verbose logging")
	e.stringFlag(fs, &e.xtsKey, "k", "xtskey", "", "hex AES-XTS key to decrypt the image with")
	fs.IntVar(&e.xtsSector, "xtssector", e.conf.integer("xtssector", 512), "AES-XTS sector size in bytes")
	fs.IntVar(&e.xtsTweak, "xtstweak", e.conf.integer("xtstweak", 0), "AES-XTS sector number of the image's first sector")
	return fs
}

// fsFlagSet adds the file system type flag to flagSet.
func (e *env) fsFlagSet() *flag.FlagSet {
	fs := e.flagSet()
	e.stringFlag(fs, &e.fstype, "f", "fstype", "", "file system type (auto when empty; list for the list)")
	return fs
}

func (e *env) stringFlag(fs *flag.FlagSet, p *string, short, long, def, help string) {
	def = e.conf.str(long, def)
	fs.StringVar(p, short, def, help)
	fs.StringVar(p, long, def, "same as -"+short)
}

func (e *env) boolFlag(fs *flag.FlagSet, p *bool, short, long string, def bool, help string) {
	def = e.conf.boolean(long, def)
	fs.BoolVar(p, short, def, help)
	fs.BoolVar(p, long, def, "same as -"+short)
}

func (e *env) intFlag(fs *flag.FlagSet, p *int, short, long string, def int, help string) {
	def = e.conf.integer(long, def)
	fs.IntVar(p, short, def, help)
	fs.IntVar(p, long, def, "same as -"+short)
}

func (e *env) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if e.verbose {
		log.SetLevel(log.DebugLevel)
	}
	return nil
}

func (e *env) openImage(paths []string) (*img.Image, error) {
	if e.imgtype == "list" {
		fmt.Fprintf(e.stdout, "Supported image format types:\n")
		fmt.Fprintf(e.stdout, "\traw (Single raw file (dd))\n")
		fmt.Fprintf(e.stdout, "\tsplit (Split raw files)\n")
		return nil, errListed
	}
	if len(paths) == 0 {
		return nil, fsys.Errorf(fsys.ErrArgument, e.name, "missing image name")
	}
	if _, err := img.ParseType(e.imgtype, len(paths)); err != nil {
		return nil, err
	}
	im, err := img.Open(paths...)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, im)
	return im, nil
}

// openSource opens the image and, given a key, its decrypted view.
func (e *env) openSource(paths []string) (fsys.Image, error) {
	im, err := e.openImage(paths)
	if err != nil {
		return nil, err
	}
	if e.xtsKey == "" {
		return im, nil
	}
	key, err := xts.ParseKey(e.xtsKey)
	if err != nil {
		return nil, err
	}
	if e.xtsTweak < 0 {
		return nil, fsys.Errorf(fsys.ErrArgument, e.name, "invalid xts tweak: %d", e.xtsTweak)
	}
	x, err := xts.New(im, key, e.xtsSector, uint64(e.xtsTweak))
	if err != nil {
		return nil, err
	}
	return x, nil
}

func (e *env) openFS(paths []string) (fsys.FileSystem, error) {
	if e.fstype == "list" {
		detect.Supported(e.stdout)
		return nil, errListed
	}
	typ, err := detect.ParseType(e.fstype)
	if err != nil {
		return nil, err
	}
	im, err := e.openSource(paths)
	if err != nil {
		return nil, err
	}
	off, err := parseOffset(e.offset)
	if err != nil {
		return nil, err
	}
	fs, err := detect.Open(im, off, typ)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, fs)
	return fs, nil
}

func (e *env) openVS(paths []string, table string) (*part.VS, error) {
	if table == "list" {
		fmt.Fprintf(e.stdout, "Supported partition types:\n")
		for _, t := range []part.Type{part.DOS, part.GPT} {
			fmt.Fprintf(e.stdout, "\t%s (%s)\n", t, t.Description())
		}
		return nil, errListed
	}
	typ, err := part.ParseType(table)
	if err != nil {
		return nil, err
	}
	im, err := e.openSource(paths)
	if err != nil {
		return nil, err
	}
	off, err := parseOffset(e.offset)
	if err != nil {
		return nil, err
	}
	vs, err := part.Open(im, off, typ)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, vs)
	return vs, nil
}

// parseOffset converts a sector offset, "N" in 512-byte sectors or
// "N@size" in sectors of size bytes, to bytes.
func parseOffset(s string) (int64, error) {
	size := int64(part.SectorSize)
	if n, sz, ok := strings.Cut(s, "@"); ok {
		v, err := strconv.ParseInt(sz, 10, 64)
		if err != nil || v <= 0 {
			return 0, fsys.Errorf(fsys.ErrArgument, "parse_offset", "invalid sector size: %s", s)
		}
		s, size = n, v
	}
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil || v < 0 {
		return 0, fsys.Errorf(fsys.ErrArgument, "parse_offset", "invalid offset: %s", s)
	}
	return v * size, nil
}

// splitTrailing separates up to max trailing arguments accepted by ok
// from the image names in front of them. At least one image name is
// left.
func splitTrailing(args []string, max int, ok func(string) bool) (images, tail []string) {
	n := 0
	for n < max && n < len(args)-1 && ok(args[len(args)-1-n]) {
		n++
	}
	return args[:len(args)-n], args[len(args)-n:]
}

func isNumber(s string) bool {
	_, err := strconv.ParseUint(s, 0, 64)
	return err == nil
}

func parseNumber(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fsys.Errorf(fsys.ErrArgument, "parse_addr", "invalid address: %s", s)
	}
	return v, nil
}

// parseRange accepts "start" and "start-end".
func parseRange(s string) (start, end uint64, err error) {
	a, b, found := strings.Cut(s, "-")
	if start, err = parseNumber(a); err != nil {
		return 0, 0, err
	}
	if !found {
		return start, start, nil
	}
	if end, err = parseNumber(b); err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fsys.Errorf(fsys.ErrArgument, "parse_range", "invalid range: %s", s)
	}
	return start, end, nil
}

func isRange(s string) bool {
	_, _, err := parseRange(s)
	return err == nil
}
