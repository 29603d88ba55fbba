package fsys

import (
	"errors"
	"io"
	iofs "io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// LookupPath resolves a slash-separated path from the root directory to
// an inode address. Ext and UFS names compare exactly; FAT compares case
// insensitively against both the long and the short name; NTFS and
// ISO9660 compare case insensitively, and NTFS accepts a trailing
// ":stream" on any component, which must name an attribute of the file.
// When a name only matches deleted entries the last of them is
// returned. Missing paths wrap io/fs.ErrNotExist.
func LookupPath(fs FileSystem, p string) (uint64, error) {
	info := fs.Info()
	cur := info.RootInum
	parts := strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
	for i, part := range parts {
		stream := ""
		if info.Type == NTFS {
			if j := strings.IndexByte(part, ':'); j >= 0 {
				part, stream = part[:j], part[j+1:]
			}
		}
		var (
			found    bool
			addr     uint64
			meta     *Inode
			notExist bool
		)
		err := fs.DentWalk(cur, DentAlloc|DentUnalloc, func(d *Dent) error {
			if !nameMatches(info.Type, d, part) {
				return nil
			}
			if stream != "" && !hasStream(d.Meta, stream) {
				notExist = true
				return StopWalk
			}
			found, addr, meta = true, d.Inode, d.Meta
			if d.Flags&DentUnalloc != 0 {
				return nil
			}
			return StopWalk
		})
		if err != nil && !found {
			return 0, err
		}
		if notExist || !found {
			return 0, &iofs.PathError{Op: "lookup", Path: path.Join(parts[:i+1]...), Err: iofs.ErrNotExist}
		}
		if i < len(parts)-1 {
			if meta == nil {
				return 0, &iofs.PathError{Op: "lookup", Path: path.Join(parts[:i+1]...), Err: iofs.ErrNotExist}
			}
			if !meta.Mode.IsDir() {
				return 0, &iofs.PathError{Op: "lookup", Path: path.Join(parts[:i+1]...), Err: errNotDir}
			}
		}
		cur = addr
	}
	return cur, nil
}

var errNotDir = errors.New("not a directory")

func nameMatches(t Type, d *Dent, name string) bool {
	switch {
	case t.IsExt() || t.IsFFS():
		return d.Name == name
	case t.IsFAT():
		return strings.EqualFold(d.Name, name) || strings.EqualFold(d.ShortName, name)
	default:
		return strings.EqualFold(d.Name, name)
	}
}

func hasStream(in *Inode, name string) bool {
	if in == nil || in.Attrs == nil {
		return false
	}
	for _, a := range in.Attrs.Attrs() {
		if a.Flags&DataInUse != 0 && strings.EqualFold(a.Name, name) {
			return true
		}
	}
	return false
}

// FileInfo provides extended file information
type FileInfo interface {
	iofs.FileInfo

	// Inode returns the inode address
	Inode() uint64
}

// FS presents the allocated names of a FileSystem as an io/fs file
// system.
type FS struct {
	fs FileSystem
}

// NewFS returns an io/fs view of f.
func NewFS(f FileSystem) *FS {
	return &FS{fs: f}
}

// FileSystem returns the underlying file system.
func (f *FS) FileSystem() FileSystem {
	return f.fs
}

func (f *FS) resolve(op, name string) (*Inode, error) {
	if !iofs.ValidPath(name) {
		return nil, &iofs.PathError{Op: op, Path: name, Err: iofs.ErrInvalid}
	}
	p := name
	if p == "." {
		p = ""
	}
	inum, err := LookupPath(f.fs, p)
	if err != nil {
		var pe *iofs.PathError
		if errors.As(err, &pe) {
			return nil, &iofs.PathError{Op: op, Path: name, Err: pe.Err}
		}
		return nil, &iofs.PathError{Op: op, Path: name, Err: err}
	}
	in, err := f.fs.InodeLookup(inum)
	if err != nil {
		return nil, &iofs.PathError{Op: op, Path: name, Err: err}
	}
	return in, nil
}

// Open implements fs.FS
func (f *FS) Open(name string) (iofs.File, error) {
	in, err := f.resolve("open", name)
	if err != nil {
		return nil, err
	}
	fi := &fileInfo{name: path.Base(name), in: in}
	if in.Mode.IsDir() {
		return &dirFile{fsys: f, info: fi}, nil
	}
	return &file{info: fi, r: NewFileReader(f.fs, in, 0, 0, FileNoID)}, nil
}

// Stat implements fs.StatFS
func (f *FS) Stat(name string) (iofs.FileInfo, error) {
	in, err := f.resolve("stat", name)
	if err != nil {
		return nil, err
	}
	return &fileInfo{name: path.Base(name), in: in}, nil
}

// ReadDir implements fs.ReadDirFS. Entries are sorted by name; dot
// entries and deleted names are left out.
func (f *FS) ReadDir(name string) ([]iofs.DirEntry, error) {
	in, err := f.resolve("readdir", name)
	if err != nil {
		return nil, err
	}
	if !in.Mode.IsDir() {
		return nil, &iofs.PathError{Op: "readdir", Path: name, Err: errNotDir}
	}
	return f.readDir(name, in.Addr)
}

func (f *FS) readDir(name string, inum uint64) ([]iofs.DirEntry, error) {
	var out []iofs.DirEntry
	seen := map[string]bool{}
	err := f.fs.DentWalk(inum, DentAlloc, func(d *Dent) error {
		if d.IsDot() || d.Meta == nil || seen[d.Name] {
			return nil
		}
		seen[d.Name] = true
		out = append(out, iofs.FileInfoToDirEntry(&fileInfo{name: d.Name, in: d.Meta}))
		return nil
	})
	if err != nil {
		return nil, &iofs.PathError{Op: "readdir", Path: name, Err: err}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

type fileInfo struct {
	name string
	in   *Inode
}

func (fi *fileInfo) Name() string        { return fi.name }
func (fi *fileInfo) Size() int64         { return fi.in.Size }
func (fi *fileInfo) Mode() iofs.FileMode { return fi.in.Mode.FileMode() }
func (fi *fileInfo) ModTime() time.Time  { return fi.in.Mtime }
func (fi *fileInfo) IsDir() bool         { return fi.in.Mode.IsDir() }
func (fi *fileInfo) Sys() any            { return fi.in }
func (fi *fileInfo) Inode() uint64       { return fi.in.Addr }

type file struct {
	info *fileInfo
	r    *FileReader
}

func (f *file) Stat() (iofs.FileInfo, error) { return f.info, nil }

func (f *file) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *file) ReadAt(p []byte, off int64) (int, error) { return f.r.ReadAt(p, off) }

func (f *file) Close() error { return nil }

type dirFile struct {
	fsys    *FS
	info    *fileInfo
	entries []iofs.DirEntry
	loaded  bool
}

func (d *dirFile) Stat() (iofs.FileInfo, error) { return d.info, nil }

func (d *dirFile) Read([]byte) (int, error) {
	return 0, &iofs.PathError{Op: "read", Path: d.info.name, Err: errors.New("is a directory")}
}

func (d *dirFile) Close() error { return nil }

// ReadDir implements fs.ReadDirFile
func (d *dirFile) ReadDir(n int) ([]iofs.DirEntry, error) {
	if !d.loaded {
		ents, err := d.fsys.readDir(d.info.name, d.info.in.Addr)
		if err != nil {
			return nil, err
		}
		d.entries, d.loaded = ents, true
	}
	if n <= 0 {
		out := d.entries
		d.entries = nil
		return out, nil
	}
	if len(d.entries) == 0 {
		return nil, io.EOF
	}
	if n > len(d.entries) {
		n = len(d.entries)
	}
	out := d.entries[:n]
	d.entries = d.entries[n:]
	return out, nil
}
