package part

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"
)

// FS presents the volumes of a partition table as the files p0, p1, ...
// of a flat directory, so that partitions can be listed and copied out
// with the same tools as files.
type FS struct {
	vs *VS
}

// NewFS returns the io/fs view of vs.
func NewFS(vs *VS) *FS {
	return &FS{vs: vs}
}

// VolumeName returns the file name of the i-th volume.
func VolumeName(i int) string {
	return fmt.Sprintf("p%d", i)
}

func (f *FS) find(name string) (*Partition, string, bool) {
	for i, p := range f.vs.Volumes() {
		if n := VolumeName(i); n == name {
			return p, n, true
		}
	}
	return nil, "", false
}

// Open implements fs.FS
func (f *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return &rootDir{fsys: f}, nil
	}
	p, n, ok := f.find(name)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	img := f.vs.Image(p)
	return &volumeFile{info: &volumeInfo{name: n, part: p}, r: io.NewSectionReader(img, 0, img.Size())}, nil
}

// ReadDir implements fs.ReadDirFS
func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	if name != "." {
		if _, _, ok := f.find(name); !ok {
			return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
		}
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: errors.New("not a directory")}
	}
	return f.entries(), nil
}

func (f *FS) entries() []fs.DirEntry {
	vols := f.vs.Volumes()
	out := make([]fs.DirEntry, 0, len(vols))
	for i, p := range vols {
		out = append(out, fs.FileInfoToDirEntry(&volumeInfo{name: VolumeName(i), part: p}))
	}
	return out
}

// Stat implements fs.StatFS
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return rootInfo{}, nil
	}
	p, n, ok := f.find(name)
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return &volumeInfo{name: n, part: p}, nil
}

type rootDir struct {
	fsys    *FS
	entries []fs.DirEntry
	loaded  bool
}

func (d *rootDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: ".", Err: errors.New("is a directory")}
}

func (d *rootDir) Close() error { return nil }

func (d *rootDir) Stat() (fs.FileInfo, error) { return rootInfo{}, nil }

// ReadDir implements fs.ReadDirFile
func (d *rootDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if !d.loaded {
		d.entries, d.loaded = d.fsys.entries(), true
	}
	if n <= 0 {
		out := d.entries
		d.entries = nil
		return out, nil
	}
	if len(d.entries) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(d.entries))
	out := d.entries[:n]
	d.entries = d.entries[n:]
	return out, nil
}

type rootInfo struct{}

func (rootInfo) Name() string       { return "." }
func (rootInfo) Size() int64        { return 0 }
func (rootInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o555 }
func (rootInfo) ModTime() time.Time { return time.Time{} }
func (rootInfo) IsDir() bool        { return true }
func (rootInfo) Sys() any           { return nil }

type volumeInfo struct {
	name string
	part *Partition
}

func (i *volumeInfo) Name() string       { return i.name }
func (i *volumeInfo) Size() int64        { return i.part.SizeBytes() }
func (i *volumeInfo) Mode() fs.FileMode  { return 0o444 }
func (i *volumeInfo) ModTime() time.Time { return time.Time{} }
func (i *volumeInfo) IsDir() bool        { return false }
func (i *volumeInfo) Sys() any           { return i.part }
func (i *volumeInfo) Inode() uint64      { return uint64(i.part.Index) }

type volumeFile struct {
	info *volumeInfo
	r    *io.SectionReader
}

func (f *volumeFile) Stat() (fs.FileInfo, error) { return f.info, nil }

func (f *volumeFile) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *volumeFile) ReadAt(p []byte, off int64) (int, error) { return f.r.ReadAt(p, off) }

func (f *volumeFile) Close() error { return nil }
