package fsys

import (
	"io"
)

// OffsetWalker is implemented by formats whose file walk can start at a
// byte offset instead of the first block (FAT, where finding the n-th
// cluster means following the chain anyway).
type OffsetWalker interface {
	FileWalkOff(in *Inode, typ uint32, id uint16, off int64, flags FileFlag, fn FileWalkFunc) error
}

// DataWalker is implemented by formats where some attributes have no
// block addresses to read from (NTFS resident data). ReadFile then walks
// the data itself instead of reading addresses.
type DataWalker interface {
	NeedsDataWalk(in *Inode, typ uint32, id uint16, flags FileFlag) (bool, error)
}

// LoadFile reads the whole content of one attribute of a file.
func LoadFile(fs FileSystem, in *Inode, typ uint32, id uint16, flags FileFlag) ([]byte, error) {
	buf := make([]byte, in.Size)
	left := buf
	err := fs.FileWalk(in, typ, id, flags, func(addr uint64, b []byte, _ BlockFlag) error {
		n := copy(left, b)
		left = left[n:]
		if len(left) == 0 {
			return StopWalk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(left) > 0 {
		return nil, Errorf(ErrRead, "load_file", "error reading file %d: %d bytes missing", in.Addr, len(left))
	}
	return buf, nil
}

// readState carries a ReadFile through the walk callbacks.
type readState struct {
	fs   FileSystem
	info *FSInfo
	dst  []byte
	done int
	skip int64 // bytes still to skip before copying starts
}

func (r *readState) data(addr uint64, b []byte, _ BlockFlag) error {
	if r.skip >= int64(len(b)) {
		r.skip -= int64(len(b))
		return nil
	}
	b = b[r.skip:]
	r.skip = 0
	r.done += copy(r.dst[r.done:], b)
	if r.done == len(r.dst) {
		return StopWalk
	}
	return nil
}

func (r *readState) aonly(addr uint64, b []byte, flags BlockFlag) error {
	size := int64(len(b))
	if r.skip >= size {
		r.skip -= size
		return nil
	}
	blkOff := r.skip
	r.skip = 0
	n := size - blkOff
	if left := int64(len(r.dst) - r.done); n > left {
		n = left
	}
	out := r.dst[r.done : r.done+int(n)]
	if flags&BlockSparse != 0 {
		for i := range out {
			out[i] = 0
		}
	} else {
		if addr > r.info.LastBlockAct {
			return Errorf(ErrMissingInPartialImage, "read_file", "address is too large for partial image: %d", addr)
		}
		if _, err := r.info.ReadRandom(out, int64(addr)*int64(r.info.BlockSize)+blkOff); err != nil {
			return err
		}
	}
	r.done += int(n)
	if r.done == len(r.dst) {
		return StopWalk
	}
	return nil
}

// ReadFile reads up to len(buf) bytes of one attribute of a file starting
// at byte offset off and returns the count read. Without FileSlack,
// reading at or past the end of the file returns 0. Unallocated inodes
// are read with FileRecover.
func ReadFile(fs FileSystem, in *Inode, typ uint32, id uint16, off int64, buf []byte, flags FileFlag) (int, error) {
	if flags&FileSlack == 0 {
		if off >= in.Size {
			return 0, nil
		}
		if rest := in.Size - off; int64(len(buf)) > rest {
			buf = buf[:rest]
		}
	}
	if in.Flags&InodeUnalloc != 0 {
		flags |= FileRecover
	}
	info := fs.Info()
	r := &readState{fs: fs, info: info, dst: buf}

	if ow, ok := fs.(OffsetWalker); ok {
		base := off &^ int64(info.BlockSize-1)
		r.skip = off - base
		err := ow.FileWalkOff(in, typ, id, base, flags, r.data)
		return r.done, err
	}

	r.skip = off
	if in.Flags&InodeComp != 0 {
		err := fs.FileWalk(in, typ, id, flags, r.data)
		return r.done, err
	}
	if dw, ok := fs.(DataWalker); ok {
		need, err := dw.NeedsDataWalk(in, typ, id, flags)
		if err != nil {
			return 0, err
		}
		if need {
			err := fs.FileWalk(in, typ, id, flags, r.data)
			return r.done, err
		}
	}
	err := fs.FileWalk(in, typ, id, flags|FileAOnly, r.aonly)
	return r.done, err
}

// FileReader reads one attribute of a file through ReadFile.
type FileReader struct {
	fs    FileSystem
	in    *Inode
	typ   uint32
	id    uint16
	flags FileFlag
	off   int64
}

// NewFileReader returns a reader over one attribute of in.
func NewFileReader(fs FileSystem, in *Inode, typ uint32, id uint16, flags FileFlag) *FileReader {
	return &FileReader{fs: fs, in: in, typ: typ, id: id, flags: flags}
}

// Size returns the logical size of the file
func (f *FileReader) Size() int64 {
	return f.in.Size
}

// ReadAt implements io.ReaderAt
func (f *FileReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, Errorf(ErrArgument, "read_at", "negative offset")
	}
	if off >= f.in.Size {
		return 0, io.EOF
	}
	n, err := ReadFile(f.fs, f.in, f.typ, f.id, off, p, f.flags&^FileSlack)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Read implements io.Reader
func (f *FileReader) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.off)
	f.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}
