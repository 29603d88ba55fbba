package ext

import (
	"encoding/binary"
	"fmt"

	"github.com/lvdlvd/rawhide/fsys"
)

// FileWalk visits the blocks of a file: the twelve direct pointers and
// then the single, double and triple indirect trees. A zero pointer is a
// sparse hole. typ and id are ignored.
func (f *FS) FileWalk(in *fsys.Inode, typ uint32, id uint16, flags fsys.FileFlag, fn fsys.FileWalkFunc) error {
	w := &fileWalker{f: f, flags: flags, fn: fn, size: in.Size, buf: make([]byte, f.BlockSize)}

	// Roundup if we want the slack space on the final fragment
	if flags&fsys.FileSlack != 0 {
		bs := int64(f.BlockSize)
		if r := w.size % bs; r != 0 {
			w.size += bs - r
		}
	}

	var err error
	if in.Attrs != nil {
		err = w.attr(in)
	} else {
		err = w.pointers(in)
	}
	return fsys.WalkErr(err)
}

// NeedsDataWalk reports whether the content of in has no block address,
// which is the case for inline data.
func (f *FS) NeedsDataWalk(in *fsys.Inode, typ uint32, id uint16, flags fsys.FileFlag) (bool, error) {
	if in.Attrs == nil {
		return false, nil
	}
	d := in.Attrs.LookupNoID(attrData)
	return d != nil && d.IsResident(), nil
}

// fileWalker carries one file walk. size is the number of bytes still
// to report.
type fileWalker struct {
	f     *FS
	flags fsys.FileFlag
	fn    fsys.FileWalkFunc
	size  int64
	buf   []byte
}

func (w *fileWalker) pointers(in *fsys.Inode) error {
	for _, addr := range in.Direct {
		if w.size <= 0 {
			return nil
		}
		if err := w.direct(addr); err != nil {
			return err
		}
	}
	for i, addr := range in.Indirect {
		if w.size <= 0 {
			return nil
		}
		if err := w.indirect(addr, i+1); err != nil {
			return err
		}
	}
	return nil
}

// direct reports one data block, or a hole when addr is zero.
func (w *fileWalker) direct(addr uint64) error {
	f := w.f
	n := int64(f.BlockSize)
	if w.size < n {
		n = w.size
	}
	if addr > f.LastBlock {
		return fsys.Soften(fsys.Errorf(fsys.ErrCorrupt, "ext2fs_file_walk", "invalid direct block address (too large): %d", addr), w.flags)
	}

	if addr == 0 {
		w.size -= n
		if w.flags&fsys.FileNoSparse != 0 {
			return nil
		}
		if w.flags&fsys.FileAOnly == 0 {
			clear(w.buf)
		}
		return w.fn(0, w.buf[:n], fsys.BlockCont|fsys.BlockSparse)
	}

	myflags, err := w.status(addr)
	if err != nil {
		return err
	}
	if w.flags&fsys.FileAOnly == 0 {
		if _, err := f.ReadBlock(w.buf, addr); err != nil {
			return fsys.Soften(fmt.Errorf("file walk block %d: %w", addr, err), w.flags)
		}
	}
	w.size -= n
	return w.fn(addr, w.buf[:n], myflags|fsys.BlockCont)
}

// indirect reports the blocks below the pointer block addr, which is
// level steps above the data. A zero addr stands for a tree of holes.
func (w *fileWalker) indirect(addr uint64, level int) error {
	f := w.f
	if addr > f.LastBlock {
		return fsys.Soften(fsys.Errorf(fsys.ErrCorrupt, "ext2fs_file_walk", "invalid indirect block address (too large): %d", addr), w.flags)
	}

	// the pointers are needed even with FileAOnly
	ptrs := make([]byte, f.BlockSize)
	if addr != 0 {
		if _, err := f.ReadBlock(ptrs, addr); err != nil {
			return fsys.Soften(fmt.Errorf("indirect block %d: %w", addr, err), w.flags)
		}
		if w.flags&fsys.FileMeta != 0 {
			myflags, err := w.status(addr)
			if err != nil {
				return err
			}
			if err := w.fn(addr, ptrs, myflags|fsys.BlockMeta); err != nil {
				return err
			}
		}
	}

	for i := 0; i < len(ptrs) && w.size > 0; i += 4 {
		next := uint64(binary.LittleEndian.Uint32(ptrs[i:]))
		var err error
		if level == 1 {
			err = w.direct(next)
		} else {
			err = w.indirect(next, level-1)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// status returns the allocation flag of a block of the file.
func (w *fileWalker) status(addr uint64) (fsys.BlockFlag, error) {
	alloc, err := w.f.isBlockAlloc(addr)
	if err != nil {
		return 0, fsys.Soften(err, w.flags)
	}
	if alloc {
		return fsys.BlockAlloc, nil
	}
	return fsys.BlockUnalloc, nil
}

// attr walks content described by the inode's attribute: inline bytes
// or the run list built from an extent tree. Ranges no extent covers
// read as holes.
func (w *fileWalker) attr(in *fsys.Inode) error {
	f := w.f
	d := in.Attrs.LookupNoID(attrData)
	if d == nil {
		return fsys.Errorf(fsys.ErrCorrupt, "ext2fs_file_walk", "inode %d has no data attribute", in.Addr)
	}

	if d.IsResident() {
		n := int64(len(d.Buf))
		if w.size < n {
			n = w.size
		}
		if n <= 0 {
			return nil
		}
		return w.fn(0, d.Buf[:n], fsys.BlockAlloc|fsys.BlockCont|fsys.BlockRes)
	}

	if w.flags&fsys.FileMeta != 0 {
		for _, addr := range in.Indirect {
			if _, err := f.ReadBlock(w.buf, addr); err != nil {
				return fsys.Soften(fmt.Errorf("extent node %d: %w", addr, err), w.flags)
			}
			myflags, err := w.status(addr)
			if err != nil {
				return err
			}
			if err := w.fn(addr, w.buf, myflags|fsys.BlockMeta); err != nil {
				return err
			}
		}
	}

	for _, r := range d.Runs {
		for i := uint64(0); i < r.Len && w.size > 0; i++ {
			addr := uint64(0)
			if r.Flags&(fsys.RunSparse|fsys.RunFiller) == 0 {
				addr = r.Addr + i
			}
			if err := w.direct(addr); err != nil {
				return err
			}
		}
	}
	// past the last extent
	for w.size > 0 {
		if err := w.direct(0); err != nil {
			return err
		}
	}
	return nil
}
