package ffs

import (
	"fmt"

	"github.com/lvdlvd/rawhide/fsys"
)

// FileWalk visits the fragments of a file. Every pointer names a block of
// Frag fragments; the walk reports them one fragment at a time and stops
// when the size is used up, so the last block may be reported partially.
// A zero pointer is a sparse hole. typ and id are ignored.
func (f *FS) FileWalk(in *fsys.Inode, typ uint32, id uint16, flags fsys.FileFlag, fn fsys.FileWalkFunc) error {
	w := &fileWalker{f: f, flags: flags, fn: fn, size: in.Size, buf: make([]byte, f.bsize), ptrLen: 4}
	if f.Type == fsys.FFS2 {
		w.ptrLen = 8
	}

	// Roundup if we want the slack space on the final fragment
	if flags&fsys.FileSlack != 0 {
		fs := int64(f.BlockSize)
		if r := w.size % fs; r != 0 {
			w.size += fs - r
		}
	}

	var err error
	for _, addr := range in.Direct {
		if w.size <= 0 {
			break
		}
		if err = w.direct(addr); err != nil {
			break
		}
	}
	for i, addr := range in.Indirect {
		if err != nil || w.size <= 0 {
			break
		}
		err = w.indirect(addr, i+1)
	}
	return fsys.WalkErr(err)
}

// fileWalker carries one file walk. size is the number of bytes still
// to report.
type fileWalker struct {
	f      *FS
	flags  fsys.FileFlag
	fn     fsys.FileWalkFunc
	size   int64
	buf    []byte
	ptrLen int
}

// direct reports the fragments of the block at addr that the remaining
// size covers, or a hole when addr is zero.
func (w *fileWalker) direct(addr uint64) error {
	f := w.f
	fs := int64(f.BlockSize)
	frags := min(int64(f.frag), (w.size+fs-1)/fs)

	if addr == 0 {
		if w.flags&fsys.FileAOnly == 0 {
			clear(w.buf)
		}
		for i := int64(0); i < frags; i++ {
			n := min(fs, w.size)
			w.size -= n
			if w.flags&fsys.FileNoSparse != 0 {
				continue
			}
			if err := w.fn(0, w.buf[:n], fsys.BlockCont|fsys.BlockSparse); err != nil {
				return err
			}
		}
		return nil
	}

	if last := addr + uint64(frags) - 1; addr > f.LastBlock || last > f.LastBlock {
		return fsys.Soften(fsys.Errorf(fsys.ErrCorrupt, "ffs_file_walk", "invalid direct block address (too large): %d", addr), w.flags)
	}
	if w.flags&fsys.FileAOnly == 0 {
		if _, err := f.ReadBlock(w.buf[:frags*fs], addr); err != nil {
			return fsys.Soften(fmt.Errorf("file walk fragment %d: %w", addr, err), w.flags)
		}
	}
	for i := int64(0); i < frags; i++ {
		myflags, err := w.status(addr + uint64(i))
		if err != nil {
			return err
		}
		n := min(fs, w.size)
		w.size -= n
		if err := w.fn(addr+uint64(i), w.buf[i*fs:i*fs+n], myflags|fsys.BlockCont); err != nil {
			return err
		}
	}
	return nil
}

// indirect reports the blocks below the pointer block addr, which is
// level steps above the data. A zero addr stands for a tree of holes.
func (w *fileWalker) indirect(addr uint64, level int) error {
	f := w.f
	if addr > f.LastBlock || addr != 0 && addr+uint64(f.frag)-1 > f.LastBlock {
		return fsys.Soften(fsys.Errorf(fsys.ErrCorrupt, "ffs_file_walk", "invalid indirect block address (too large): %d", addr), w.flags)
	}

	// the pointers are needed even with FileAOnly
	ptrs := make([]byte, f.bsize)
	if addr != 0 {
		if _, err := f.ReadBlock(ptrs, addr); err != nil {
			return fsys.Soften(fmt.Errorf("indirect block %d: %w", addr, err), w.flags)
		}
		if w.flags&fsys.FileMeta != 0 {
			fs := uint64(f.BlockSize)
			for i := uint64(0); i < uint64(f.frag); i++ {
				myflags, err := w.status(addr + i)
				if err != nil {
					return err
				}
				if err := w.fn(addr+i, ptrs[i*fs:(i+1)*fs], myflags|fsys.BlockMeta); err != nil {
					return err
				}
			}
		}
	}

	for i := 0; i < len(ptrs) && w.size > 0; i += w.ptrLen {
		var next uint64
		if w.ptrLen == 8 {
			next = f.Endian.Uint64(ptrs[i:])
		} else {
			next = uint64(f.Endian.Uint32(ptrs[i:]))
		}
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

// status returns the allocation flag of a fragment of the file.
func (w *fileWalker) status(addr uint64) (fsys.BlockFlag, error) {
	alloc, err := w.f.isFragAlloc(addr)
	if err != nil {
		return 0, fsys.Soften(err, w.flags)
	}
	if alloc {
		return fsys.BlockAlloc, nil
	}
	return fsys.BlockUnalloc, nil
}
