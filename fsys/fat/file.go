package fat

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

// FileWalk visits the sectors of a file. Allocated files follow their
// cluster chain. Deleted files, with FileRecover, are assumed to be
// stored in the unallocated clusters that follow their first cluster.
func (f *FS) FileWalk(in *fsys.Inode, typ uint32, id uint16, flags fsys.FileFlag, fn fsys.FileWalkFunc) error {
	return f.fileWalk(in, 0, flags, fn)
}

// FileWalkOff is FileWalk starting at byte offset off, rounded down to a
// sector. Clusters before it are skipped without being read.
func (f *FS) FileWalkOff(in *fsys.Inode, typ uint32, id uint16, off int64, flags fsys.FileFlag, fn fsys.FileWalkFunc) error {
	if off < 0 {
		return fsys.Errorf(fsys.ErrArgument, "fatfs_file_walk", "negative offset %d", off)
	}
	return f.fileWalk(in, uint64(off)/f.ssize, flags, fn)
}

// fileWalker emits the sectors of one file walk.
type fileWalker struct {
	f     *FS
	flags fsys.FileFlag
	fn    fsys.FileWalkFunc
	size  int64  // bytes left to report
	skip  uint64 // sectors left to skip
	buf   []byte
}

// emit reports n sectors from sbase. done is set when the file is
// exhausted or the callback stopped the walk.
func (w *fileWalker) emit(sbase, n uint64, myflags fsys.BlockFlag) (done bool, err error) {
	ssize := w.f.ssize
	if w.skip >= n {
		w.skip -= n
		w.size -= int64(n * ssize)
		return w.size <= 0, nil
	}
	first := w.skip
	w.skip = 0
	w.size -= int64(first * ssize)

	if uint64(cap(w.buf)) < n*ssize {
		w.buf = make([]byte, n*ssize)
	}
	buf := w.buf[:n*ssize]
	if w.flags&fsys.FileAOnly == 0 {
		if _, err := w.f.ReadBlock(buf[first*ssize:], sbase+first); err != nil {
			return true, fsys.Soften(fmt.Errorf("file walk sector %d: %w", sbase+first, err), w.flags)
		}
	}
	for i := first; i < n && w.size > 0; i++ {
		l := int64(ssize)
		if w.size < l {
			l = w.size
		}
		if err := w.fn(sbase+i, buf[i*ssize:i*ssize+uint64(l)], myflags); err != nil {
			return true, fsys.WalkErr(err)
		}
		w.size -= l
	}
	return w.size <= 0, nil
}

func (f *FS) fileWalk(in *fsys.Inode, skip uint64, flags fsys.FileFlag, fn fsys.FileWalkFunc) error {
	w := &fileWalker{f: f, flags: flags, fn: fn, size: in.Size, skip: skip}

	// slack runs to the end of the last cluster
	if flags&fsys.FileSlack != 0 {
		csize := int64(f.csize * f.ssize)
		if r := w.size % csize; r != 0 {
			w.size += csize - r
		}
	}

	var clust uint64
	if len(in.Direct) > 0 {
		clust = in.Direct[0]
	}
	if clust > f.lastClust && !f.isEOF(clust) {
		return fsys.Soften(fsys.Errorf(fsys.ErrCorrupt, "fatfs_file_walk", "starting cluster address too large: %d", clust), flags)
	}

	// FAT12/16 root directory
	if f.Type != fsys.FAT32 && clust == 1 {
		w.size = int64((f.firstClustSect - f.firstDataSect) * f.ssize)
		_, err := w.emit(f.rootSect, f.firstClustSect-f.firstDataSect, fsys.BlockAlloc|fsys.BlockCont)
		return err
	}

	if in.Flags&fsys.InodeUnalloc != 0 && flags&fsys.FileRecover != 0 {
		return f.recoverWalk(w, clust)
	}

	// loop protection
	seen := map[uint64]struct{}{}
	for clust&f.mask > 0 && w.size > 0 && !f.isEOF(clust) {
		sbase := f.clustToSect(clust)
		if sbase > f.LastBlock {
			return fsys.Soften(fsys.Errorf(fsys.ErrCorrupt, "fatfs_file_walk", "invalid sector address in FAT (too large): %d", sbase), flags)
		}
		alloc, err := f.isClustAlloc(clust)
		if err != nil {
			return fsys.Soften(err, flags)
		}
		myflags := fsys.BlockCont
		if alloc {
			myflags |= fsys.BlockAlloc
		} else {
			myflags |= fsys.BlockUnalloc
		}

		n := f.csize
		if sbase+n-1 > f.LastBlock {
			n = f.LastBlock - sbase + 1
		}
		done, err := w.emit(sbase, n, myflags)
		if done || err != nil {
			return err
		}

		seen[clust] = struct{}{}
		next, err := f.getFAT(clust)
		if err != nil {
			return fsys.Soften(err, flags)
		}
		if _, ok := seen[next]; ok {
			log.Debugf("fat: loop in cluster chain of inode %d at cluster %d", in.Addr, next)
			return nil
		}
		clust = next
	}
	return nil
}

// recoverWalk guesses the content of a deleted file: its first cluster
// and then the next unallocated clusters until the size is covered.
func (f *FS) recoverWalk(w *fileWalker, clust uint64) error {
	if w.size <= 0 {
		return nil
	}
	sbase := f.clustToSect(clust)
	if clust < 2 || sbase > f.LastBlock {
		return fsys.Errorf(fsys.ErrRecover, "fatfs_file_walk", "starting address of deleted file is invalid: %d", clust)
	}
	alloc, err := f.isClustAlloc(clust)
	if err != nil {
		return fsys.Wrapf(fsys.ErrRecover, err, "fatfs_file_walk", "cluster %d", clust)
	}
	if alloc {
		return fsys.Errorf(fsys.ErrRecover, "fatfs_file_walk", "starting cluster of deleted file is allocated")
	}

	// make sure there is enough space before reporting anything
	need := w.size
	for c := clust; need > 0; c++ {
		if f.clustToSect(c)+f.csize-1 > f.LastBlock {
			return fsys.Errorf(fsys.ErrRecover, "fatfs_file_walk", "could not find enough unallocated sectors to recover with")
		}
		alloc, err := f.isClustAlloc(c)
		if err != nil {
			return fsys.Wrapf(fsys.ErrRecover, err, "fatfs_file_walk", "cluster %d", c)
		}
		if !alloc {
			need -= int64(f.csize * f.ssize)
		}
	}

	for c := clust; w.size > 0; c++ {
		alloc, err := f.isClustAlloc(c)
		if err != nil {
			return fsys.Wrapf(fsys.ErrRecover, err, "fatfs_file_walk", "cluster %d", c)
		}
		if alloc {
			continue
		}
		done, err := w.emit(f.clustToSect(c), f.csize, fsys.BlockUnalloc|fsys.BlockCont)
		if done || err != nil {
			return err
		}
	}
	return nil
}
