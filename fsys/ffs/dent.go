package ffs

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	maxNameLen = 255

	// entries never cross a directory block
	dirBlkSize = 512
)

// d_type values; these match fsys.DentType
var dtTypes = map[uint8]fsys.DentType{
	1:  fsys.DentFIFO,
	2:  fsys.DentChr,
	4:  fsys.DentDir,
	6:  fsys.DentBlk,
	8:  fsys.DentReg,
	10: fsys.DentLnk,
	12: fsys.DentSock,
	14: fsys.DentWht,
}

// dirSize is the smallest record that holds a name of n bytes.
func dirSize(n int) int {
	return (n + 8 + 4) &^ 3
}

type dirEntry struct {
	inode   uint32
	recLen  uint16
	nameLen int
	typ     uint8
}

// parseDirEntry decodes an entry header. Solaris has a 16-bit name
// length where the BSDs split the field into type and length.
func (f *FS) parseDirEntry(b []byte) dirEntry {
	e := dirEntry{
		inode:  f.Endian.Uint32(b[0:4]),
		recLen: f.Endian.Uint16(b[4:6]),
	}
	if f.Type == fsys.FFS1B {
		e.nameLen = int(f.Endian.Uint16(b[6:8]))
	} else {
		e.typ = b[6]
		e.nameLen = int(b[7])
	}
	return e
}

type dentWalker struct {
	f     *FS
	flags fsys.DentFlag
	fn    fsys.DentWalkFunc
	state *fsys.DirState
	cbErr error // set once the callback fails
}

// DentWalk visits the entries of directory inum. Deleted entries are
// found in the space that the entry before them still claims.
func (f *FS) DentWalk(inum uint64, flags fsys.DentFlag, fn fsys.DentWalkFunc) error {
	if inum < f.FirstInum || inum > f.LastInum {
		return fsys.Errorf(fsys.ErrWalkRange, "ffs_dent_walk", "invalid inode value: %d", inum)
	}
	flags = flags.Norm()
	c := f.CollectNamed(inum, flags)
	w := &dentWalker{f: f, flags: flags, fn: c.Wrap(fn), state: fsys.NewDirState(inum)}
	err := fsys.WalkErr(w.walkDir(inum))
	c.Finish(err)
	return err
}

// loadDir reads the content of a directory up to the end of its last
// directory block.
func (f *FS) loadDir(in *fsys.Inode) ([]byte, int64, error) {
	size := (in.Size + dirBlkSize - 1) / dirBlkSize * dirBlkSize
	data := make([]byte, 0, size)
	flags := fsys.FileSlack | fsys.FileNoID
	if in.Flags&fsys.InodeUnalloc != 0 {
		flags |= fsys.FileRecover
	}
	err := f.FileWalk(in, 0, 0, flags, func(_ uint64, b []byte, _ fsys.BlockFlag) error {
		data = append(data, b...)
		if int64(len(data)) >= size {
			return fsys.StopWalk
		}
		return nil
	})
	if int64(len(data)) > size {
		data = data[:size]
	}
	return data, size, err
}

func (w *dentWalker) walkDir(inum uint64) error {
	f := w.f
	log.Debugf("ffs: processing directory %d", inum)
	in, err := f.InodeLookup(inum)
	if err != nil {
		return err
	}
	data, size, err := f.loadDir(in)
	if err != nil {
		return err
	}
	if int64(len(data)) < size {
		return fsys.Errorf(fsys.ErrRead, "ffs_dent_walk", "error reading directory contents: %d", inum)
	}

	for off := 0; off < len(data); off += dirBlkSize {
		if err := w.parseBlock(data[off:min(off+dirBlkSize, len(data))]); err != nil {
			return err
		}
	}
	return nil
}

// parseBlock reports the entries of one directory block. It advances by
// the length each entry needs rather than the length it claims, so the
// space claimed beyond the need (dellen) is searched for deleted
// entries, four bytes at a time.
func (w *dentWalker) parseBlock(buf []byte) error {
	f := w.f
	dellen := 0
	minreclen := 4
	for idx := 0; idx <= len(buf)-dirSize(1); idx += minreclen {
		e := f.parseDirEntry(buf[idx:])
		minreclen = dirSize(e.nameLen)

		if uint64(e.inode) > f.LastInum || e.nameLen > maxNameLen || e.nameLen == 0 ||
			int(e.recLen) < minreclen || e.recLen%4 != 0 || idx+int(e.recLen) > len(buf) {
			// not a valid entry, skip ahead 4
			minreclen = 4
			if dellen > 0 {
				dellen -= 4
			}
			continue
		}

		// an entry in deleted space must end inside it
		if dellen > 0 && dellen < minreclen {
			minreclen = 4
			dellen -= 4
			continue
		}

		dent := w.copyDent(&e, buf[idx+8:idx+8+e.nameLen])

		myflags := fsys.DentAlloc
		if dellen > 0 || e.inode == 0 {
			myflags = fsys.DentUnalloc
			dellen -= minreclen
		}
		dent.Flags = myflags
		if w.flags.Match(myflags) {
			if err := w.fn(dent); err != nil {
				w.cbErr = err
				return err
			}
		}

		if int(e.recLen) != minreclen && dellen <= 0 {
			dellen = int(e.recLen) - minreclen
		}

		if myflags&fsys.DentAlloc == 0 || w.flags&fsys.DentRecurse == 0 || dent.IsDot() ||
			dent.Meta == nil || !dent.Meta.Mode.IsDir() {
			continue
		}
		if !w.state.Enter(dent.Name, dent.Inode) {
			continue
		}
		err := w.walkDir(dent.Inode)
		w.state.Leave()
		if err != nil {
			if w.cbErr != nil || !isDirError(err) {
				return err
			}
			log.Warnf("ffs: directory %d: %v", dent.Inode, err)
		}
	}
	return nil
}

func (w *dentWalker) copyDent(e *dirEntry, name []byte) *fsys.Dent {
	f := w.f
	dent := &fsys.Dent{
		Inode: uint64(e.inode),
		Name:  fsys.Clean(string(name)),
		Type:  fsys.DentUndef,
		Path:  w.state.Path(),
		Depth: w.state.Depth(),
	}
	if f.Type != fsys.FFS1B {
		dent.Type = dtTypes[e.typ]
	}
	if e.inode != 0 {
		in, err := f.InodeLookup(uint64(e.inode))
		if err != nil {
			log.Debugf("ffs: inode %d of %q: %v", e.inode, dent.Name, err)
		} else {
			dent.Meta = in
		}
	}
	return dent
}

// isDirError reports whether err came from a subdirectory that could not
// be read, rather than from the callback.
func isDirError(err error) bool {
	var fe *fsys.Error
	return errors.As(err, &fe)
}
