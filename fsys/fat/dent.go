package fat

import (
	"encoding/binary"
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"

	"github.com/lvdlvd/rawhide/fsys"
)

// lfnUnits returns the 13 UTF-16 code units of a long name slot.
func lfnUnits(raw []byte) []uint16 {
	u := make([]uint16, 0, 13)
	for _, r := range [][2]int{{1, 11}, {14, 26}, {28, 32}} {
		for i := r[0]; i < r[1]; i += 2 {
			u = append(u, binary.LittleEndian.Uint16(raw[i:]))
		}
	}
	return u
}

// decodeLFN converts a long name, which ends at the first 0x0000.
func decodeLFN(units []uint16) string {
	b := make([]byte, 0, 2*len(units))
	for _, c := range units {
		if c == 0 {
			break
		}
		b = binary.LittleEndian.AppendUint16(b, c)
	}
	s, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return fsys.Clean(string(s))
}

func lfnSlotName(raw []byte) string {
	return decodeLFN(lfnUnits(raw))
}

// lfnState collects the slots of a long name. The slots precede the
// short entry in reverse order.
type lfnState struct {
	units []uint16
	seq   uint8
	chk   uint8
}

func (l *lfnState) add(raw []byte) {
	seq, chk := raw[0], raw[13]
	if (seq&lfnSeqFirst != 0 && seq != slotDeleted) || chk != l.chk || l.units == nil {
		l.units = l.units[:0]
		l.seq, l.chk = seq&lfnSeqMask, chk
	}
	l.units = append(lfnUnits(raw), l.units...)
}

func (l *lfnState) reset() {
	l.units = nil
}

// dentWalker holds the state of one directory walk, including the
// nested walk used to find a parent.
type dentWalker struct {
	f     *FS
	flags fsys.DentFlag
	fn    fsys.DentWalkFunc
	state *fsys.DirState
	cbErr error // set once the callback fails

	curdir uint64 // inode of "."
	pardir uint64 // inode of "..", 0 if not known yet

	// set while searching for the directory that owns this cluster
	findClust uint64
}

// DentWalk visits the entries of directory inum. FAT keeps no parent
// pointer, so ".." is resolved from the walk or, when the walk started
// below the root, by searching the tree for the directory's cluster.
func (f *FS) DentWalk(inum uint64, flags fsys.DentFlag, fn fsys.DentWalkFunc) error {
	if inum < f.FirstInum || inum > f.LastInum {
		return fsys.Errorf(fsys.ErrWalkRange, "fatfs_dent_walk", "invalid inode value: %d", inum)
	}
	flags = flags.Norm()
	c := f.CollectNamed(inum, flags)
	w := &dentWalker{f: f, flags: flags, fn: c.Wrap(fn), state: fsys.NewDirState(inum)}
	err := fsys.WalkErr(w.walkDir(inum, false))
	c.Finish(err)
	return err
}

// loadDir reads the content of a directory and the address of each of
// its sectors.
func (f *FS) loadDir(in *fsys.Inode) ([]byte, []uint64, error) {
	data := make([]byte, 0, in.Size)
	var addrs []uint64
	err := f.FileWalk(in, 0, 0, fsys.FileSlack|fsys.FileRecover|fsys.FileNoID, func(addr uint64, b []byte, _ fsys.BlockFlag) error {
		left := int(in.Size) - len(data)
		if left > len(b) {
			left = len(b)
		}
		data = append(data, b[:left]...)
		addrs = append(addrs, addr)
		if int64(len(data)) >= in.Size {
			return fsys.StopWalk
		}
		return nil
	})
	return data, addrs, err
}

// walkDir parses directory inum. recdel is set inside deleted
// directories, whose content is a guess.
func (w *dentWalker) walkDir(inum uint64, recdel bool) error {
	f := w.f
	if inum < f.FirstInum || inum > f.LastInum {
		return fsys.Errorf(fsys.ErrArgument, "fatfs_dent_walk", "invalid inode value: %d", inum)
	}
	in, err := f.InodeLookup(inum)
	if err != nil {
		return err
	}
	w.curdir = inum

	data, addrs, err := f.loadDir(in)
	if err != nil {
		return err
	}
	if int64(len(data)) < in.Size {
		if recdel {
			return nil
		}
		return fsys.Errorf(fsys.ErrRead, "fatfs_dent_walk", "error reading directory %d: %d of %d bytes loaded", inum, len(data), in.Size)
	}
	return w.parse(data, addrs, recdel)
}

func (w *dentWalker) parse(data []byte, addrs []uint64, recdel bool) error {
	f := w.f
	var lfn lfnState
	for si, addr := range addrs {
		if uint64(si+1)*f.ssize > uint64(len(data)) {
			break
		}
		sect := data[uint64(si)*f.ssize : uint64(si+1)*f.ssize]

		ibase := f.sectToInode(addr)
		if addr < f.firstDataSect || ibase > f.LastInum {
			return fsys.Errorf(fsys.ErrCorrupt, "fatfs_dent_walk", "inode address is too large: sector %d", addr)
		}
		sectAlloc, err := f.isSectAlloc(addr)
		if err != nil {
			return err
		}

		for idx := uint64(0); idx < f.dentPerSect; idx++ {
			raw := sect[idx*dentrySize : (idx+1)*dentrySize]
			if !f.isDentry(raw) {
				continue
			}
			d := parseDentry(raw)
			if d.isLFN() {
				lfn.add(raw)
				continue
			}

			dent := &fsys.Dent{
				Inode: ibase + idx,
				Path:  w.state.Path(),
				Depth: w.state.Depth(),
				Type:  fsys.DentReg,
			}
			if d.isDir() {
				dent.Type = fsys.DentDir
			}
			switch {
			case d.attr&attrVolume != 0:
				dent.Name = d.volumeLabel() + " (Volume Label Entry)"
			case len(lfn.units) > 0 && lfn.chk == d.checksum():
				dent.Name = decodeLFN(lfn.units)
				dent.ShortName = d.shortName()
			default:
				dent.Name = d.shortName()
			}
			lfn.reset()

			meta := fsys.NewInode(1, 0)
			if err := f.dinodeCopy(meta, raw, addr, ibase+idx); err != nil {
				return err
			}
			dent.Meta = meta

			dot := d.isDot()
			if dot {
				w.resolveDot(dent, &d)
			}

			myflags := fsys.DentUnalloc
			if sectAlloc && d.name[0] != slotDeleted {
				myflags = fsys.DentAlloc
			}
			dent.Flags = myflags
			if w.flags.Match(myflags) {
				if err := w.fn(dent); err != nil {
					return err
				}
			}

			if dot || w.flags&fsys.DentRecurse == 0 || !dent.Meta.Mode.IsDir() {
				continue
			}
			if !w.state.Enter(dent.Name, dent.Inode) {
				continue
			}
			savedPar := w.pardir
			w.pardir = w.curdir
			del := recdel || myflags&fsys.DentUnalloc != 0
			err := w.walkDir(dent.Inode, del)
			w.curdir = w.pardir
			w.pardir = savedPar
			w.state.Leave()
			if err != nil {
				if w.cbErr != nil || !isDirError(err) {
					return err
				}
				if del {
					log.Debugf("fat: deleted directory %d: %v", dent.Inode, err)
				} else {
					log.Warnf("fat: directory %d: %v", dent.Inode, err)
				}
			}
		}
	}
	return nil
}

// isDirError reports whether err came from a subdirectory that could not
// be read, rather than from the callback.
func isDirError(err error) bool {
	var fe *fsys.Error
	return errors.As(err, &fe)
}

// resolveDot points "." and ".." at the directories they name.
func (w *dentWalker) resolveDot(dent *fsys.Dent, d *dentry) {
	f := w.f
	var target uint64
	if d.name[1] == ' ' {
		target = w.curdir
	} else {
		if w.pardir == 0 && w.findClust == 0 {
			w.pardir = f.findParent(d.cluster() & f.mask)
		}
		target = w.pardir
	}
	if target == 0 {
		return
	}
	dent.Inode = target
	if target == f.RootInum {
		dent.Meta = f.makeRoot()
		return
	}
	if in, err := f.InodeLookup(target); err == nil {
		dent.Meta = in
	}
}

// findParent returns the directory stored at cluster clust, or 0 if no
// allocated name points at it.
func (f *FS) findParent(clust uint64) uint64 {
	if f.Type == fsys.FAT32 {
		if clust == f.sectToClust(f.rootSect) || clust == 0 {
			return f.RootInum
		}
	} else if clust == 1 || clust == 0 {
		return f.RootInum
	}

	w := &dentWalker{
		f:         f,
		flags:     fsys.DentAlloc | fsys.DentRecurse,
		state:     fsys.NewDirState(f.RootInum),
		findClust: clust,
	}
	var found uint64
	w.fn = func(d *fsys.Dent) error {
		if d.Meta != nil && len(d.Meta.Direct) > 0 && d.Meta.Direct[0] == clust && d.Meta.Mode.IsDir() {
			found = d.Inode
			return fsys.StopWalk
		}
		return nil
	}
	if err := fsys.WalkErr(w.walkDir(f.RootInum, false)); err != nil {
		log.Debugf("fat: looking for the directory in cluster %d: %v", clust, err)
	}
	log.Debugf("fat: directory %d found for cluster %d", found, clust)
	return found
}
