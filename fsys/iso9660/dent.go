package iso9660

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

type dentWalker struct {
	f     *FS
	flags fsys.DentFlag
	fn    fsys.DentWalkFunc
	state *fsys.DirState
	cbErr error
}

// DentWalk visits the records of directory inum. Every name is reported
// with the name of the inode it resolves to, so a primary record that
// shares an extent with a Joliet one shows the Joliet name. ISO9660 has
// no deleted names.
func (f *FS) DentWalk(inum uint64, flags fsys.DentFlag, fn fsys.DentWalkFunc) error {
	if inum < f.FirstInum || inum > f.LastInum {
		return fsys.Errorf(fsys.ErrWalkRange, "iso9660_dent_walk", "invalid inode value: %d", inum)
	}
	flags = flags.Norm()
	if !flags.Match(fsys.DentAlloc) {
		return nil
	}
	c := f.CollectNamed(inum, flags)
	w := &dentWalker{f: f, flags: flags, fn: c.Wrap(fn), state: fsys.NewDirState(inum)}
	err := fsys.WalkErr(w.walkDir(inum))
	c.Finish(err)
	return err
}

func (w *dentWalker) walkDir(inum uint64) error {
	f := w.f
	log.Debugf("iso9660: processing directory %d", inum)
	dir, err := f.node(inum)
	if err != nil {
		return err
	}
	if !dir.rec.isDir() {
		return nil
	}
	recs, err := f.readRecords(dir.rec.extent, dir.rec.size)
	if err != nil {
		return err
	}

	for i, r := range recs {
		dent := &fsys.Dent{
			Path:  w.state.Path(),
			Depth: w.state.Depth(),
			Flags: fsys.DentAlloc,
		}
		ino, ok := f.byRec[r.off]
		if !ok && r.size != 0 {
			ino, ok = f.byExtent[r.extent]
		}

		var rr *rockRidge
		if i > 1 && len(r.su) > 1 {
			rr = f.parseSUSP(r.su, nil)
		}
		switch {
		case i == 0:
			ino, ok = inum, true
			dent.Name = "."
		case i == 1:
			dent.Name = ".."
		case rr != nil && rr.relocated:
			// shown where its CL record points
			continue
		case rr != nil && rr.child != 0:
			ino, ok = f.byExtent[rr.child]
		}
		if !ok {
			log.Debugf("iso9660: no inode for record at %d", r.off)
			continue
		}
		dent.Inode = ino
		if dent.Name == "" {
			dent.Name = fsys.Clean(f.nodes[ino].name)
		}

		in, err := f.InodeLookup(ino)
		if err != nil {
			log.Debugf("iso9660: inode %d of %q: %v", ino, dent.Name, err)
		} else {
			dent.Meta = in
		}
		isDir := f.nodes[ino].rec.isDir()
		switch {
		case isDir:
			dent.Type = fsys.DentDir
		case dent.Meta != nil:
			dent.Type = dent.Meta.Mode.DentType()
		default:
			dent.Type = fsys.DentReg
		}

		if err := w.fn(dent); err != nil {
			w.cbErr = err
			return err
		}

		if w.flags&fsys.DentRecurse == 0 || !isDir || dent.IsDot() {
			continue
		}
		if !w.state.Enter(dent.Name, ino) {
			continue
		}
		err = w.walkDir(ino)
		w.state.Leave()
		if err != nil {
			if w.cbErr != nil || !isDirError(err) {
				return err
			}
			log.Warnf("iso9660: directory %d: %v", ino, err)
		}
	}
	return nil
}

func isDirError(err error) bool {
	var fe *fsys.Error
	return errors.As(err, &fe)
}
