package ntfs

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

// fileData picks the attribute a file walk reads. typ 0 means the index
// root of a directory and the default stream of anything else, whatever
// id is given; when such a guessed attribute does not exist the walk has
// nothing to do and d is nil.
func (f *FS) fileData(in *fsys.Inode, typ uint32, id uint16, flags fsys.FileFlag) (*fsys.Data, error) {
	if in.Attrs == nil || in.Attrs.Len() == 0 {
		kind := fsys.ErrArgument
		if flags&fsys.FileRecover != 0 {
			kind = fsys.ErrRecover
		}
		return nil, fsys.Errorf(kind, "ntfs_file_walk", "mft entry %d has no attributes", in.Addr)
	}

	guessed := typ == 0
	if guessed {
		if in.Mode.IsDir() {
			typ = attrIndexRoot
		} else {
			typ = attrData
		}
	}

	if guessed || flags&fsys.FileNoID != 0 {
		d := in.Attrs.LookupNoID(typ)
		if d == nil {
			if guessed {
				return nil, nil
			}
			return nil, fsys.Errorf(fsys.ErrArgument, "ntfs_file_walk", "type %d not found in entry %d", typ, in.Addr)
		}
		return d, nil
	}
	d := in.Attrs.Lookup(typ, id)
	if d == nil {
		return nil, fsys.Errorf(fsys.ErrArgument, "ntfs_file_walk", "attribute %d-%d not found in entry %d", typ, id, in.Addr)
	}
	return d, nil
}

// FileWalk visits the clusters of attribute typ-id of in, or the default
// attribute with FileNoID.
func (f *FS) FileWalk(in *fsys.Inode, typ uint32, id uint16, flags fsys.FileFlag, fn fsys.FileWalkFunc) error {
	log.Debugf("ntfs: file walk of entry %d, attribute %d-%d", in.Addr, typ, id)
	d, err := f.fileData(in, typ, id, flags)
	if err != nil || d == nil {
		return err
	}
	return f.dataWalk(in.Addr, d, flags, fn)
}

// NeedsDataWalk reports whether the attribute has content without
// cluster addresses of its own: resident or compressed data.
func (f *FS) NeedsDataWalk(in *fsys.Inode, typ uint32, id uint16, flags fsys.FileFlag) (bool, error) {
	d, err := f.fileData(in, typ, id, flags)
	if err != nil || d == nil {
		return false, err
	}
	return d.IsResident() || d.Flags&fsys.DataComp != 0 && d.CompSize > 0, nil
}

// dataWalk visits the content of attribute d of entry num.
func (f *FS) dataWalk(num uint64, d *fsys.Data, flags fsys.FileFlag, fn fsys.FileWalkFunc) error {
	w := &dataWalker{f: f, num: num, d: d, flags: flags, fn: fn, buf: make([]byte, f.BlockSize)}
	var err error
	switch {
	case d.IsResident():
		err = fn(0, d.Buf, fsys.BlockCont|fsys.BlockAlloc|fsys.BlockRes)
	case d.Flags&fsys.DataComp != 0 && d.CompSize > 0:
		err = w.compressed()
	default:
		// an extension record's fragment seen on its own has no unit
		// size; its content is reported as stored
		err = w.plain()
	}
	return fsys.WalkErr(err)
}

// dataWalker carries one walk over the runs of a non-resident attribute.
// size is the number of bytes still to report.
type dataWalker struct {
	f     *FS
	num   uint64
	d     *fsys.Data
	flags fsys.FileFlag
	fn    fsys.FileWalkFunc
	size  int64
	buf   []byte
}

// status returns the allocation flag of a cluster of the file.
func (w *dataWalker) status(addr uint64) (fsys.BlockFlag, error) {
	alloc, err := w.f.isClustAlloc(addr)
	if err != nil {
		return 0, fsys.Soften(err, w.flags)
	}
	if alloc {
		return fsys.BlockAlloc, nil
	}
	return fsys.BlockUnalloc, nil
}

func (w *dataWalker) checkAddr(addr uint64) error {
	if addr > w.f.LastBlock {
		return fsys.Soften(fsys.Errorf(fsys.ErrCorrupt, "ntfs_data_walk", "invalid address in run of entry %d (too large): %d", w.num, addr), w.flags)
	}
	return nil
}

func (w *dataWalker) read(addr uint64) error {
	if _, err := w.f.ReadBlock(w.buf, addr); err != nil {
		return fsys.Soften(fmt.Errorf("data walk of entry %d cluster %d: %w", w.num, addr, err), w.flags)
	}
	return nil
}

// plain reports the clusters of an attribute stored as is. Filler runs,
// for fragments of an attribute list not seen yet, are left out.
func (w *dataWalker) plain() error {
	bs := int64(w.f.BlockSize)
	w.size = w.d.Size
	if w.flags&fsys.FileSlack != 0 {
		w.size = w.d.AllocSize
	}
	for _, r := range w.d.Runs {
		if r.Flags&fsys.RunFiller != 0 {
			log.Debugf("ntfs: entry %d attribute %d-%d: skipping %d unmapped clusters at %d", w.num, w.d.Type, w.d.ID, r.Len, r.Offset)
			continue
		}
		sparse := r.Flags&fsys.RunSparse != 0
		for i := uint64(0); i < r.Len && w.size > 0; i++ {
			n := min(bs, w.size)
			w.size -= bs
			if sparse {
				if w.flags&fsys.FileNoSparse != 0 {
					continue
				}
				if w.flags&fsys.FileAOnly == 0 {
					clear(w.buf)
				}
				if err := w.fn(0, w.buf[:n], fsys.BlockCont|fsys.BlockSparse); err != nil {
					return err
				}
				continue
			}

			addr := r.Addr + i
			if err := w.checkAddr(addr); err != nil {
				return err
			}
			if w.flags&fsys.FileAOnly == 0 {
				if err := w.read(addr); err != nil {
					return err
				}
			}
			myflags, err := w.status(addr)
			if err != nil {
				return err
			}
			if err := w.fn(addr, w.buf[:n], myflags|fsys.BlockCont); err != nil {
				return err
			}
		}
	}
	return nil
}

// compressed collects the clusters of each compression unit and reports
// the unit's content. A unit whose clusters are all sparse is zeros; one
// whose last cluster is sparse is LZNT1 compressed into the clusters
// before it; any other unit is stored as is.
func (w *dataWalker) compressed() error {
	unitLen := int(w.d.CompSize)
	unit := make([]uint64, 0, unitLen)
	dec := newLZNT1(unitLen * int(w.f.BlockSize))
	w.size = w.d.Size

	for _, r := range w.d.Runs {
		if r.Flags&fsys.RunFiller != 0 {
			log.Debugf("ntfs: entry %d attribute %d-%d: skipping %d unmapped clusters at %d", w.num, w.d.Type, w.d.ID, r.Len, r.Offset)
			continue
		}
		for i := uint64(0); i < r.Len && w.size > 0; i++ {
			var addr uint64
			if r.Flags&fsys.RunSparse == 0 {
				addr = r.Addr + i
				if err := w.checkAddr(addr); err != nil {
					return err
				}
			}
			unit = append(unit, addr)
			if len(unit) == unitLen {
				if err := w.unit(unit, dec); err != nil {
					return err
				}
				unit = unit[:0]
			}
		}
	}
	if len(unit) > 0 && w.size > 0 {
		return w.unit(unit, dec)
	}
	return nil
}

// unit reports one compression unit; a zero address is a sparse cluster.
func (w *dataWalker) unit(unit []uint64, dec *lznt1) error {
	bs := int64(w.f.BlockSize)
	sparse := true
	for _, a := range unit {
		if a != 0 {
			sparse = false
			break
		}
	}

	switch {
	case sparse:
		if w.flags&fsys.FileNoSparse != 0 {
			w.size -= int64(len(unit)) * bs
			return nil
		}
		clear(w.buf)
		for range unit {
			if w.size <= 0 {
				break
			}
			n := min(bs, w.size)
			w.size -= n
			if err := w.fn(0, w.buf[:n], fsys.BlockCont|fsys.BlockAlloc|fsys.BlockSparse|fsys.BlockComp); err != nil {
				return err
			}
		}
		return nil

	case unit[len(unit)-1] == 0:
		return w.decompress(unit, dec)

	default:
		for _, addr := range unit {
			if w.size <= 0 {
				break
			}
			n := min(bs, w.size)
			if w.flags&fsys.FileAOnly == 0 {
				if err := w.read(addr); err != nil {
					return err
				}
			}
			myflags, err := w.status(addr)
			if err != nil {
				return err
			}
			w.size -= n
			if err := w.fn(addr, w.buf[:n], myflags|fsys.BlockCont|fsys.BlockComp); err != nil {
				return err
			}
		}
		return nil
	}
}

// decompress reports a compressed unit. The decoded content is handed out
// a cluster at a time: the first slots carry the addresses of the stored
// clusters, the remaining ones are reported as sparse. A unit that decodes
// short is zero filled.
func (w *dataWalker) decompress(unit []uint64, dec *lznt1) error {
	bs := int64(w.f.BlockSize)
	stored := 0
	for stored < len(unit) && unit[stored] != 0 {
		stored++
	}

	var out []byte
	if w.flags&fsys.FileAOnly == 0 {
		dec.reset()
		for _, addr := range unit[:stored] {
			if err := w.read(addr); err != nil {
				return err
			}
			if err := dec.feed(w.buf); err != nil {
				return fsys.Soften(fmt.Errorf("entry %d cluster %d: %w", w.num, addr, err), w.flags)
			}
			if dec.done {
				break
			}
		}
		out = dec.out[:cap(dec.out)]
		clear(out[len(dec.out):])
	}

	for i := range unit {
		if w.size <= 0 {
			break
		}
		n := min(bs, w.size)
		var chunk []byte
		if out != nil {
			chunk = out[int64(i)*bs : int64(i)*bs+n]
		} else {
			chunk = w.buf[:n]
		}

		if i >= stored {
			if w.flags&fsys.FileNoSparse != 0 {
				w.size -= n
				continue
			}
			w.size -= n
			if err := w.fn(0, chunk, fsys.BlockCont|fsys.BlockAlloc|fsys.BlockSparse|fsys.BlockComp); err != nil {
				return err
			}
			continue
		}

		myflags, err := w.status(unit[i])
		if err != nil {
			return err
		}
		w.size -= n
		if err := w.fn(unit[i], chunk, myflags|fsys.BlockCont|fsys.BlockComp); err != nil {
			return err
		}
	}
	return nil
}
