package ntfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	indxMagic = "INDX"

	idxRootHeader   = 16 // before the node header in $INDEX_ROOT
	indxNodeOff     = 24 // node header offset in an INDX record
	nodeHeaderLen   = 16
	idxEntryHeader  = 16
	idxFlagChild    = 0x01
	idxFlagLast     = 0x02
	fileNameFlagDir = 0x10000000
)

// Deleted entries are trusted only when their times fall in this range.
var (
	minEntryTime = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	maxEntryTime = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// nodeHeader locates the entries of an index node, relative to the node
// header itself. Entries in use end at seqEnd; the space up to bufEnd may
// still hold entries that were removed.
type nodeHeader struct {
	begin  uint32
	seqEnd uint32
	bufEnd uint32
	flags  uint32
}

func parseNodeHeader(b []byte) nodeHeader {
	return nodeHeader{
		begin:  binary.LittleEndian.Uint32(b[0:4]),
		seqEnd: binary.LittleEndian.Uint32(b[4:8]),
		bufEnd: binary.LittleEndian.Uint32(b[8:12]),
		flags:  binary.LittleEndian.Uint32(b[12:16]),
	}
}

// split returns the in-use entries and the slack after them. node starts
// at the node header.
func (h nodeHeader) split(node []byte) (used, slack []byte, err error) {
	end := uint32(len(node))
	if h.bufEnd < end {
		end = h.bufEnd
	}
	if h.begin < nodeHeaderLen || h.begin > h.seqEnd || h.seqEnd > end {
		return nil, nil, fsys.Errorf(fsys.ErrCorrupt, "ntfs_dent_walk", "index node offsets %d, %d, %d do not fit %d bytes", h.begin, h.seqEnd, h.bufEnd, len(node))
	}
	return node[h.begin:h.seqEnd], node[h.seqEnd:end], nil
}

// idxEntry is the fixed part of an index entry; a $FILE_NAME value
// follows it.
type idxEntry struct {
	ref       uint64
	seq       uint16
	length    int
	streamLen int
	flags     uint32
}

func parseIdxEntry(b []byte) idxEntry {
	return idxEntry{
		ref:       mftRef(b[0:]),
		seq:       binary.LittleEndian.Uint16(b[6:8]),
		length:    int(binary.LittleEndian.Uint16(b[8:10])),
		streamLen: int(binary.LittleEndian.Uint16(b[10:12])),
		flags:     binary.LittleEndian.Uint32(b[12:16]),
	}
}

type dentWalker struct {
	f     *FS
	flags fsys.DentFlag
	fn    fsys.DentWalkFunc
	state *fsys.DirState
	cbErr error // set once the callback fails
}

// DentWalk visits the names in the $I30 index of directory inum. Entries
// left in the unused part of index nodes are reported as deleted.
func (f *FS) DentWalk(inum uint64, flags fsys.DentFlag, fn fsys.DentWalkFunc) error {
	if inum < f.FirstInum || inum > f.LastInum {
		return fsys.Errorf(fsys.ErrWalkRange, "ntfs_dent_walk", "invalid inode value: %d", inum)
	}
	flags = flags.Norm()
	c := f.CollectNamed(inum, flags)
	w := &dentWalker{f: f, flags: flags, fn: c.Wrap(fn), state: fsys.NewDirState(inum)}
	err := fsys.WalkErr(w.walkDir(inum))
	c.Finish(err)
	return err
}

func (w *dentWalker) walkDir(inum uint64) error {
	f := w.f
	log.Debugf("ntfs: processing directory %d", inum)
	in, err := f.InodeLookup(inum)
	if err != nil {
		return err
	}
	if !in.Mode.IsDir() {
		return fsys.Errorf(fsys.ErrArgument, "ntfs_dent_walk", "entry %d is not a directory", inum)
	}
	root := namedAttr(in.Attrs, attrIndexRoot, indexName)
	if root == nil {
		return fsys.Errorf(fsys.ErrCorrupt, "ntfs_dent_walk", "$INDEX_ROOT not found in directory %d", inum)
	}
	if !root.IsResident() || len(root.Buf) < idxRootHeader+nodeHeaderLen {
		return fsys.Errorf(fsys.ErrCorrupt, "ntfs_dent_walk", "$INDEX_ROOT of directory %d is too small", inum)
	}
	if t := binary.LittleEndian.Uint32(root.Buf[0:4]); t != attrFileName {
		return fsys.Errorf(fsys.ErrUnsupported, "ntfs_dent_walk", "directory %d indexes attribute type %#x", inum, t)
	}

	// a deleted directory has no names in use
	dirDel := in.Flags&fsys.InodeUnalloc != 0

	if inum != f.RootInum {
		if err := w.dots(in); err != nil {
			return err
		}
	}

	node := root.Buf[idxRootHeader:]
	used, slack, err := parseNodeHeader(node).split(node)
	if err != nil {
		return fmt.Errorf("$INDEX_ROOT of directory %d: %w", inum, err)
	}
	if err := w.procEntries(used, dirDel); err != nil {
		return err
	}
	if err := w.procEntries(slack, true); err != nil {
		return err
	}

	alloc := namedAttr(in.Attrs, attrIndexAllocation, indexName)
	if alloc == nil {
		return nil
	}
	return w.walkIndexAlloc(in, alloc, dirDel)
}

// dots reports "." and ".." for a directory other than the root, whose
// index does not hold them.
func (w *dentWalker) dots(in *fsys.Inode) error {
	if w.flags&fsys.DentAlloc == 0 {
		return nil
	}
	dot := &fsys.Dent{Inode: in.Addr, Name: ".", Type: fsys.DentDir, Flags: fsys.DentAlloc,
		Path: w.state.Path(), Depth: w.state.Depth(), Meta: in}
	if err := w.report(dot); err != nil {
		return err
	}
	if len(in.Names) == 0 {
		return nil
	}
	par := in.Names[0].ParInode
	dotdot := &fsys.Dent{Inode: par, Name: "..", Type: fsys.DentDir, Flags: fsys.DentAlloc,
		Path: w.state.Path(), Depth: w.state.Depth()}
	if pin, err := w.f.InodeLookup(par); err == nil {
		dotdot.Meta = pin
	}
	return w.report(dotdot)
}

// walkIndexAlloc processes the INDX records of a directory. Records are
// looked for at every sector-sized step so that a record that was moved
// or lost its neighbours is still found; those the $I30 bitmap marks free
// are reported as deleted.
func (w *dentWalker) walkIndexAlloc(in *fsys.Inode, alloc *fsys.Data, dirDel bool) error {
	f := w.f
	flags := fsys.FileFlag(0)
	if dirDel {
		flags |= fsys.FileRecover
	}
	if alloc.IsResident() {
		return fsys.Errorf(fsys.ErrCorrupt, "ntfs_dent_walk", "$INDEX_ALLOCATION of directory %d is resident", in.Addr)
	}
	buf, err := f.loadAttr(in.Addr, alloc, flags)
	if err != nil {
		return fmt.Errorf("$INDEX_ALLOCATION of directory %d: %w", in.Addr, err)
	}

	var bmap []byte
	if d := namedAttr(in.Attrs, attrBitmap, indexName); d != nil {
		if bmap, err = f.loadAttr(in.Addr, d, flags); err != nil {
			log.Debugf("ntfs: $BITMAP of directory %d: %v", in.Addr, err)
			bmap = nil
		}
	}

	rsize := int(f.idxRSize)
	step := min(int(f.BlockSize), rsize)
	rec := make([]byte, rsize)
	for off := 0; off+nodeHeaderLen+indxNodeOff <= len(buf); {
		if !bytes.Equal(buf[off:off+4], []byte(indxMagic)) {
			off += step
			continue
		}
		n := copy(rec, buf[off:])
		r := rec[:n]
		usaOff := binary.LittleEndian.Uint16(r[4:6])
		usaCnt := binary.LittleEndian.Uint16(r[6:8])
		if err := fixup(r, usaOff, usaCnt, f.ssize, "ntfs_fix_idxrec"); err != nil {
			log.Debugf("ntfs: index record at %d of directory %d: %v", off, in.Addr, err)
			off += step
			continue
		}

		recDel := dirDel
		if bmap != nil {
			i := off / rsize
			if i/8 >= len(bmap) || bmap[i/8]&(1<<(i%8)) == 0 {
				recDel = true
			}
		}

		node := r[indxNodeOff:]
		used, slack, err := parseNodeHeader(node).split(node)
		if err != nil {
			log.Debugf("ntfs: index record at %d of directory %d: %v", off, in.Addr, err)
			off += step
			continue
		}
		if err := w.procEntries(used, recDel); err != nil {
			return err
		}
		if err := w.procEntries(slack, true); err != nil {
			return err
		}
		off += rsize
	}
	return nil
}

// procEntries reports the index entries in b. Entries in use are walked
// by their length; in deleted space only entries that pass validDeleted
// are taken, the scan moving ahead 8 bytes over anything else.
func (w *dentWalker) procEntries(b []byte, del bool) error {
	for off := 0; off+idxEntryHeader <= len(b); {
		e := parseIdxEntry(b[off:])
		if !del {
			if e.length < idxEntryHeader || off+e.length > len(b) {
				log.Debugf("ntfs: index entry at %d has invalid length %d", off, e.length)
				return nil
			}
			if e.flags&idxFlagLast != 0 {
				return nil
			}
			if e.streamLen < fileNameHeader || idxEntryHeader+e.streamLen > e.length {
				off += e.length
				continue
			}
			fn, err := parseFileName(b[off+idxEntryHeader : off+idxEntryHeader+e.streamLen])
			if err != nil || e.ref > w.f.LastInum {
				off += e.length
				continue
			}
			if err := w.entry(e, fn, fsys.DentAlloc); err != nil {
				return err
			}
			off += e.length
			continue
		}

		fn, ok := w.validDeleted(b[off:], e)
		if !ok {
			off += 8
			continue
		}
		if err := w.entry(e, fn, fsys.DentUnalloc); err != nil {
			return err
		}
		off += (idxEntryHeader + e.streamLen + 7) &^ 7
	}
	return nil
}

// validDeleted checks an entry found in deleted space: the name must fit,
// the references must be in range and its times plausible.
func (w *dentWalker) validDeleted(b []byte, e idxEntry) (fileName, bool) {
	f := w.f
	if e.streamLen < fileNameHeader || idxEntryHeader+e.streamLen > len(b) {
		return fileName{}, false
	}
	fn, err := parseFileName(b[idxEntryHeader : idxEntryHeader+e.streamLen])
	if err != nil || fn.nlen == 0 || fn.nspace > fileNameBoth {
		return fileName{}, false
	}
	if e.ref > f.LastInum || fn.parRef < f.FirstInum || fn.parRef > f.LastInum {
		return fileName{}, false
	}
	for _, t := range []uint64{fn.crtime, fn.mtime, fn.ctime, fn.atime} {
		tm := ntTime(t)
		if tm.Before(minEntryTime) || !tm.Before(maxEntryTime) {
			return fileName{}, false
		}
	}
	return fn, true
}

// entry reports one name and descends into it when it is a directory in
// use.
func (w *dentWalker) entry(e idxEntry, fn fileName, myflags fsys.DentFlag) error {
	if fn.nspace == fileNameDOS {
		return nil
	}
	f := w.f
	dent := &fsys.Dent{
		Inode: e.ref,
		Name:  fn.name,
		Type:  fsys.DentReg,
		Flags: myflags,
		Path:  w.state.Path(),
		Depth: w.state.Depth(),
	}
	if fn.flags&fileNameFlagDir != 0 {
		dent.Type = fsys.DentDir
	}
	in, err := f.InodeLookup(e.ref)
	if err != nil {
		log.Debugf("ntfs: mft entry %d of %q: %v", e.ref, dent.Name, err)
	} else {
		dent.Meta = in
	}
	if err := w.report(dent); err != nil {
		return err
	}

	if myflags&fsys.DentAlloc == 0 || w.flags&fsys.DentRecurse == 0 || dent.IsDot() ||
		dent.Meta == nil || !dent.Meta.Mode.IsDir() {
		return nil
	}
	if !w.state.Enter(dent.Name, dent.Inode) {
		return nil
	}
	err = w.walkDir(dent.Inode)
	w.state.Leave()
	if err != nil {
		if w.cbErr != nil || !isDirError(err) {
			return err
		}
		log.Warnf("ntfs: directory %d: %v", dent.Inode, err)
	}
	return nil
}

func (w *dentWalker) report(dent *fsys.Dent) error {
	if !w.flags.Match(dent.Flags) {
		return nil
	}
	if err := w.fn(dent); err != nil {
		w.cbErr = err
		return err
	}
	return nil
}

// isDirError reports whether err came from a subdirectory that could not
// be read, rather than from the callback.
func isDirError(err error) bool {
	var fe *fsys.Error
	return errors.As(err, &fe)
}
