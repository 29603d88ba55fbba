package ntfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	mftHeaderSize = 42
	attrHeaderLen = 16
	resHeaderLen  = 24
	nonResHdrLen  = 64

	// distinct extension records remembered while following an
	// attribute list
	maxAttrListHist = 256
	attrListMinLen  = 26

	// 100ns intervals between 1601-01-01 and 1970-01-01
	epochDiff = 116444736000000000
)

// entryState tracks an MFT record through lookup and copy.
type entryState int

const (
	entryNotLoaded entryState = iota
	entryRaw                  // read and update sequence repaired
	entryAttrs                // attributes and attribute list processed
	entryCopied               // copied into a generic inode
)

func (s entryState) String() string {
	return [...]string{"not loaded", "raw", "attributes loaded", "copied"}[s]
}

// mftHeader is the fixed part of an MFT record.
type mftHeader struct {
	magic   string
	usaOff  uint16
	usaCnt  uint16
	lsn     uint64
	seq     uint16
	link    uint16
	attrOff uint16
	flags   uint16
	used    uint32
	alloc   uint32
	baseRef uint64
	baseSeq uint16
	nextID  uint16
}

func parseMFTHeader(b []byte) mftHeader {
	return mftHeader{
		magic:   string(b[0:4]),
		usaOff:  binary.LittleEndian.Uint16(b[4:6]),
		usaCnt:  binary.LittleEndian.Uint16(b[6:8]),
		lsn:     binary.LittleEndian.Uint64(b[8:16]),
		seq:     binary.LittleEndian.Uint16(b[16:18]),
		link:    binary.LittleEndian.Uint16(b[18:20]),
		attrOff: binary.LittleEndian.Uint16(b[20:22]),
		flags:   binary.LittleEndian.Uint16(b[22:24]),
		used:    binary.LittleEndian.Uint32(b[24:28]),
		alloc:   binary.LittleEndian.Uint32(b[28:32]),
		baseRef: mftRef(b[32:]),
		baseSeq: binary.LittleEndian.Uint16(b[38:40]),
		nextID:  binary.LittleEndian.Uint16(b[40:42]),
	}
}

// mftRef returns the 48-bit entry number of a file reference.
func mftRef(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b[0:8]) & 0x0000FFFFFFFFFFFF
}

// entry is one MFT record on its way to becoming an inode.
type entry struct {
	num   uint64
	buf   []byte
	hdr   mftHeader
	state entryState
}

// ntTime converts an NT timestamp, 100ns intervals since 1601, to a time.
// Values up to the Unix epoch read as unset.
func ntTime(t uint64) time.Time {
	if t <= epochDiff {
		return time.Time{}
	}
	d := t - epochDiff
	return time.Unix(int64(d/1e7), int64(d%1e7)*100).UTC()
}

// fixup checks and undoes the update sequence of a multi-sector record:
// the last two bytes of every sector hold the sequence number, and the
// array at usaOff keeps the bytes they replaced.
func fixup(buf []byte, usaOff, usaCnt uint16, ssize uint32, op string) error {
	if usaCnt == 0 {
		return nil
	}
	n := int(usaCnt) - 1
	if n*int(ssize) > len(buf) {
		return fsys.Errorf(fsys.ErrCorrupt, op, "update sequence of %d sectors is larger than the %d byte record", n, len(buf))
	}
	if int(usaOff)+2*int(usaCnt) > len(buf) {
		return fsys.Errorf(fsys.ErrCorrupt, op, "update sequence array at %d runs past the record", usaOff)
	}
	sig := buf[usaOff : usaOff+2]
	for i := 1; i <= n; i++ {
		pos := i*int(ssize) - 2
		if buf[pos] != sig[0] || buf[pos+1] != sig[1] {
			return fsys.Errorf(fsys.ErrCorrupt, op, "incorrect update sequence value in sector %d", i)
		}
		src := int(usaOff) + 2*i
		buf[pos], buf[pos+1] = buf[src], buf[src+1]
	}
	return nil
}

// dinodeLookup reads MFT entry num and repairs its update sequence.
func (f *FS) dinodeLookup(num uint64) (*entry, error) {
	if num > f.LastInum {
		return nil, fsys.Errorf(fsys.ErrArgument, "ntfs_dinode_lookup", "mft entry too large: %d", num)
	}
	e := &entry{num: num, buf: make([]byte, f.mftRSize)}
	if err := f.readEntry(e); err != nil {
		return nil, err
	}
	e.hdr = parseMFTHeader(e.buf)
	if err := fixup(e.buf, e.hdr.usaOff, e.hdr.usaCnt, f.ssize, "ntfs_dinode_lookup"); err != nil {
		return nil, fmt.Errorf("mft entry %d: %w", num, err)
	}
	e.state = entryRaw
	return e, nil
}

// readEntry reads the bytes of an entry. While $MFT is being loaded they
// come from the fixed place after its first cluster; afterwards the
// entry's offset in $MFT is mapped through its runs, and an entry may
// continue into the next run.
func (f *FS) readEntry(e *entry) error {
	rsize := int64(f.mftRSize)
	bs := int64(f.BlockSize)
	if f.mftData == nil {
		if e.num > lastDefaultIno {
			return fsys.Errorf(fsys.ErrArgument, "ntfs_dinode_lookup", "mft entry %d read before $MFT is loaded", e.num)
		}
		if _, err := f.ReadRandom(e.buf, int64(f.mftClust)*bs+int64(e.num)*rsize); err != nil {
			return fmt.Errorf("reading mft entry %d: %w", e.num, err)
		}
		return nil
	}

	off := int64(e.num) * rsize
	buf := e.buf
	for _, r := range f.mftData.Runs {
		start := int64(r.Offset) * bs
		end := int64(r.End()) * bs
		if off >= end {
			continue
		}
		if r.Flags&(fsys.RunSparse|fsys.RunFiller) != 0 {
			return fsys.Errorf(fsys.ErrCorrupt, "ntfs_dinode_lookup", "mft entry %d is in a run of $MFT that is not mapped", e.num)
		}
		if r.Addr+r.Len-1 > f.LastBlock {
			return fsys.Errorf(fsys.ErrCorrupt, "ntfs_dinode_lookup", "run of $MFT at %d is past the end of the volume", r.Addr)
		}
		n := end - off
		if n > int64(len(buf)) {
			n = int64(len(buf))
		}
		if n < int64(len(buf)) {
			log.Debugf("ntfs: mft entry %d spans two runs", e.num)
		}
		if _, err := f.ReadRandom(buf[:n], int64(r.Addr)*bs+off-start); err != nil {
			return fmt.Errorf("reading mft entry %d: %w", e.num, err)
		}
		buf = buf[n:]
		off += n
		if len(buf) == 0 {
			return nil
		}
	}
	return fsys.Errorf(fsys.ErrCorrupt, "ntfs_dinode_lookup", "mft entry %d is past the end of $MFT", e.num)
}

// attr is one decoded attribute header. value is the content of a
// resident attribute, runs the encoded run list of a non-resident one.
type attr struct {
	typ     uint32
	length  uint32
	nonRes  bool
	flags   uint16
	id      uint16
	name    string
	value   []byte
	runs    []byte
	raw     []byte
	startVC uint64
	lastVC  uint64
	compU   uint16
	alloc   int64
	size    int64
	init    int64
}

// parseAttr decodes the attribute at the start of b. A zero length attr
// with type attrEnd ends the sequence.
func parseAttr(b []byte) (attr, error) {
	const op = "ntfs_proc_attrseq"
	if len(b) >= 4 && binary.LittleEndian.Uint32(b) == attrEnd {
		return attr{typ: attrEnd}, nil
	}
	if len(b) < attrHeaderLen {
		return attr{}, fsys.Errorf(fsys.ErrCorrupt, op, "attribute header runs past the entry")
	}
	a := attr{
		typ:    binary.LittleEndian.Uint32(b[0:4]),
		length: binary.LittleEndian.Uint32(b[4:8]),
		nonRes: b[8] != 0,
		flags:  binary.LittleEndian.Uint16(b[12:14]),
		id:     binary.LittleEndian.Uint16(b[14:16]),
	}
	if a.length < attrHeaderLen || uint64(a.length) > uint64(len(b)) {
		return attr{}, fsys.Errorf(fsys.ErrCorrupt, op, "attribute %d-%d has invalid length %d", a.typ, a.id, a.length)
	}
	a.raw = b[:a.length]

	nlen := int(b[9])
	noff := int(binary.LittleEndian.Uint16(b[10:12]))
	switch {
	case nlen == 0 && a.typ == attrData:
		a.name = fsys.DefaultDataName
	case nlen == 0:
		a.name = "N/A"
	case noff+2*nlen <= len(a.raw):
		a.name = utf16Name(a.raw[noff : noff+2*nlen])
	}

	if !a.nonRes {
		if len(a.raw) < resHeaderLen {
			return attr{}, fsys.Errorf(fsys.ErrCorrupt, op, "resident attribute %d-%d is too short", a.typ, a.id)
		}
		ssize := uint64(binary.LittleEndian.Uint32(a.raw[16:20]))
		soff := uint64(binary.LittleEndian.Uint16(a.raw[20:22]))
		if soff+ssize > uint64(len(a.raw)) {
			return attr{}, fsys.Errorf(fsys.ErrCorrupt, op, "resident attribute %d-%d starting offset and length too large", a.typ, a.id)
		}
		a.value = a.raw[soff : soff+ssize]
		return a, nil
	}

	if len(a.raw) < nonResHdrLen {
		return attr{}, fsys.Errorf(fsys.ErrCorrupt, op, "non-resident attribute %d-%d is too short", a.typ, a.id)
	}
	a.startVC = binary.LittleEndian.Uint64(a.raw[16:24])
	a.lastVC = binary.LittleEndian.Uint64(a.raw[24:32])
	runOff := int(binary.LittleEndian.Uint16(a.raw[32:34]))
	a.compU = binary.LittleEndian.Uint16(a.raw[34:36])
	a.alloc = int64(binary.LittleEndian.Uint64(a.raw[40:48]))
	a.size = int64(binary.LittleEndian.Uint64(a.raw[48:56]))
	a.init = int64(binary.LittleEndian.Uint64(a.raw[56:64]))
	if runOff > len(a.raw) {
		return attr{}, fsys.Errorf(fsys.ErrCorrupt, op, "run list of attribute %d-%d starts past its end", a.typ, a.id)
	}
	if a.compU > 16 || a.size < 0 {
		return attr{}, fsys.Errorf(fsys.ErrCorrupt, op, "attribute %d-%d has invalid sizes", a.typ, a.id)
	}
	a.runs = a.raw[runOff:]
	return a, nil
}

// procAttrSeq adds the attributes of record e to in. An attribute list
// is returned rather than followed; the caller decides when the other
// records are read.
func (f *FS) procAttrSeq(in *fsys.Inode, e *entry) (*fsys.Data, error) {
	var list *fsys.Data
	bs := int64(f.BlockSize)
	b := e.buf
	for off := int(e.hdr.attrOff); off < len(b); {
		a, err := parseAttr(b[off:])
		if err != nil {
			return nil, fmt.Errorf("mft entry %d: %w", e.num, err)
		}
		if a.typ == attrEnd {
			break
		}
		off += int(a.length)

		var d *fsys.Data
		if !a.nonRes {
			d = in.Attrs.PutResident(a.name, a.typ, a.id, a.value, 0)
		} else {
			runs, err := f.decodeRuns(e.num, a.startVC, a.runs)
			if err != nil {
				return nil, fmt.Errorf("mft entry %d attribute %d-%d: %w", e.num, a.typ, a.id, err)
			}
			var flags fsys.DataFlag
			if a.flags&attrFlagComp != 0 {
				flags |= fsys.DataComp
				in.Flags |= fsys.InodeComp
			}
			if a.flags&attrFlagEnc != 0 {
				flags |= fsys.DataEnc
			}
			if a.flags&attrFlagSparse != 0 {
				flags |= fsys.DataSparse
			}

			// extension records may carry id 0 for a fragment of an
			// attribute that is already known by name
			id := a.id
			if id == 0 {
				for _, o := range in.Attrs.Attrs() {
					if o.Flags&fsys.DataInUse != 0 && o.Type == a.typ && o.Name == a.name {
						id = o.ID
						break
					}
				}
			}
			var comp uint32
			if a.compU > 0 {
				comp = 1 << a.compU
			}
			var clusters uint64
			for _, r := range runs {
				clusters += r.Len
			}
			if len(runs) == 0 && in.Attrs.Lookup(a.typ, id) != nil {
				continue
			}
			if err := in.Attrs.PutRun(runs, int64(clusters)*bs, a.name, a.typ, id, a.size, flags, comp); err != nil {
				return nil, fmt.Errorf("mft entry %d attribute %d-%d: %w", e.num, a.typ, id, err)
			}
			d = in.Attrs.Lookup(a.typ, id)
			if a.startVC == 0 {
				// only the first fragment carries the sizes
				d.Size = a.size
				d.CompSize = comp
				d.Flags |= flags
			}
		}

		switch a.typ {
		case attrStandardInfo:
			if a.nonRes {
				return nil, fsys.Errorf(fsys.ErrCorrupt, "ntfs_proc_attrseq", "standard information attribute of entry %d is not resident", e.num)
			}
			if err := copyStandardInfo(in, a.value); err != nil {
				return nil, fmt.Errorf("mft entry %d: %w", e.num, err)
			}
		case attrFileName:
			if a.nonRes {
				return nil, fsys.Errorf(fsys.ErrCorrupt, "ntfs_proc_attrseq", "file name attribute of entry %d is not resident", e.num)
			}
			fn, err := parseFileName(a.value)
			if err != nil {
				return nil, fmt.Errorf("mft entry %d: %w", e.num, err)
			}
			if fn.nspace == fileNameDOS {
				continue
			}
			in.Names = append(in.Names, fsys.Name{Name: fn.name, ParInode: fn.parRef, ParSeq: uint32(fn.parSeq)})
		case attrAttributeList:
			if list != nil {
				return nil, fsys.Errorf(fsys.ErrCorrupt, "ntfs_proc_attrseq", "entry %d has more than one attribute list", e.num)
			}
			list = d
		}
	}
	return list, nil
}

// standard information file attribute flags
const (
	dosReadOnly = 0x0001
	dosHidden   = 0x0002
)

func copyStandardInfo(in *fsys.Inode, v []byte) error {
	if len(v) < 36 {
		return fsys.Errorf(fsys.ErrCorrupt, "ntfs_proc_attrseq", "standard information attribute of %d bytes", len(v))
	}
	in.Crtime = ntTime(binary.LittleEndian.Uint64(v[0:8]))
	in.Mtime = ntTime(binary.LittleEndian.Uint64(v[8:16]))
	in.Ctime = ntTime(binary.LittleEndian.Uint64(v[16:24]))
	in.Atime = ntTime(binary.LittleEndian.Uint64(v[24:32]))
	dos := binary.LittleEndian.Uint32(v[32:36])
	if len(v) >= 52 {
		in.UID = binary.LittleEndian.Uint32(v[48:52])
	}
	in.Mode |= fsys.ModeIRUSR | fsys.ModeIRGRP | fsys.ModeIROTH | fsys.ModeIXUSR | fsys.ModeIXGRP | fsys.ModeIXOTH
	if dos&dosReadOnly == 0 {
		in.Mode |= fsys.ModeIWUSR | fsys.ModeIWGRP | fsys.ModeIWOTH
	}
	return nil
}

// fileName is a decoded $FILE_NAME value, as held both in an MFT entry
// and in a directory index entry.
type fileName struct {
	parRef  uint64
	parSeq  uint16
	crtime  uint64
	mtime   uint64
	ctime   uint64
	atime   uint64
	alloc   uint64
	size    uint64
	flags   uint64
	nlen    int
	nspace  uint8
	name    string
	rawName []byte
}

const fileNameHeader = 66

func parseFileName(v []byte) (fileName, error) {
	if len(v) < fileNameHeader {
		return fileName{}, fsys.Errorf(fsys.ErrCorrupt, "ntfs_proc_attrseq", "file name attribute of %d bytes", len(v))
	}
	fn := fileName{
		parRef: mftRef(v[0:]),
		parSeq: binary.LittleEndian.Uint16(v[6:8]),
		crtime: binary.LittleEndian.Uint64(v[8:16]),
		mtime:  binary.LittleEndian.Uint64(v[16:24]),
		ctime:  binary.LittleEndian.Uint64(v[24:32]),
		atime:  binary.LittleEndian.Uint64(v[32:40]),
		alloc:  binary.LittleEndian.Uint64(v[40:48]),
		size:   binary.LittleEndian.Uint64(v[48:56]),
		flags:  binary.LittleEndian.Uint64(v[56:64]),
		nlen:   int(v[64]),
		nspace: v[65],
	}
	end := fileNameHeader + 2*fn.nlen
	if end > len(v) {
		return fileName{}, fsys.Errorf(fsys.ErrCorrupt, "ntfs_proc_attrseq", "file name of %d characters runs past the attribute", fn.nlen)
	}
	fn.rawName = v[fileNameHeader:end]
	fn.name = utf16Name(fn.rawName)
	return fn, nil
}

// attrsDone sets the size of in once its attributes are known. While the
// MFT is loading it also takes the runs and entry count of $MFT from
// entry 0.
func (f *FS) attrsDone(in *fsys.Inode) error {
	switch d := defaultStream(in.Attrs); {
	case d != nil:
		in.Size = d.Size
	case namedAttr(in.Attrs, attrIndexRoot, indexName) != nil:
		in.Size = namedAttr(in.Attrs, attrIndexRoot, indexName).Size
	default:
		in.Size = 0
	}

	if !f.loading || in.Addr != mftMFT {
		return nil
	}
	if f.mftData == nil {
		f.mftData = defaultStream(in.Attrs)
		if f.mftData == nil {
			return fsys.Errorf(fsys.ErrCorrupt, "ntfs_load_mft", "$Data not found while loading the MFT")
		}
	}
	count := uint64(f.mftData.Size) / uint64(f.mftRSize)
	if count == 0 {
		return fsys.Errorf(fsys.ErrCorrupt, "ntfs_load_mft", "$MFT of %d bytes holds no entries", f.mftData.Size)
	}
	f.InumCount = count
	f.LastInum = count - 1
	return nil
}

// procAttrList reads the records an attribute list of base points to and
// adds their attributes to in. Each record is read once, whatever order
// the list names them in.
func (f *FS) procAttrList(in *fsys.Inode, base *entry, list *fsys.Data) error {
	const op = "ntfs_proc_attrlist"
	flags := fsys.FileFlag(0)
	if base.hdr.flags&mftFlagInUse == 0 {
		flags |= fsys.FileRecover
	}
	buf, err := f.loadAttr(base.num, list, flags)
	if err != nil {
		return fmt.Errorf("attribute list of entry %d: %w", base.num, err)
	}

	hist := []uint64{base.num}
	for off := 0; off+attrListMinLen <= len(buf); {
		le := buf[off:]
		llen := int(binary.LittleEndian.Uint16(le[4:6]))
		if llen < attrListMinLen {
			log.Debugf("ntfs: attribute list of entry %d ends at %d with length %d", base.num, off, llen)
			break
		}
		off += llen
		ref := mftRef(le[16:])

		if slices.Contains(hist, ref) {
			continue
		}
		if len(hist) < maxAttrListHist {
			hist = append(hist, ref)
		}
		if ref < f.FirstInum || ref > f.LastInum {
			log.Debugf("ntfs: attribute list of entry %d names invalid entry %d", base.num, ref)
			continue
		}

		ext, err := f.dinodeLookup(ref)
		if err != nil {
			if errors.Is(err, fsys.ErrCorrupt) {
				log.Debugf("ntfs: extension %d of entry %d: %v", ref, base.num, err)
				continue
			}
			return err
		}
		if ext.hdr.baseRef != base.num {
			// a deleted file's extension records are often reused
			if base.hdr.flags&mftFlagInUse == 0 {
				log.Debugf("ntfs: extension %d of deleted entry %d now belongs to %d", ref, base.num, ext.hdr.baseRef)
				continue
			}
			return fsys.Errorf(fsys.ErrCorrupt, op, "extension record %d (base %d) is not for entry %d", ref, ext.hdr.baseRef, base.num)
		}
		if _, err := f.procAttrSeq(in, ext); err != nil {
			if errors.Is(err, fsys.ErrCorrupt) {
				log.Debugf("ntfs: extension %d of entry %d: %v", ref, base.num, err)
				continue
			}
			return err
		}
		ext.state = entryAttrs
	}
	return nil
}

// loadAttr returns the content of attribute d of entry num.
func (f *FS) loadAttr(num uint64, d *fsys.Data, flags fsys.FileFlag) ([]byte, error) {
	if d.IsResident() {
		return d.Buf, nil
	}
	if d.Size < 0 || d.Size > d.AllocSize {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "ntfs_load_attr", "attribute %d-%d of entry %d has size %d but %d allocated", d.Type, d.ID, num, d.Size, d.AllocSize)
	}
	buf := make([]byte, 0, d.Size)
	err := f.dataWalk(num, d, flags, func(_ uint64, b []byte, _ fsys.BlockFlag) error {
		buf = append(buf, b...)
		if int64(len(buf)) >= d.Size {
			return fsys.StopWalk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) < d.Size {
		return nil, fsys.Errorf(fsys.ErrRead, "ntfs_load_attr", "attribute %d-%d of entry %d: %d of %d bytes", d.Type, d.ID, num, len(buf), d.Size)
	}
	return buf[:d.Size], nil
}

// dinodeCopy fills in from the raw record e, following its attribute
// list.
func (f *FS) dinodeCopy(in *fsys.Inode, e *entry) error {
	if e.state != entryRaw {
		return fsys.Errorf(fsys.ErrArgument, "ntfs_dinode_copy", "mft entry %d is %s", e.num, e.state)
	}
	in.Addr = e.num
	in.Nlink = int(e.hdr.link)
	in.Seq = uint32(e.hdr.seq)
	in.Size = 0
	in.UID, in.GID = 0, 0
	in.Mtime, in.Atime, in.Ctime, in.Crtime, in.Dtime = time.Time{}, time.Time{}, time.Time{}, time.Time{}, time.Time{}
	in.Link = ""
	in.Names = nil
	in.Attrs = fsys.NewDataList()

	if e.hdr.flags&mftFlagDir != 0 {
		in.Mode = fsys.ModeDir
	} else {
		in.Mode = fsys.ModeReg
	}
	if e.hdr.flags&mftFlagInUse != 0 {
		in.Flags = fsys.InodeAlloc
	} else {
		in.Flags = fsys.InodeUnalloc
	}

	if e.hdr.attrOff != 0 && int(e.hdr.attrOff) < len(e.buf) {
		list, err := f.procAttrSeq(in, e)
		if err != nil {
			return err
		}
		if err := f.attrsDone(in); err != nil {
			return err
		}
		if list != nil {
			if err := f.procAttrList(in, e, list); err != nil {
				return err
			}
			if err := f.attrsDone(in); err != nil {
				return err
			}
		}
	}
	e.state = entryAttrs

	if in.Attrs.Len() > 0 {
		in.Flags |= fsys.InodeUsed
	} else {
		in.Flags |= fsys.InodeUnused
	}
	e.state = entryCopied
	return nil
}

// InodeLookup loads MFT entry inum with all its attributes.
func (f *FS) InodeLookup(inum uint64) (*fsys.Inode, error) {
	e, err := f.dinodeLookup(inum)
	if err != nil {
		return nil, err
	}
	in := fsys.NewInode(0, 0)
	if err := f.dinodeCopy(in, e); err != nil {
		return nil, err
	}
	return in, nil
}

// InodeWalk visits the base records start..end. Extension records are
// part of their base entry and are not visited on their own. Entries that
// fail their update sequence check are skipped.
func (f *FS) InodeWalk(start, end uint64, flags fsys.InodeFlag, fn fsys.InodeWalkFunc) error {
	if err := f.CheckInodeRange("ntfs_inode_walk", start, end); err != nil {
		return err
	}
	if end < start {
		return fsys.Errorf(fsys.ErrWalkRange, "ntfs_inode_walk", "end entry %d before start %d", end, start)
	}
	flags = flags.Norm()

	if flags&fsys.InodeOrphan != 0 {
		if err := f.LoadNamed(f); err != nil {
			return fmt.Errorf("identifying entries allocated by file names: %w", err)
		}
	}

	for inum := start; inum <= end; inum++ {
		e, err := f.dinodeLookup(inum)
		if err != nil {
			if fsys.Recoverable(err) {
				log.Warnf("ntfs: %v", err)
				continue
			}
			return err
		}
		if e.hdr.baseRef != 0 {
			continue
		}

		myflags := fsys.InodeUnalloc
		if e.hdr.flags&mftFlagInUse != 0 {
			myflags = fsys.InodeAlloc
		}
		if e.hdr.attrOff != 0 {
			myflags |= fsys.InodeUsed
		} else {
			myflags |= fsys.InodeUnused
		}
		if !flags.Match(myflags) {
			continue
		}
		if myflags&fsys.InodeUnalloc != 0 && flags&fsys.InodeOrphan != 0 && f.IsNamed(inum) {
			continue
		}

		in := fsys.NewInode(0, 0)
		if err := f.dinodeCopy(in, e); err != nil {
			if fsys.Recoverable(err) {
				log.Warnf("ntfs: mft entry %d: %v", inum, err)
				continue
			}
			return err
		}
		if err := fn(in); err != nil {
			return fsys.WalkErr(err)
		}
	}
	return nil
}
