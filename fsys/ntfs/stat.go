package ntfs

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvdlvd/rawhide/fsys"
)

const attrDefSize = 160

// attrDef is one record of $AttrDef.
type attrDef struct {
	label   string
	typ     uint32
	flags   uint32
	minSize int64
	maxSize int64
}

// $AttrDef flags
const (
	adefIndexed     = 0x02
	adefResident    = 0x40
	adefNonResident = 0x80
)

// attrNames stands in for $AttrDef when it cannot be read.
var attrNames = map[uint32]string{
	attrStandardInfo:    "$STANDARD_INFORMATION",
	attrAttributeList:   "$ATTRIBUTE_LIST",
	attrFileName:        "$FILE_NAME",
	attrObjectID:        "$OBJECT_ID",
	attrSecurityDesc:    "$SECURITY_DESCRIPTOR",
	attrVolumeName:      "$VOLUME_NAME",
	attrVolumeInfo:      "$VOLUME_INFORMATION",
	attrData:            "$DATA",
	attrIndexRoot:       "$INDEX_ROOT",
	attrIndexAllocation: "$INDEX_ALLOCATION",
	attrBitmap:          "$BITMAP",
	attrReparsePoint:    "$REPARSE_POINT",
	attrEAInfo:          "$EA_INFORMATION",
	attrEA:              "$EA",
	attrLoggedStream:    "$LOGGED_UTILITY_STREAM",
}

// parseAttrDefs decodes the records of $AttrDef up to the first with
// type 0.
func parseAttrDefs(b []byte) []attrDef {
	var defs []attrDef
	for off := 0; off+attrDefSize <= len(b); off += attrDefSize {
		r := b[off : off+attrDefSize]
		typ := binary.LittleEndian.Uint32(r[0x80:])
		if typ == 0 {
			break
		}
		name := r[:0x80]
		for i := 0; i+1 < len(name); i += 2 {
			if name[i] == 0 && name[i+1] == 0 {
				name = name[:i]
				break
			}
		}
		defs = append(defs, attrDef{
			label:   utf16Name(name),
			typ:     typ,
			flags:   binary.LittleEndian.Uint32(r[0x8C:]),
			minSize: int64(binary.LittleEndian.Uint64(r[0x90:])),
			maxSize: int64(binary.LittleEndian.Uint64(r[0x98:])),
		})
	}
	return defs
}

func (f *FS) loadAttrDefs() error {
	if f.attrDefs != nil {
		return nil
	}
	in, err := f.InodeLookup(mftAttrDef)
	if err != nil {
		return fmt.Errorf("loading $AttrDef: %w", err)
	}
	b, err := fsys.LoadFile(f, in, attrData, 0, fsys.FileNoID)
	if err != nil {
		return fmt.Errorf("loading $AttrDef: %w", err)
	}
	f.attrDefs = parseAttrDefs(b)
	if len(f.attrDefs) == 0 {
		return fsys.Errorf(fsys.ErrCorrupt, "ntfs_load_attrdef", "$AttrDef holds no attribute types")
	}
	return nil
}

// typeName returns the label of attribute type typ.
func (f *FS) typeName(typ uint32) string {
	if f.loadAttrDefs() == nil {
		for _, d := range f.attrDefs {
			if d.typ == typ {
				return d.label
			}
		}
	}
	if s, ok := attrNames[typ]; ok {
		return s
	}
	return "?"
}

func (d attrDef) flagString() string {
	var parts []string
	if d.flags&adefIndexed != 0 {
		parts = append(parts, "Indexed")
	}
	if d.flags&adefResident != 0 {
		parts = append(parts, "Resident")
	}
	if d.flags&adefNonResident != 0 {
		parts = append(parts, "Non-resident")
	}
	return strings.Join(parts, ", ")
}

// volumeName returns the $VOLUME_NAME of $Volume.
func (f *FS) volumeName() (string, error) {
	in, err := f.InodeLookup(mftVolume)
	if err != nil {
		return "", err
	}
	d := in.Attrs.LookupNoID(attrVolumeName)
	if d == nil || !d.IsResident() {
		return "", nil
	}
	return utf16Name(d.Buf), nil
}

// FsStat writes the boot sector geometry, the MFT layout and the
// attribute types of $AttrDef.
func (f *FS) FsStat(w io.Writer) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	fmt.Fprintf(bw, "FILE SYSTEM INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "File System Type: %s\n", f.Type)
	fmt.Fprintf(bw, "Volume Serial Number: %016X\n", f.serial)
	fmt.Fprintf(bw, "OEM Name: %s\n", strings.TrimSpace(fsys.Clean(f.oemName)))
	name, err := f.volumeName()
	if err != nil {
		return err
	}
	fmt.Fprintf(bw, "Volume Name: %s\n", name)
	fmt.Fprintf(bw, "Version: %s\n", f.ver)

	fmt.Fprintf(bw, "\nMETADATA INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "First Cluster of MFT: %d\n", f.mftClust)
	fmt.Fprintf(bw, "First Cluster of MFT Mirror: %d\n", f.mirrClust)
	fmt.Fprintf(bw, "Size of MFT Entries: %d bytes\n", f.mftRSize)
	fmt.Fprintf(bw, "Size of Index Records: %d bytes\n", f.idxRSize)
	fmt.Fprintf(bw, "Range: %d - %d\n", f.FirstInum, f.LastInum)
	fmt.Fprintf(bw, "Root Directory: %d\n", f.RootInum)

	fmt.Fprintf(bw, "\nCONTENT INFORMATION\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	fmt.Fprintf(bw, "Sector Size: %d\n", f.ssize)
	fmt.Fprintf(bw, "Cluster Size: %d\n", f.BlockSize)
	fmt.Fprintf(bw, "Total Cluster Range: %d - %d\n", f.FirstBlock, f.LastBlock)
	if f.LastBlock != f.LastBlockAct {
		fmt.Fprintf(bw, "Total Cluster Range in Image: %d - %d\n", f.FirstBlock, f.LastBlockAct)
	}
	fmt.Fprintf(bw, "Total Sectors: %d\n", f.totSect)
	var free uint64
	for addr := f.FirstBlock; addr <= f.LastBlock; addr++ {
		alloc, err := f.isClustAlloc(addr)
		if err != nil {
			return err
		}
		if !alloc {
			free++
		}
	}
	fmt.Fprintf(bw, "Free Clusters: %d\n", free)

	fmt.Fprintf(bw, "\nATTRIBUTE TYPES (Type: Name)\n")
	fmt.Fprintf(bw, "--------------------------------------------\n")
	if err := f.loadAttrDefs(); err != nil {
		fmt.Fprintf(bw, "Error loading attribute definitions: %v\n", err)
		return bw.Flush()
	}
	for _, d := range f.attrDefs {
		fmt.Fprintf(bw, "%s (%d-%#x)   Size: %d-%d   Flags: %s\n", d.label, d.typ, d.typ, d.minSize, d.maxSize, d.flagString())
	}
	return bw.Flush()
}

type flagName struct {
	bit  uint32
	name string
}

var dosFlagNames = []flagName{
	{0x0001, "Read Only"},
	{0x0002, "Hidden"},
	{0x0004, "System"},
	{0x0020, "Archive"},
	{0x0040, "Device"},
	{0x0080, "Normal"},
	{0x0100, "Temporary"},
	{0x0200, "Sparse"},
	{0x0400, "Reparse Point"},
	{0x0800, "Compressed"},
	{0x1000, "Offline"},
	{0x2000, "Content Not Indexed"},
	{0x4000, "Encrypted"},
	{fileNameFlagDir, "Directory"},
	{0x20000000, "Index View"},
}

func dosFlags(v uint32) string {
	var parts []string
	for _, fl := range dosFlagNames {
		if v&fl.bit != 0 {
			parts = append(parts, fl.name)
		}
	}
	return strings.Join(parts, ", ")
}

// ntGUID formats an object id, whose first three fields are stored
// little-endian.
func ntGUID(b []byte) string {
	var u uuid.UUID
	copy(u[:], b)
	u[0], u[1], u[2], u[3] = u[3], u[2], u[1], u[0]
	u[4], u[5] = u[5], u[4]
	u[6], u[7] = u[7], u[6]
	return u.String()
}

func adjust(t time.Time, skew time.Duration) time.Time {
	if t.IsZero() || skew == 0 {
		return t
	}
	return t.Add(-skew)
}

// ntTimes is the time set of $STANDARD_INFORMATION and $FILE_NAME.
type ntTimes struct {
	crtime, mtime, ctime, atime time.Time
}

func (t ntTimes) print(w io.Writer, skew time.Duration) {
	fmt.Fprintf(w, "Created:\t%s\n", fsys.FormatTime(adjust(t.crtime, skew)))
	fmt.Fprintf(w, "File Modified:\t%s\n", fsys.FormatTime(adjust(t.mtime, skew)))
	fmt.Fprintf(w, "MFT Modified:\t%s\n", fsys.FormatTime(adjust(t.ctime, skew)))
	fmt.Fprintf(w, "Accessed:\t%s\n", fsys.FormatTime(adjust(t.atime, skew)))
}

func (t ntTimes) printSkewed(w io.Writer, skew int32) {
	if skew == 0 {
		t.print(w, 0)
		return
	}
	fmt.Fprintf(w, "Adjusted times:\n")
	t.print(w, time.Duration(skew)*time.Second)
	fmt.Fprintf(w, "\nOriginal times:\n")
	t.print(w, 0)
}

// clusterList prints the cluster addresses of an attribute eight to a
// line, at most limit of them when limit is not 0.
type clusterList struct {
	w     io.Writer
	idx   int
	n     uint64
	limit uint64
}

func (l *clusterList) add(addr uint64, _ []byte, _ fsys.BlockFlag) error {
	if l.limit > 0 && l.n >= l.limit {
		return fsys.StopWalk
	}
	l.n++
	fmt.Fprintf(l.w, "%d ", addr)
	if l.idx++; l.idx == 8 {
		fmt.Fprintf(l.w, "\n")
		l.idx = 0
	}
	return nil
}

func (l *clusterList) end() {
	if l.idx != 0 {
		fmt.Fprintf(l.w, "\n")
	}
	l.idx = 0
}

// IStat writes the record header, the standard information, the file
// names and the attributes of entry inum, with the clusters of each
// non-resident attribute.
func (f *FS) IStat(w io.Writer, inum uint64, numBlocks uint64, skew int32) error {
	e, err := f.dinodeLookup(inum)
	if err != nil {
		return err
	}
	in := fsys.NewInode(0, 0)
	if err := f.dinodeCopy(in, e); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	fmt.Fprintf(bw, "MFT Entry Header Values:\n")
	fmt.Fprintf(bw, "Entry: %d        Sequence: %d\n", inum, e.hdr.seq)
	if e.hdr.baseRef != 0 {
		fmt.Fprintf(bw, "Base File Record: %d\n", e.hdr.baseRef)
	}
	fmt.Fprintf(bw, "$LogFile Sequence Number: %d\n", e.hdr.lsn)
	if in.Flags&fsys.InodeAlloc != 0 {
		fmt.Fprintf(bw, "Allocated ")
	} else {
		fmt.Fprintf(bw, "Not Allocated ")
	}
	if in.Mode.IsDir() {
		fmt.Fprintf(bw, "Directory\n")
	} else {
		fmt.Fprintf(bw, "File\n")
	}
	fmt.Fprintf(bw, "Links: %d\n", in.Nlink)

	if d := in.Attrs.LookupNoID(attrStandardInfo); d != nil && d.IsResident() && len(d.Buf) >= 36 {
		v := d.Buf
		fmt.Fprintf(bw, "\n$STANDARD_INFORMATION Attribute Values:\n")
		fmt.Fprintf(bw, "Flags: %s\n", dosFlags(binary.LittleEndian.Uint32(v[32:36])))
		if len(v) >= 72 {
			fmt.Fprintf(bw, "Owner ID: %d\n", binary.LittleEndian.Uint32(v[48:52]))
			fmt.Fprintf(bw, "Security ID: %d\n", binary.LittleEndian.Uint32(v[52:56]))
			fmt.Fprintf(bw, "Quota Charged: %d\n", binary.LittleEndian.Uint64(v[56:64]))
			fmt.Fprintf(bw, "Last User Journal Update Sequence Number: %d\n", binary.LittleEndian.Uint64(v[64:72]))
		}
		ntTimes{crtime: in.Crtime, mtime: in.Mtime, ctime: in.Ctime, atime: in.Atime}.printSkewed(bw, skew)
	}

	for _, d := range in.Attrs.Attrs() {
		if d.Type != attrFileName || !d.IsResident() {
			continue
		}
		fn, err := parseFileName(d.Buf)
		if err != nil {
			continue
		}
		fmt.Fprintf(bw, "\n$FILE_NAME Attribute Values:\n")
		fmt.Fprintf(bw, "Flags: %s\n", dosFlags(uint32(fn.flags)))
		fmt.Fprintf(bw, "Name: %s\n", fn.name)
		fmt.Fprintf(bw, "Parent MFT Entry: %d \tSequence: %d\n", fn.parRef, fn.parSeq)
		fmt.Fprintf(bw, "Allocated Size: %d   \tActual Size: %d\n", fn.alloc, fn.size)
		ntTimes{crtime: ntTime(fn.crtime), mtime: ntTime(fn.mtime), ctime: ntTime(fn.ctime), atime: ntTime(fn.atime)}.printSkewed(bw, skew)
	}

	if d := in.Attrs.LookupNoID(attrObjectID); d != nil && d.IsResident() && len(d.Buf) >= 16 {
		fmt.Fprintf(bw, "\n$OBJECT_ID Attribute Values:\n")
		fmt.Fprintf(bw, "Object Id: %s\n", ntGUID(d.Buf))
		if len(d.Buf) >= 64 {
			fmt.Fprintf(bw, "Birth Volume Id: %s\n", ntGUID(d.Buf[16:]))
			fmt.Fprintf(bw, "Birth Object Id: %s\n", ntGUID(d.Buf[32:]))
			fmt.Fprintf(bw, "Birth Domain Id: %s\n", ntGUID(d.Buf[48:]))
		}
	}

	fmt.Fprintf(bw, "\nAttributes: \n")
	flags := fsys.FileAOnly
	if in.Flags&fsys.InodeUnalloc != 0 {
		flags |= fsys.FileRecover
	}
	for _, d := range in.Attrs.Attrs() {
		if d.Flags&fsys.DataInUse == 0 {
			continue
		}
		var notes string
		if d.Flags&fsys.DataEnc != 0 {
			notes += ", Encrypted"
		}
		if d.Flags&fsys.DataComp != 0 {
			notes += ", Compressed"
		}
		if d.Flags&fsys.DataSparse != 0 {
			notes += ", Sparse"
		}
		fmt.Fprintf(bw, "Type: %s (%d-%d)   Name: %s   ", f.typeName(d.Type), d.Type, d.ID, d.Name)
		if d.IsResident() {
			fmt.Fprintf(bw, "Resident%s   size: %d\n", notes, d.Size)
			continue
		}
		fmt.Fprintf(bw, "Non-Resident%s   size: %d  alloc_size: %d\n", notes, d.Size, d.AllocSize)
		cl := &clusterList{w: bw, limit: numBlocks}
		err := f.dataWalk(inum, d, flags, cl.add)
		cl.end()
		if err != nil {
			fmt.Fprintf(bw, "Error reading attribute: %v\n", err)
		}
	}
	return bw.Flush()
}
