// Package part reads DOS (MBR) and GPT partition tables. A table is
// presented as a sorted list of sector ranges: the partitions themselves,
// the sectors holding the tables, and the unallocated gaps between them.
// Each volume can be opened as an image of its own.
package part

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

// SectorSize is the unit of every address in a partition table.
const SectorSize = 512

// Type is a partition table format.
type Type int

const (
	Unknown Type = iota
	DOS
	GPT
)

func (t Type) String() string {
	switch t {
	case DOS:
		return "dos"
	case GPT:
		return "gpt"
	default:
		return "unknown"
	}
}

// Description is the heading mmls prints for the table.
func (t Type) Description() string {
	switch t {
	case DOS:
		return "DOS Partition Table"
	case GPT:
		return "GUID Partition Table (EFI)"
	default:
		return "Unknown Partition Table"
	}
}

// ParseType maps a name given on the command line to a table type.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "auto":
		return Unknown, nil
	case "dos", "mbr":
		return DOS, nil
	case "gpt":
		return GPT, nil
	}
	return Unknown, fsys.Errorf(fsys.ErrArgument, "part_parse_type", "unknown partition table type: %q", s)
}

// Kind says what a range of sectors is.
type Kind uint8

const (
	KindVolume Kind = 1 << iota // a partition holding data
	KindUnalloc                 // sectors no table entry covers
	KindMeta                    // partition tables and extended containers
)

// KindAll selects every entry in PartWalk.
const KindAll = KindVolume | KindUnalloc | KindMeta

func (k Kind) String() string {
	switch k {
	case KindVolume:
		return "Volume"
	case KindUnalloc:
		return "Unallocated"
	case KindMeta:
		return "Meta"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Partition is one range of sectors. Table and Slot locate the entry that
// describes it and are -1 when there is none.
type Partition struct {
	Index int    // position in the sorted list
	Start uint64 // first sector, relative to the table
	Len   uint64 // sectors
	Kind  Kind
	Desc  string
	Table int
	Slot  int

	// DOS
	SysID    byte
	Bootable bool

	// GPT
	TypeGUID uuid.UUID
	GUID     uuid.UUID
	Label    string
	Attrs    uint64
}

// End returns the last sector of p.
func (p *Partition) End() uint64 {
	return p.Start + p.Len - 1
}

// SizeBytes returns the partition size in bytes
func (p *Partition) SizeBytes() int64 {
	return int64(p.Len) * SectorSize
}

// VS is an opened partition table.
type VS struct {
	Img    fsys.Image
	Offset int64 // byte offset of the table's sector 0 in Img
	Type   Type

	DiskGUID uuid.UUID // GPT only

	parts []*Partition
}

// Open reads the partition table of type typ at offset in img. With
// typ Unknown a GPT is tried first, then a DOS table.
func Open(img fsys.Image, offset int64, typ Type) (*VS, error) {
	vs := &VS{Img: img, Offset: offset, Type: typ}
	var err error
	switch typ {
	case DOS:
		err = vs.loadDOS(false)
	case GPT:
		err = vs.loadGPT()
	case Unknown:
		if err = vs.loadGPT(); err == nil {
			vs.Type = GPT
			break
		}
		log.Debugf("part: not a GPT: %v", err)
		vs.parts = nil
		if err = vs.loadDOS(true); err == nil {
			vs.Type = DOS
			break
		}
		log.Debugf("part: not a DOS table: %v", err)
		return nil, fsys.Errorf(fsys.ErrUnknownType, "part_open", "no partition table found at offset %d", offset)
	default:
		return nil, fsys.Errorf(fsys.ErrArgument, "part_open", "invalid partition table type: %d", typ)
	}
	if err != nil {
		return nil, err
	}
	vs.addUnused()
	vs.sort()

	log.WithFields(log.Fields{
		"type":   vs.Type,
		"offset": offset,
		"parts":  len(vs.parts),
	}).Debug("part: opened partition table")
	return vs, nil
}

func (vs *VS) add(p *Partition) *Partition {
	vs.parts = append(vs.parts, p)
	return p
}

func (vs *VS) sort() {
	sort.SliceStable(vs.parts, func(i, j int) bool { return vs.parts[i].Start < vs.parts[j].Start })
	for i, p := range vs.parts {
		p.Index = i
	}
}

// addUnused adds an unallocated entry for every gap in front of an entry
// and at the end of the image. The previous end is the end of the entry
// just before, so sectors after a container's own table are a gap too.
func (vs *VS) addUnused() {
	vs.sort()
	var prevEnd uint64
	var gaps []*Partition
	for _, p := range vs.parts {
		if p.Start > prevEnd {
			gaps = append(gaps, unalloc(prevEnd, p.Start-prevEnd))
		}
		prevEnd = p.Start + p.Len
	}
	if total := vs.sectors(); prevEnd < total {
		gaps = append(gaps, unalloc(prevEnd, total-prevEnd))
	}
	vs.parts = append(vs.parts, gaps...)
}

func unalloc(start, n uint64) *Partition {
	return &Partition{Start: start, Len: n, Kind: KindUnalloc, Desc: "Unallocated", Table: -1, Slot: -1}
}

// sectors returns the number of whole sectors from the table to the end
// of the image.
func (vs *VS) sectors() uint64 {
	n := vs.Img.Size() - vs.Offset
	if n <= 0 {
		return 0
	}
	return uint64(n / SectorSize)
}

// readSectors fills buf from sector sect on.
func (vs *VS) readSectors(buf []byte, sect uint64) error {
	n, err := vs.Img.ReadAt(buf, vs.Offset+int64(sect)*SectorSize)
	if n == len(buf) {
		return nil
	}
	if err == nil {
		err = errors.New("short read")
	}
	return fsys.Wrapf(fsys.ErrRead, err, "part_read", "sector %d", sect)
}

// Partitions returns every entry, sorted by start sector.
func (vs *VS) Partitions() []*Partition {
	return vs.parts
}

// Volumes returns the entries that hold data.
func (vs *VS) Volumes() []*Partition {
	var out []*Partition
	for _, p := range vs.parts {
		if p.Kind == KindVolume {
			out = append(out, p)
		}
	}
	return out
}

// PartWalk calls fn for entries start..end of the sorted list whose kind
// is in kinds.
func (vs *VS) PartWalk(start, end int, kinds Kind, fn func(*Partition) error) error {
	if start < 0 || end >= len(vs.parts) || end < start {
		return fsys.Errorf(fsys.ErrWalkRange, "part_walk", "invalid range %d - %d of %d entries", start, end, len(vs.parts))
	}
	if kinds == 0 {
		kinds = KindAll
	}
	for _, p := range vs.parts[start : end+1] {
		if p.Kind&kinds == 0 {
			continue
		}
		if err := fn(p); err != nil {
			return fsys.WalkErr(err)
		}
	}
	return nil
}

// Image returns the sectors of p as an image of their own. A partition
// running past the end of the image is cut short.
func (vs *VS) Image(p *Partition) fsys.Image {
	start := vs.Offset + int64(p.Start)*SectorSize
	size := p.SizeBytes()
	if avail := vs.Img.Size() - start; size > avail {
		log.Warnf("part: partition %d runs %d bytes past the end of the image", p.Index, size-max(avail, 0))
		size = max(avail, 0)
	}
	return fsys.NewExtentReaderAt(vs.Img, []fsys.Extent{{Logical: 0, Physical: start, Length: size}}, size)
}

// Close releases resources
func (vs *VS) Close() error {
	vs.parts = nil
	return nil
}
