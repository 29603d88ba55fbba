package fsys

import "fmt"

// Run is a contiguous range of an attribute's content. Offset and Len are
// in file system blocks (clusters for NTFS).
type Run struct {
	Offset uint64 // logical offset of the first block
	Addr   uint64 // physical address of the first block
	Len    uint64
	Flags  RunFlag
}

// End returns the logical offset one past the run.
func (r Run) End() uint64 {
	return r.Offset + r.Len
}

// Data is a named attribute of a file: either an inline byte buffer
// (resident) or a list of runs. NTFS is the main user but the shape is
// format independent.
type Data struct {
	Type      uint32
	ID        uint16
	Name      string
	Flags     DataFlag
	Size      int64  // logical size in bytes
	AllocSize int64  // bytes covered by the runs
	CompSize  uint32 // compression unit in blocks, 0 if not compressed

	Buf  []byte // resident content
	Runs []Run  // non-resident content, contiguous from offset 0
}

// IsResident reports whether the content is stored inline.
func (d *Data) IsResident() bool {
	return d.Flags&DataRes != 0
}

// RunEnd returns the logical block offset one past the last run.
func (d *Data) RunEnd() uint64 {
	if len(d.Runs) == 0 {
		return 0
	}
	return d.Runs[len(d.Runs)-1].End()
}

// HasFiller reports whether part of the run list has not been seen yet.
func (d *Data) HasFiller() bool {
	for _, r := range d.Runs {
		if r.Flags&RunFiller != 0 {
			return true
		}
	}
	return false
}

// DataList is the set of attributes of one inode.
type DataList struct {
	attrs []*Data
}

// NewDataList returns an empty list.
func NewDataList() *DataList {
	return &DataList{}
}

// Attrs returns the attributes in insertion order.
func (l *DataList) Attrs() []*Data {
	return l.attrs
}

// Len returns the number of attributes.
func (l *DataList) Len() int {
	return len(l.attrs)
}

// Clear empties the list so it can be reused for another inode.
func (l *DataList) Clear() {
	l.attrs = l.attrs[:0]
}

// Lookup returns the attribute with the given type and id, or nil.
func (l *DataList) Lookup(typ uint32, id uint16) *Data {
	for _, d := range l.attrs {
		if d.Type == typ && d.ID == id {
			return d
		}
	}
	return nil
}

// DefaultDataName is the name given to the unnamed NTFS $DATA stream.
const DefaultDataName = "$Data"

// LookupNoID returns the attribute of the given type with the lowest id.
// For the NTFS $DATA type the default stream wins regardless of its id.
func (l *DataList) LookupNoID(typ uint32) *Data {
	var ret *Data
	for _, d := range l.attrs {
		if d.Type != typ {
			continue
		}
		if ret == nil || ret.ID > d.ID {
			ret = d
		}
		if typ == dataAttrType && d.Name == DefaultDataName {
			return d
		}
	}
	return ret
}

// dataAttrType is the NTFS $DATA type, which LookupNoID special-cases.
const dataAttrType = 0x80

// PutResident stores an inline attribute.
func (l *DataList) PutResident(name string, typ uint32, id uint16, buf []byte, flags DataFlag) *Data {
	d := &Data{
		Type:  typ,
		ID:    id,
		Name:  name,
		Flags: DataInUse | DataRes | flags,
		Size:  int64(len(buf)),
		Buf:   append([]byte(nil), buf...),
	}
	l.attrs = append(l.attrs, d)
	return d
}

// PutRun adds runs to the attribute (typ, id), creating it if needed.
// alloc is the number of bytes the runs cover. The runs must be
// contiguous among themselves; they may arrive in any order relative to
// runs added earlier; gaps are held by filler runs until filled.
//
// A nil runs slice is accepted only for a new attribute and records the
// sizes alone.
func (l *DataList) PutRun(runs []Run, alloc int64, name string, typ uint32, id uint16, size int64, flags DataFlag, compSize uint32) error {
	d := l.Lookup(typ, id)
	if d == nil {
		d = &Data{
			Type:     typ,
			ID:       id,
			Name:     name,
			Flags:    DataInUse | DataNonRes | flags,
			Size:     size,
			CompSize: compSize,
		}
		l.attrs = append(l.attrs, d)
		d.AllocSize = alloc
		if len(runs) == 0 {
			return nil
		}
		if runs[0].Offset != 0 {
			d.Runs = append(d.Runs, Run{Offset: 0, Len: runs[0].Offset, Flags: RunFiller})
		}
		d.Runs = append(d.Runs, runs...)
		return nil
	}
	if len(runs) == 0 {
		return Errorf(ErrArgument, "put_run", "empty run list added to existing attribute %d-%d", typ, id)
	}

	start := runs[0].Offset
	var total uint64
	for _, r := range runs {
		total += r.Len
	}

	// common case: the new runs extend the end of the list
	if len(d.Runs) > 0 && d.RunEnd() == start {
		d.Runs = append(d.Runs, runs...)
		d.AllocSize += alloc
		return nil
	}

	for i, cur := range d.Runs {
		if cur.Flags&RunFiller == 0 {
			continue
		}
		if cur.Offset > start {
			return Errorf(ErrCorrupt, "put_run", "could not add run at %d: filler starts at %d", start, cur.Offset)
		}
		if cur.End() <= start {
			continue
		}
		if start+total > cur.End() {
			return Errorf(ErrCorrupt, "put_run", "runs %d-%d overrun filler %d-%d", start, start+total, cur.Offset, cur.End())
		}

		var repl []Run
		if cur.Offset < start {
			repl = append(repl, Run{Offset: cur.Offset, Len: start - cur.Offset, Flags: RunFiller})
		}
		repl = append(repl, runs...)
		if start+total < cur.End() {
			repl = append(repl, Run{Offset: start + total, Len: cur.End() - start - total, Flags: RunFiller})
		}

		merged := make([]Run, 0, len(d.Runs)+len(repl))
		merged = append(merged, d.Runs[:i]...)
		merged = append(merged, repl...)
		merged = append(merged, d.Runs[i+1:]...)
		d.Runs = merged
		d.AllocSize += alloc
		return nil
	}

	// no filler holds the new offset, so it must go after the end
	end := d.RunEnd()
	if len(d.Runs) > 0 && end > start {
		last := d.Runs[len(d.Runs)-1]
		if last.Addr == runs[0].Addr && last.Len == runs[0].Len {
			// duplicate of what we already have
			return nil
		}
		return Errorf(ErrCorrupt, "put_run", "error adding additional run at %d: previous %d -> %d, current %d -> %d",
			start, last.Addr, last.Len, runs[0].Addr, runs[0].Len)
	}
	if start > end {
		d.Runs = append(d.Runs, Run{Offset: end, Len: start - end, Flags: RunFiller})
	}
	d.Runs = append(d.Runs, runs...)
	d.AllocSize += alloc
	return nil
}

// Translate maps a logical block offset of the attribute to a physical
// address. ok is false for sparse and filler ranges.
func (d *Data) Translate(off uint64) (addr uint64, ok bool) {
	for _, r := range d.Runs {
		if off >= r.Offset && off < r.End() {
			if r.Flags&(RunSparse|RunFiller) != 0 {
				return 0, false
			}
			return r.Addr + off - r.Offset, true
		}
	}
	return 0, false
}

func (d *Data) String() string {
	return fmt.Sprintf("Type: %d-%d Name: %s Size: %d Runs: %d", d.Type, d.ID, d.Name, d.Size, len(d.Runs))
}
