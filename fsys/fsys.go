package fsys

import (
	"io"
	"sort"
)

// Range is a byte range [Start, End) of the image.
type Range struct {
	Start int64
	End   int64
}

// Size returns the size of the range in bytes
func (r Range) Size() int64 {
	return r.End - r.Start
}

// Extent maps a logical offset of a file or volume to a byte offset in
// the image.
type Extent struct {
	Logical  int64
	Physical int64
	Length   int64
}

// UnallocRanges returns the unallocated blocks of fs as merged byte
// ranges of the underlying image, in ascending order.
func UnallocRanges(fs FileSystem) ([]Range, error) {
	info := fs.Info()
	bs := int64(info.BlockSize)
	var out []Range
	err := fs.BlockWalk(info.FirstBlock, info.LastBlockAct, BlockUnalloc, func(addr uint64, _ []byte, _ BlockFlag) error {
		start := info.Offset + int64(addr)*bs
		if n := len(out); n > 0 && out[n-1].End == start {
			out[n-1].End += bs
			return nil
		}
		out = append(out, Range{Start: start, End: start + bs})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FileExtents maps the non-sparse blocks of one attribute of a file to
// image offsets. It fails with ErrUnsupported for content that is not a
// plain sequence of blocks (resident or compressed data).
func FileExtents(fs FileSystem, in *Inode, typ uint32, id uint16) ([]Extent, error) {
	if in.Flags&InodeComp != 0 {
		return nil, Errorf(ErrUnsupported, "file_extents", "inode %d is compressed", in.Addr)
	}
	if dw, ok := fs.(DataWalker); ok {
		need, err := dw.NeedsDataWalk(in, typ, id, 0)
		if err != nil {
			return nil, err
		}
		if need {
			return nil, Errorf(ErrUnsupported, "file_extents", "inode %d has resident data", in.Addr)
		}
	}
	info := fs.Info()
	var out []Extent
	var logical int64
	err := fs.FileWalk(in, typ, id, FileAOnly, func(addr uint64, b []byte, flags BlockFlag) error {
		n := int64(len(b))
		if flags&BlockSparse == 0 {
			phys := info.Offset + int64(addr)*int64(info.BlockSize)
			last := len(out) - 1
			if last >= 0 && out[last].Logical+out[last].Length == logical && out[last].Physical+out[last].Length == phys {
				out[last].Length += n
			} else {
				out = append(out, Extent{Logical: logical, Physical: phys, Length: n})
			}
		}
		logical += n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExtentReaderAt reads a logical view made of extents of an underlying
// reader. Logical ranges not covered by an extent read as zeros.
type ExtentReaderAt struct {
	r       io.ReaderAt
	extents []Extent // sorted by Logical
	size    int64
}

// NewExtentReaderAt returns a view of r through extents. If r is itself an
// ExtentReaderAt the two mappings are flattened so reads go straight to
// the innermost reader.
func NewExtentReaderAt(r io.ReaderAt, extents []Extent, size int64) *ExtentReaderAt {
	sorted := append([]Extent(nil), extents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Logical < sorted[j].Logical })
	if inner, ok := r.(*ExtentReaderAt); ok {
		return &ExtentReaderAt{r: inner.r, extents: ComposeExtents(sorted, inner.extents), size: size}
	}
	return &ExtentReaderAt{r: r, extents: sorted, size: size}
}

// ComposeExtents maps outer extents, whose Physical offsets are logical
// offsets of inner, through inner. Parts of outer that fall in a gap of
// inner are left out of the result.
//
// For example outer [0,100)->[1000,1100) over inner [1000,1100)->[5000,5100)
// gives [0,100)->[5000,5100).
func ComposeExtents(outer, inner []Extent) []Extent {
	var out []Extent
	for _, o := range outer {
		pos, logical, left := o.Physical, o.Logical, o.Length
		for left > 0 {
			i, ok := findExtent(inner, pos)
			if !ok {
				next := nextExtent(inner, pos)
				if next < 0 {
					break
				}
				gap := next - pos
				if gap > left {
					gap = left
				}
				pos += gap
				logical += gap
				left -= gap
				continue
			}
			e := inner[i]
			skip := pos - e.Logical
			n := e.Length - skip
			if n > left {
				n = left
			}
			out = append(out, Extent{Logical: logical, Physical: e.Physical + skip, Length: n})
			pos += n
			logical += n
			left -= n
		}
	}
	return out
}

// findExtent returns the index of the extent containing off. The extents
// need not be sorted.
func findExtent(extents []Extent, off int64) (int, bool) {
	for i, e := range extents {
		if off >= e.Logical && off < e.Logical+e.Length {
			return i, true
		}
	}
	return 0, false
}

// nextExtent returns the lowest extent start above off, or -1.
func nextExtent(extents []Extent, off int64) int64 {
	next := int64(-1)
	for _, e := range extents {
		if e.Logical > off && (next < 0 || e.Logical < next) {
			next = e.Logical
		}
	}
	return next
}

// Size returns the logical size of the view
func (e *ExtentReaderAt) Size() int64 {
	return e.size
}

// ReadAt implements io.ReaderAt
func (e *ExtentReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, Errorf(ErrArgument, "read_at", "negative offset")
	}
	if off >= e.size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > e.size {
		p = p[:e.size-off]
	}

	done := 0
	for done < len(p) {
		i, ok := findExtent(e.extents, off)
		if !ok {
			end := nextExtent(e.extents, off)
			if end < 0 || end > e.size {
				end = e.size
			}
			n := int(end - off)
			if n > len(p)-done {
				n = len(p) - done
			}
			for j := range p[done : done+n] {
				p[done+j] = 0
			}
			done += n
			off += int64(n)
			continue
		}
		ext := e.extents[i]
		skip := off - ext.Logical
		n := int(ext.Length - skip)
		if n > len(p)-done {
			n = len(p) - done
		}
		nr, err := e.r.ReadAt(p[done:done+n], ext.Physical+skip)
		done += nr
		off += int64(nr)
		if err != nil && err != io.EOF {
			return done, err
		}
		if nr < n {
			return done, io.EOF
		}
	}
	if off >= e.size {
		return done, io.EOF
	}
	return done, nil
}
