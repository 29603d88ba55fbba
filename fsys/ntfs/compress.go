package ntfs

import (
	"github.com/lvdlvd/rawhide/fsys"
)

// LZNT1 splits a compression unit into chunks of up to 4096 decoded
// bytes. Each chunk starts with a 16 bit header: the low 12 bits are the
// stored size minus one, bit 15 says the chunk is compressed. A compressed
// chunk is a sequence of groups: a tag byte whose bits, lowest first,
// select a literal byte (0) or a 16 bit phrase token (1).
const (
	lzChunkSize   = 4096
	lzSizeMask    = 0x0fff
	lzCompressed  = 0x8000
	lzPhraseBytes = 2
)

// phraseShift returns how many bits of a phrase token move from the
// length to the offset at position pos of the decoded chunk. Offsets
// start with 4 bits and gain one each time pos passes a power of two from
// 16 on.
func phraseShift(pos int) uint {
	var shift uint
	for i := pos - 1; i >= 0x10; i >>= 1 {
		shift++
	}
	return shift
}

// splitPhrase decodes a phrase token found at position pos of the decoded
// chunk into a back reference distance and length.
func splitPhrase(ph uint16, pos int) (offset, length int) {
	s := phraseShift(pos)
	return int(ph>>(12-s)) + 1, int(ph&(lzSizeMask>>s)) + 3
}

// lznt1 decodes one compression unit fed to it a cluster at a time. A
// chunk header or phrase token may be split between two calls; the bytes
// seen so far wait in part.
type lznt1 struct {
	out   []byte // decoded unit
	limit int    // unit size in bytes
	chunk int    // start of the current chunk in out
	left  int    // stored bytes left in the current chunk, 0 before a header
	comp  bool   // the current chunk is compressed
	done  bool   // the end marker was seen
	tag   byte
	bits  int // tag bits not yet used
	part  [2]byte
	npart int
}

func newLZNT1(limit int) *lznt1 {
	return &lznt1{out: make([]byte, 0, limit), limit: limit}
}

func (d *lznt1) reset() {
	d.out = d.out[:0]
	d.chunk, d.left, d.bits, d.npart = 0, 0, 0, 0
	d.comp, d.done = false, false
}

// word assembles a little-endian 16 bit value from b, continuing a value
// split by the previous call. It reports false when b ran out first.
func (d *lznt1) word(b *[]byte) (uint16, bool) {
	for d.npart < 2 && len(*b) > 0 {
		d.part[d.npart] = (*b)[0]
		*b = (*b)[1:]
		d.npart++
	}
	if d.npart < 2 {
		return 0, false
	}
	d.npart = 0
	return uint16(d.part[0]) | uint16(d.part[1])<<8, true
}

func (d *lznt1) corrupt(format string, args ...any) error {
	return fsys.Errorf(fsys.ErrCorrupt, "ntfs_uncompress", format, args...)
}

// feed decodes the next piece of the stored unit.
func (d *lznt1) feed(b []byte) error {
	for len(b) > 0 && !d.done {
		if d.left == 0 {
			h, ok := d.word(&b)
			if !ok {
				return nil
			}
			if h == 0 {
				d.done = true
				return nil
			}
			d.left = int(h&lzSizeMask) + 1
			d.comp = h&lzCompressed != 0
			// a full size chunk cannot be smaller than its content
			if d.left == lzChunkSize {
				d.comp = false
			}
			d.chunk = len(d.out)
			d.bits = 0
			continue
		}

		if !d.comp {
			n := min(d.left, len(b))
			if len(d.out)+n > d.limit {
				return d.corrupt("uncompressed chunk overflows the %d byte unit", d.limit)
			}
			d.out = append(d.out, b[:n]...)
			b = b[n:]
			d.left -= n
			continue
		}

		if d.bits == 0 {
			d.tag = b[0]
			b = b[1:]
			d.left--
			d.bits = 8
			continue
		}

		if d.tag&1 == 0 {
			if len(d.out) >= d.limit {
				return d.corrupt("literal overflows the %d byte unit", d.limit)
			}
			d.out = append(d.out, b[0])
			b = b[1:]
			d.left--
		} else {
			if d.left < lzPhraseBytes {
				return d.corrupt("phrase token split by the end of a chunk")
			}
			ph, ok := d.word(&b)
			if !ok {
				return nil
			}
			d.left -= lzPhraseBytes
			if err := d.copyPhrase(ph); err != nil {
				return err
			}
		}
		d.tag >>= 1
		d.bits--
		if d.left == 0 {
			d.bits = 0
		}
	}
	return nil
}

// copyPhrase expands a back reference. Source and destination may
// overlap, which repeats the referenced bytes.
func (d *lznt1) copyPhrase(ph uint16) error {
	pos := len(d.out) - d.chunk
	offset, length := splitPhrase(ph, pos)
	if offset > pos {
		return d.corrupt("phrase offset %d is before the start of the chunk at %d", offset, pos)
	}
	if len(d.out)+length > d.limit {
		return d.corrupt("phrase of %d bytes overflows the %d byte unit", length, d.limit)
	}
	for i := 0; i < length; i++ {
		d.out = append(d.out, d.out[len(d.out)-offset])
	}
	return nil
}
