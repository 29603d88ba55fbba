package ntfs

import (
	"github.com/lvdlvd/rawhide/fsys"
)

// runFieldSizes splits the header byte of a run list entry into the byte
// widths of its length field (low nibble) and offset field (high nibble).
func runFieldSizes(h byte) (lenSize, offSize int) {
	return int(h & 0x0f), int(h >> 4)
}

// runLength decodes the unsigned little-endian length field of a run.
func runLength(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// runDelta decodes the signed little-endian offset field of a run, sign
// extended from its top byte. An empty field is 0.
func runDelta(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	shift := 64 - 8*uint(len(b))
	return int64(v<<shift) >> shift
}

// decodeRuns decodes the run list b of an attribute of entry num whose
// first run is at virtual cluster vcn. Each run's cluster is a delta from
// the previous one. A zero delta is a sparse run, except in $Boot where
// cluster 0 is real. A delta of -1 is the old sparse marker, accepted for
// the first run and on NT 1.2 volumes.
func (f *FS) decodeRuns(num, vcn uint64, b []byte) ([]fsys.Run, error) {
	const op = "ntfs_make_data_run"
	var runs []fsys.Run
	var prev int64
	for i := 0; i < len(b) && b[i] != 0; {
		lenSize, offSize := runFieldSizes(b[i])
		if lenSize == 0 || lenSize > 8 || offSize > 8 {
			return nil, fsys.Errorf(fsys.ErrCorrupt, op, "invalid run header %#x", b[i])
		}
		if i+1+lenSize+offSize > len(b) {
			return nil, fsys.Errorf(fsys.ErrCorrupt, op, "run at %d runs past the attribute", i)
		}
		length := runLength(b[i+1 : i+1+lenSize])
		delta := runDelta(b[i+1+lenSize : i+1+lenSize+offSize])
		i += 1 + lenSize + offSize

		if length > f.BlockCount {
			return nil, fsys.Errorf(fsys.ErrCorrupt, op, "run length %d is larger than the file system", length)
		}
		r := fsys.Run{Offset: vcn, Len: length}
		vcn += length

		switch {
		case delta == -1 && (prev == 0 || f.ver == verNT):
			r.Flags = fsys.RunSparse
		case delta != 0 || num == mftBoot:
			addr := prev + delta
			if addr < 0 || uint64(addr)+length > f.BlockCount {
				return nil, fsys.Errorf(fsys.ErrCorrupt, op, "run at cluster %d of length %d is past the end of the file system", addr, length)
			}
			r.Addr = uint64(addr)
			prev = addr
		default:
			r.Flags = fsys.RunSparse
		}
		runs = append(runs, r)
	}

	// $BadClus:$Bad is one sparse run over the whole volume when there
	// are no bad clusters
	if len(runs) == 1 && runs[0].Flags&fsys.RunSparse != 0 && runs[0].Len == f.LastBlock+1 {
		return nil, nil
	}
	return runs, nil
}
