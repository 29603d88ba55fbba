package detect

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lvdlvd/rawhide/fsys"
)

// A foreign format is one that is recognised but cannot be read. When
// autodetection finds nothing, the probes below turn "no file system
// found" into an error that names what is there.
type foreignProbe func(img fsys.Image, offset int64) (string, bool)

var foreignProbes = []foreignProbe{probeAPFS, probeHFSPlus}

const (
	apfsMagic  = 0x4253584E // "NXSB"
	hfsPlusSig = 0x482B     // "H+"
	hfsxSig    = 0x4858     // "HX", case sensitive HFS+

	hfsHeaderOffset = 1024
	hfsEpochDiff    = 2082844800 // seconds from 1904-01-01 to 1970-01-01
)

func readAt(img fsys.Image, off int64, n int) ([]byte, bool) {
	if off+int64(n) > img.Size() {
		return nil, false
	}
	b := make([]byte, n)
	if _, err := img.ReadAt(b, off); err != nil {
		return nil, false
	}
	return b, true
}

// probeAPFS reads the container superblock, an object header followed by
// nx_superblock_t.
func probeAPFS(img fsys.Image, offset int64) (string, bool) {
	b, ok := readAt(img, offset, 88)
	if !ok || binary.LittleEndian.Uint32(b[32:36]) != apfsMagic {
		return "", false
	}
	bs := binary.LittleEndian.Uint32(b[36:40])
	blocks := binary.LittleEndian.Uint64(b[40:48])
	id, _ := uuid.FromBytes(b[72:88])
	return fmt.Sprintf("APFS container %s (%d blocks of %d bytes)", id, blocks, bs), true
}

// probeHFSPlus reads the volume header. Its fields are big endian.
func probeHFSPlus(img fsys.Image, offset int64) (string, bool) {
	b, ok := readAt(img, offset+hfsHeaderOffset, 52)
	if !ok {
		return "", false
	}
	name := "HFS+"
	switch binary.BigEndian.Uint16(b[0:2]) {
	case hfsPlusSig:
	case hfsxSig:
		name = "HFSX"
	default:
		return "", false
	}
	created := hfsTime(binary.BigEndian.Uint32(b[16:20]))
	bs := binary.BigEndian.Uint32(b[40:44])
	blocks := binary.BigEndian.Uint32(b[44:48])
	s := fmt.Sprintf("%s volume version %d (%d blocks of %d bytes", name, binary.BigEndian.Uint16(b[2:4]), blocks, bs)
	if !created.IsZero() {
		s += ", created " + created.Format(time.DateOnly)
	}
	return s + ")", true
}

func hfsTime(t uint32) time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.Unix(int64(t)-hfsEpochDiff, 0).UTC()
}

// foreign reports a recognised but unsupported format at offset.
func foreign(img fsys.Image, offset int64) error {
	for _, probe := range foreignProbes {
		if what, ok := probe(img, offset); ok {
			return fsys.Errorf(fsys.ErrUnsupported, "fs_open", "%s at offset %d is not supported", what, offset)
		}
	}
	return nil
}
