// Package iso9660 implements read-only support for ISO9660 volumes,
// including Joliet supplementary descriptors and Rock Ridge extensions.
//
// ISO9660 has no inode table. Opening a volume walks every directory
// named by the path tables and numbers the directory records it finds,
// Joliet trees first; records in later trees that point at an extent
// already numbered share its inode. A block is allocated when it lies in
// the extent of some record.
package iso9660

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	sectorSize   = 2048
	vdStart      = 16 * sectorSize // the first volume descriptor
	maxVDs       = 64
	devBlockSize = 512

	rootIno  = 0
	firstIno = 0
)

var magic = []byte("CD001")

// volume descriptor types
const (
	vdBoot    = 0
	vdPrimary = 1
	vdSupp    = 2
	vdPart    = 3
	vdTerm    = 255
)

// FS implements a read-only ISO9660 file system
type FS struct {
	fsys.FSInfo
	fsys.NoJournal

	pvd []*volDesc // primary descriptors, one per path table
	svd []*volDesc // supplementary descriptors

	lastVD   uint64 // block of the set terminator
	rrFound  bool
	suspSkip int // SP skip length, from the root record

	nodes     []*node          // indexed by inode number
	byRec     map[int64]uint64 // directory record offset -> inode
	byExtent  map[uint32]uint64
	extents   []extent // merged and sorted, for the allocation scan
	metaSpans []extent
}

// volDesc is a primary or supplementary volume descriptor.
type volDesc struct {
	typ      uint8
	sysID    string
	volID    []byte
	spaceSz  uint32
	escape   [32]byte
	setSize  uint16
	seqNum   uint16
	blkSize  uint16
	ptSize   uint32
	ptLocL   uint32
	ptLocM   uint32
	root     []byte // root directory record
	volSet   string
	pubID    []byte
	prepID   []byte
	appID    []byte
	copyID   []byte
	created  []byte
	modified []byte
}

// joliet reports the UCS-2 level of a supplementary descriptor, 0 for
// none.
func (v *volDesc) joliet() int {
	if v.typ != vdSupp || v.escape[0] != '%' || v.escape[1] != '/' {
		return 0
	}
	switch v.escape[2] {
	case '@':
		return 1
	case 'C':
		return 2
	case 'E':
		return 3
	}
	return 0
}

// parseVolDesc decodes a primary or supplementary descriptor. Both-endian
// fields are read from their big-endian half.
func parseVolDesc(b []byte) *volDesc {
	be := binary.BigEndian
	v := &volDesc{
		typ:      b[0],
		sysID:    string(bytes.TrimRight(b[8:40], " \x00")),
		volID:    b[40:72],
		spaceSz:  be.Uint32(b[84:]),
		setSize:  be.Uint16(b[122:]),
		seqNum:   be.Uint16(b[126:]),
		blkSize:  be.Uint16(b[130:]),
		ptSize:   be.Uint32(b[136:]),
		ptLocL:   binary.LittleEndian.Uint32(b[140:]),
		ptLocM:   be.Uint32(b[148:]),
		root:     b[156:190],
		volSet:   string(bytes.TrimRight(b[190:318], " \x00")),
		pubID:    b[318:446],
		prepID:   b[446:574],
		appID:    b[574:702],
		copyID:   b[702:739],
		created:  b[813:830],
		modified: b[830:847],
	}
	copy(v.escape[:], b[88:120])
	return v
}

// loadVolDescs reads the descriptor set. Descriptors sharing a path table
// are kept once, and a primary descriptor is dropped when a
// supplementary one uses the same path table. It returns false when no
// descriptor was found.
func (f *FS) loadVolDescs() bool {
	buf := make([]byte, sectorSize)
	for i := 0; i < maxVDs; i++ {
		off := int64(vdStart + i*sectorSize)
		if _, err := f.ReadRandom(buf, off); err != nil {
			log.Debugf("iso9660: reading volume descriptor at %d: %v", off, err)
			break
		}
		if !bytes.Equal(buf[1:6], magic) {
			log.Debugf("iso9660: bad volume descriptor at %d: magic is not CD001", off)
			break
		}
		f.lastVD = uint64(off) / sectorSize
		typ := buf[0]
		if typ == vdTerm {
			break
		}
		switch typ {
		case vdPrimary:
			v := parseVolDesc(bytes.Clone(buf))
			if !hasPathTable(f.pvd, v) {
				f.pvd = append(f.pvd, v)
			}
		case vdSupp:
			v := parseVolDesc(bytes.Clone(buf))
			if !hasPathTable(f.svd, v) {
				f.svd = append(f.svd, v)
			}
		case vdBoot, vdPart:
			// not used
		default:
			log.Debugf("iso9660: unknown volume descriptor type %d at %d", typ, off)
		}
	}

	pvd := f.pvd[:0]
	for _, p := range f.pvd {
		if !hasPathTable(f.svd, p) {
			pvd = append(pvd, p)
		}
	}
	f.pvd = pvd
	return len(f.pvd) > 0 || len(f.svd) > 0
}

func hasPathTable(list []*volDesc, v *volDesc) bool {
	for _, o := range list {
		if o.ptLocM == v.ptLocM {
			return true
		}
	}
	return false
}

// Open opens an ISO9660 volume at offset in img. It returns nil, nil when
// there is no volume descriptor set.
func Open(img fsys.Image, offset int64, typ fsys.Type) (*FS, error) {
	if typ != fsys.Unknown && typ != fsys.ISO9660 {
		return nil, fsys.Errorf(fsys.ErrArgument, "iso9660_open", "invalid file system type: %s", typ)
	}

	f := &FS{
		byRec:    make(map[int64]uint64),
		byExtent: make(map[uint32]uint64),
	}
	f.Img = img
	f.Offset = offset
	f.Type = fsys.ISO9660
	f.Endian = binary.BigEndian
	f.DUName = "Block"
	f.DevBlockSize = devBlockSize

	if !f.loadVolDescs() {
		return nil, nil // Not an ISO9660 volume
	}

	v := f.svd
	if len(f.pvd) > 0 {
		v = f.pvd
	}
	bs := uint32(v[0].blkSize)
	if bs == 0 || bs%devBlockSize != 0 || bs > sectorSize || v[0].spaceSz == 0 {
		log.Debugf("iso9660: not an ISO9660 volume: block size %d, %d blocks", bs, v[0].spaceSz)
		return nil, nil
	}
	f.BlockSize = bs
	f.BlockCount = uint64(v[0].spaceSz)
	f.FirstBlock = 0
	f.LastBlock = f.BlockCount - 1
	f.SetLastBlockAct()

	if err := f.loadInodes(); err != nil {
		return nil, fmt.Errorf("loading directory records: %w", err)
	}
	if len(f.nodes) == 0 {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "iso9660_open", "no directory records found")
	}
	f.InumCount = uint64(len(f.nodes))
	f.FirstInum = firstIno
	f.LastInum = f.InumCount - 1
	f.RootInum = rootIno
	f.indexExtents()

	log.WithFields(log.Fields{
		"blocks":    f.BlockCount,
		"blocksize": f.BlockSize,
		"inodes":    f.InumCount,
		"primary":   len(f.pvd),
		"joliet":    len(f.svd),
		"rockridge": f.rrFound,
		"offset":    offset,
	}).Debug("iso9660: opened file system")
	return f, nil
}

func (f *FS) Close() error {
	f.nodes = nil
	return nil
}

// extent is a block range [start, end).
type extent struct {
	start, end uint64
}

// indexExtents builds the sorted extent list that block allocation is
// answered from, and the metadata areas: the system area, the descriptor
// set and the path tables.
func (f *FS) indexExtents() {
	bs := uint64(f.BlockSize)
	var ext []extent
	for _, n := range f.nodes {
		if n.rec.size == 0 {
			continue
		}
		start := uint64(n.rec.extent)
		ext = append(ext, extent{start, start + uint64(n.rec.eaLen) + (uint64(n.rec.size)+bs-1)/bs})
	}
	f.extents = mergeExtents(ext)

	meta := []extent{{0, (f.lastVD+1)*sectorSize/bs}}
	for _, v := range append(append([]*volDesc{}, f.pvd...), f.svd...) {
		n := (uint64(v.ptSize) + bs - 1) / bs
		for _, loc := range []uint32{v.ptLocL, v.ptLocM} {
			if loc != 0 {
				meta = append(meta, extent{uint64(loc), uint64(loc) + n})
			}
		}
	}
	f.metaSpans = mergeExtents(meta)
}

func mergeExtents(ext []extent) []extent {
	sort.Slice(ext, func(i, j int) bool { return ext[i].start < ext[j].start })
	var out []extent
	for _, e := range ext {
		if len(out) > 0 && e.start <= out[len(out)-1].end {
			last := &out[len(out)-1]
			last.end = max(last.end, e.end)
			continue
		}
		out = append(out, e)
	}
	return out
}

func inExtents(list []extent, addr uint64) bool {
	i := sort.Search(len(list), func(i int) bool { return list[i].end > addr })
	return i < len(list) && list[i].start <= addr
}

// isBlockAlloc reports whether addr lies in the extent of some file or
// directory.
func (f *FS) isBlockAlloc(addr uint64) bool {
	return inExtents(f.extents, addr)
}

func (f *FS) isMetaBlock(addr uint64) bool {
	return inExtents(f.metaSpans, addr)
}

// BlockWalk visits blocks start..end. Metadata areas count as allocated.
func (f *FS) BlockWalk(start, end uint64, flags fsys.BlockFlag, fn fsys.BlockWalkFunc) error {
	if err := f.CheckBlockRange("iso9660_block_walk", start, end); err != nil {
		return err
	}
	if end < start {
		return fsys.Errorf(fsys.ErrWalkRange, "iso9660_block_walk", "end block %d before start %d", end, start)
	}
	flags = flags.Norm()
	log.Debugf("iso9660: block walk %d to %d", start, end)

	buf := make([]byte, f.BlockSize)
	for addr := start; addr <= end; addr++ {
		var myflags fsys.BlockFlag
		switch {
		case f.isMetaBlock(addr):
			myflags = fsys.BlockAlloc | fsys.BlockMeta
		case f.isBlockAlloc(addr):
			myflags = fsys.BlockAlloc | fsys.BlockCont
		default:
			myflags = fsys.BlockUnalloc | fsys.BlockCont
		}
		if !flags.Match(myflags) {
			continue
		}
		if _, err := f.ReadBlock(buf, addr); err != nil {
			return fmt.Errorf("block walk block %d: %w", addr, err)
		}
		if err := fn(addr, buf, myflags); err != nil {
			return fsys.WalkErr(err)
		}
	}
	return nil
}
