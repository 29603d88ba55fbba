// Package ffs implements read-only support for the Berkeley fast file
// system: UFS1 as written by the BSDs, the Solaris flavour of UFS1
// (UFS1b) and UFS2, in either byte order.
//
// Block addresses are fragment addresses. A file's direct and indirect
// pointers name whole blocks of Frag fragments, except for the tail of
// a small file, which may end in a partial block.
package ffs

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	// superblock locations, in bytes
	sbOffUFS1  = 8192
	sbOffUFS2  = 65536
	sbOffUFS2b = 262144
	sbSize     = 1536

	magicUFS1 = 0x011954
	magicUFS2 = 0x19540119
	cgMagic   = 0x090255

	devBlockSize = 512

	rootIno  = 2
	firstIno = 0

	// inode format of 4.4BSD UFS1; Solaris leaves the field alone
	inodeFmt44 = 2

	dinode1Size = 128
	dinode2Size = 256
)

// Superblock flags, fs_flags
const (
	sbFlagUnclean    = 0x01
	sbFlagSoftDep    = 0x02
	sbFlagNeedFsck   = 0x04
	sbFlagIndexDir   = 0x08
	sbFlagACL        = 0x10
	sbFlagMultiLabel = 0x20
	sbFlagUpdated    = 0x80
)

// FS implements a read-only UFS file system
type FS struct {
	fsys.FSInfo
	fsys.NoJournal

	sb  superblock
	raw []byte // superblock bytes, for fsstat

	bsize     uint32 // bytes in a block
	frag      uint32 // fragments in a block
	inodeSize uint32

	cg cylGroup
}

// csum is the summary kept per group and for the whole file system.
type csum struct {
	dirs      uint64
	freeBlks  uint64
	freeInos  uint64
	freeFrags uint64
}

type superblock struct {
	sblkno   uint32 // superblock copy, fragments from the group start
	cblkno   uint32 // group descriptor
	iblkno   uint32 // inode table
	dblkno   uint32 // first data fragment after the inode table
	cgoffset uint32
	cgmask   uint32
	time     int64
	size     uint64 // fragments
	ncg      uint32
	bsize    uint32
	fsize    uint32
	frag     uint32
	inopb    uint32
	id       [2]uint32
	csaddr   uint64
	cssize   uint32
	ipg      uint32
	fpg      uint32
	cstotal  csum
	clean    uint8
	flags    uint32
	inodeFmt int32
	fsmnt    [468]byte
	volname  [32]byte
	swuid    uint64
}

// cylGroup caches the descriptor block of one cylinder group.
type cylGroup struct {
	buf []byte
	grp uint32
	ok  bool

	magic      uint32
	cgx        uint32
	time       int64
	cs         csum
	rotor      uint32
	frotor     uint32
	irotor     uint32
	iusedoff   uint32
	freeoff    uint32
	initediblk uint32
}

func isSet(m []byte, i uint64) bool {
	return m[i/8]&(1<<(i%8)) != 0
}

// probe looks for the superblock magic at off and returns the byte order
// it was found in, or nil.
func probe(f *FS, off int64, magic uint32) ([]byte, binary.ByteOrder) {
	data := make([]byte, sbSize)
	if _, err := f.ReadRandom(data, off); err != nil {
		log.Debugf("ffs: no superblock at %d: %v", off, err)
		return nil, nil
	}
	switch {
	case binary.LittleEndian.Uint32(data[0x55C:]) == magic:
		return data, binary.LittleEndian
	case binary.BigEndian.Uint32(data[0x55C:]) == magic:
		return data, binary.BigEndian
	}
	return nil, nil
}

// Open opens a UFS file system at offset in img. It returns nil, nil when
// there is no UFS superblock. typ is fsys.FFS1, fsys.FFS1B, fsys.FFS2 or
// fsys.Unknown; a UFS1 superblock is taken as UFS1b when it does not
// carry the 4.4BSD inode format.
func Open(img fsys.Image, offset int64, typ fsys.Type) (*FS, error) {
	if typ != fsys.Unknown && !typ.IsFFS() {
		return nil, fsys.Errorf(fsys.ErrArgument, "ffs_open", "invalid file system type: %s", typ)
	}

	f := &FS{}
	f.Img = img
	f.Offset = offset

	// some upgrades keep the old UFS1 superblock next to the UFS2 one,
	// so UFS2 goes first
	found := fsys.Unknown
	var data []byte
	var order binary.ByteOrder
	for _, off := range []int64{sbOffUFS2, sbOffUFS2b} {
		if data, order = probe(f, off, magicUFS2); data != nil {
			found = fsys.FFS2
			break
		}
	}
	if data == nil {
		if data, order = probe(f, sbOffUFS1, magicUFS1); data != nil {
			found = fsys.FFS1
		}
	}
	if data == nil {
		return nil, nil // Not a UFS filesystem
	}
	f.Endian = order
	f.parseSuperblock(data, found == fsys.FFS2)
	f.raw = data

	switch {
	case found == fsys.FFS2 && typ != fsys.Unknown && typ != fsys.FFS2,
		found == fsys.FFS1 && typ == fsys.FFS2:
		log.Debugf("ffs: asked for %s, found a %s superblock", typ, found)
		return nil, nil
	case found == fsys.FFS1 && typ == fsys.Unknown && f.sb.inodeFmt != inodeFmt44:
		typ = fsys.FFS1B
	case typ == fsys.Unknown:
		typ = found
	}
	f.Type = typ

	sb := &f.sb
	if sb.fsize == 0 || sb.fsize%devBlockSize != 0 || sb.bsize%devBlockSize != 0 ||
		sb.frag == 0 || sb.bsize/sb.fsize != sb.frag {
		log.Debugf("ffs: not a UFS file system: fragment size %d, block size %d, %d fragments per block",
			sb.fsize, sb.bsize, sb.frag)
		return nil, nil
	}
	if sb.ncg == 0 || sb.ipg == 0 || sb.fpg == 0 || sb.inopb == 0 || sb.size == 0 {
		log.Debugf("ffs: not a UFS file system: %d groups, %d inodes and %d fragments per group",
			sb.ncg, sb.ipg, sb.fpg)
		return nil, nil
	}
	if sb.dblkno <= sb.iblkno || sb.dblkno > sb.fpg || sb.cblkno >= sb.fpg {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "ffs_open", "group layout %d/%d/%d/%d does not fit %d fragments",
			sb.sblkno, sb.cblkno, sb.iblkno, sb.dblkno, sb.fpg)
	}

	f.bsize = sb.bsize
	f.frag = sb.frag
	f.inodeSize = dinode1Size
	if typ == fsys.FFS2 {
		f.inodeSize = dinode2Size
	}

	f.BlockSize = sb.fsize
	f.DevBlockSize = devBlockSize
	f.BlockCount = sb.size
	f.FirstBlock = 0
	f.LastBlock = f.BlockCount - 1
	f.DUName = "Fragment"

	f.InumCount = uint64(sb.ncg) * uint64(sb.ipg)
	f.FirstInum = firstIno
	f.LastInum = f.InumCount - 1
	f.RootInum = rootIno
	f.SetLastBlockAct()

	log.WithFields(log.Fields{
		"type":     typ,
		"frags":    f.BlockCount,
		"fragsize": f.BlockSize,
		"bsize":    f.bsize,
		"inodes":   f.InumCount,
		"groups":   sb.ncg,
		"offset":   offset,
	}).Debug("ffs: opened file system")
	return f, nil
}

func (f *FS) parseSuperblock(data []byte, ufs2 bool) {
	e := f.Endian
	sb := &f.sb
	sb.sblkno = e.Uint32(data[0x08:])
	sb.cblkno = e.Uint32(data[0x0C:])
	sb.iblkno = e.Uint32(data[0x10:])
	sb.dblkno = e.Uint32(data[0x14:])
	sb.ncg = e.Uint32(data[0x2C:])
	sb.bsize = e.Uint32(data[0x30:])
	sb.fsize = e.Uint32(data[0x34:])
	sb.frag = e.Uint32(data[0x38:])
	sb.inopb = e.Uint32(data[0x78:])
	sb.id[0] = e.Uint32(data[0x90:])
	sb.id[1] = e.Uint32(data[0x94:])
	sb.cssize = e.Uint32(data[0x9C:])
	sb.ipg = e.Uint32(data[0xB8:])
	sb.fpg = e.Uint32(data[0xBC:])
	sb.clean = data[0xD1]
	copy(sb.fsmnt[:], data[0xD4:0x2A8])
	sb.inodeFmt = int32(e.Uint32(data[0x52C:]))

	if ufs2 {
		// cgstart is the group base for UFS2
		copy(sb.volname[:], data[0x2A8:0x2C8])
		sb.swuid = e.Uint64(data[0x2C8:])
		sb.cstotal = csum{
			dirs:      e.Uint64(data[0x3F0:]),
			freeBlks:  e.Uint64(data[0x3F8:]),
			freeInos:  e.Uint64(data[0x400:]),
			freeFrags: e.Uint64(data[0x408:]),
		}
		sb.time = int64(e.Uint64(data[0x430:]))
		sb.size = e.Uint64(data[0x438:])
		sb.csaddr = e.Uint64(data[0x448:])
		sb.flags = e.Uint32(data[0x520:])
		return
	}

	sb.cgoffset = e.Uint32(data[0x18:])
	sb.cgmask = e.Uint32(data[0x1C:])
	sb.time = int64(int32(e.Uint32(data[0x20:])))
	sb.size = uint64(e.Uint32(data[0x24:]))
	sb.csaddr = uint64(e.Uint32(data[0x98:]))
	sb.cstotal = csum{
		dirs:      uint64(e.Uint32(data[0xC0:])),
		freeBlks:  uint64(e.Uint32(data[0xC4:])),
		freeInos:  uint64(e.Uint32(data[0xC8:])),
		freeFrags: uint64(e.Uint32(data[0xCC:])),
	}
	sb.flags = uint32(data[0xD3])
}

func (f *FS) Close() error {
	f.cg = cylGroup{}
	return nil
}

// cgBase returns the first fragment of group g.
func (f *FS) cgBase(g uint32) uint64 {
	return uint64(f.sb.fpg) * uint64(g)
}

// cgStart returns where the metadata of group g is laid out from. UFS1
// staggers it across the cylinders of a group.
func (f *FS) cgStart(g uint32) uint64 {
	if f.Type == fsys.FFS2 {
		return f.cgBase(g)
	}
	return f.cgBase(g) + uint64(f.sb.cgoffset)*uint64(g&^f.sb.cgmask)
}

// cgtod returns the fragment holding the descriptor of group g.
func (f *FS) cgtod(g uint32) uint64 { return f.cgStart(g) + uint64(f.sb.cblkno) }

// cgimin returns the first fragment of the inode table of group g.
func (f *FS) cgimin(g uint32) uint64 { return f.cgStart(g) + uint64(f.sb.iblkno) }

// cgdmin returns the first data fragment after the metadata of group g.
func (f *FS) cgdmin(g uint32) uint64 { return f.cgStart(g) + uint64(f.sb.dblkno) }

// cgsblock returns the fragment holding the superblock copy of group g.
func (f *FS) cgsblock(g uint32) uint64 { return f.cgStart(g) + uint64(f.sb.sblkno) }

// fragGroup returns the group holding fragment addr.
func (f *FS) fragGroup(addr uint64) uint32 {
	return uint32(addr / uint64(f.sb.fpg))
}

// inodeGroup returns the group holding inode inum.
func (f *FS) inodeGroup(inum uint64) uint32 {
	return uint32(inum / uint64(f.sb.ipg))
}

// group loads the descriptor of group g into the cache. The descriptor
// is trusted to fit in one block.
func (f *FS) group(g uint32) (*cylGroup, error) {
	c := &f.cg
	if c.ok && c.grp == g {
		return c, nil
	}
	if g >= f.sb.ncg {
		return nil, fsys.Errorf(fsys.ErrArgument, "ffs_group_load", "invalid cylinder group number: %d", g)
	}
	addr := f.cgtod(g)
	if addr > f.LastBlock {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "ffs_group_load", "descriptor of group %d is past the end: %d", g, addr)
	}
	if c.buf == nil {
		c.buf = make([]byte, f.bsize)
	}
	c.ok = false
	if _, err := f.ReadBlock(c.buf, addr); err != nil {
		return nil, fmt.Errorf("reading descriptor of group %d at %d: %w", g, addr, err)
	}

	e := f.Endian
	b := c.buf
	c.magic = e.Uint32(b[0x04:])
	c.cgx = e.Uint32(b[0x0C:])
	c.cs = csum{
		dirs:      uint64(e.Uint32(b[0x18:])),
		freeBlks:  uint64(e.Uint32(b[0x1C:])),
		freeInos:  uint64(e.Uint32(b[0x20:])),
		freeFrags: uint64(e.Uint32(b[0x24:])),
	}
	c.rotor = e.Uint32(b[0x28:])
	c.frotor = e.Uint32(b[0x2C:])
	c.irotor = e.Uint32(b[0x30:])
	c.iusedoff = e.Uint32(b[0x5C:])
	c.freeoff = e.Uint32(b[0x60:])
	if f.Type == fsys.FFS2 {
		c.initediblk = e.Uint32(b[0x78:])
		c.time = int64(e.Uint64(b[0x88:]))
	} else {
		c.initediblk = f.sb.ipg
		c.time = int64(int32(e.Uint32(b[0x08:])))
	}
	if c.magic != cgMagic {
		log.Debugf("ffs: group %d descriptor has magic %x", g, c.magic)
	}

	imap := uint64(f.sb.ipg+7) / 8
	fmap := uint64(f.sb.fpg+7) / 8
	if uint64(c.iusedoff)+imap > uint64(len(b)) || uint64(c.freeoff)+fmap > uint64(len(b)) {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "ffs_group_load", "group %d descriptor offsets too large at %d", g, addr)
	}
	c.grp, c.ok = g, true
	return c, nil
}

// isFragAlloc reports whether fragment addr is in use. The group maps
// free fragments and cover the whole group, metadata included.
func (f *FS) isFragAlloc(addr uint64) (bool, error) {
	g := f.fragGroup(addr)
	c, err := f.group(g)
	if err != nil {
		return false, err
	}
	return !isSet(c.buf[c.freeoff:], addr-f.cgBase(g)), nil
}

// isInodeAlloc reports the used-inode bit of inode inum.
func (f *FS) isInodeAlloc(inum uint64) (bool, error) {
	g := f.inodeGroup(inum)
	c, err := f.group(g)
	if err != nil {
		return false, err
	}
	return isSet(c.buf[c.iusedoff:], inum-uint64(g)*uint64(f.sb.ipg)), nil
}

// isMetaFrag reports whether addr lies in the metadata of its group: the
// superblock copy, the group descriptor and the inode table. Data can be
// stored between the group start and its superblock copy.
func (f *FS) isMetaFrag(addr uint64) bool {
	g := f.fragGroup(addr)
	return addr >= f.cgsblock(g) && addr < f.cgdmin(g)
}

// BlockWalk visits fragments start..end, a logical block at a time.
// With BlockAlign start must begin a block, and the fragments of a block
// that flags do not select are still reported, with a zeroed buffer,
// whenever another fragment of the block is.
func (f *FS) BlockWalk(start, end uint64, flags fsys.BlockFlag, fn fsys.BlockWalkFunc) error {
	if err := f.CheckBlockRange("ffs_block_walk", start, end); err != nil {
		return err
	}
	if end < start {
		return fsys.Errorf(fsys.ErrWalkRange, "ffs_block_walk", "end fragment %d before start %d", end, start)
	}
	align := flags&fsys.BlockAlign != 0
	if align && start%uint64(f.frag) != 0 {
		return fsys.Errorf(fsys.ErrArgument, "ffs_block_walk", "start fragment %d is not block-aligned", start)
	}
	flags = flags.Norm()
	log.Debugf("ffs: block walk %d to %d", start, end)

	fs := uint64(f.BlockSize)
	buf := make([]byte, f.bsize)
	var null []byte
	if align {
		null = make([]byte, fs)
	}
	status := make([]fsys.BlockFlag, f.frag)

	for addr := start; addr <= end; addr += uint64(f.frag) {
		frags := min(uint64(f.frag), end+1-addr)

		want := false
		for i := uint64(0); i < frags; i++ {
			alloc, err := f.isFragAlloc(addr + i)
			if err != nil {
				return err
			}
			myflags := fsys.BlockUnalloc
			if alloc {
				myflags = fsys.BlockAlloc
			}
			if f.isMetaFrag(addr + i) {
				myflags |= fsys.BlockMeta
				if !alloc {
					log.Debugf("ffs: unallocated meta fragment %d", addr+i)
				}
			} else {
				myflags |= fsys.BlockCont
			}
			status[i] = myflags
			want = want || flags.Match(myflags)
		}
		if !want {
			continue
		}

		if _, err := f.ReadBlock(buf[:frags*fs], addr); err != nil {
			return fmt.Errorf("block walk fragment %d: %w", addr, err)
		}
		for i := uint64(0); i < frags; i++ {
			var err error
			switch {
			case flags.Match(status[i]):
				err = fn(addr+i, buf[i*fs:(i+1)*fs], status[i])
			case align:
				err = fn(addr+i, null, status[i])
			default:
				continue
			}
			if err != nil {
				return fsys.WalkErr(err)
			}
		}
	}
	return nil
}
