// Package ext implements read-only ext2/ext3 filesystem support.
//
// Files mapped by ext4 extent trees and inodes with inline data are read
// as well; the extents become a run list in the inode's attributes.
package ext

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	extMagic         = 0xEF53

	devBlockSize = 512
	minBlockSize = 1024

	rootIno  = 2
	firstIno = 1

	// rev 0 inodes, and the smallest record we decode
	goodOldInodeSize = 128

	// Inode flags
	inodeFlagExtents = 0x00080000
	inodeFlagInline  = 0x10000000

	// Feature flags
	featureCompatDirPrealloc   = 0x0001
	featureCompatImagicInodes  = 0x0002
	featureCompatHasJournal    = 0x0004
	featureCompatExtAttr       = 0x0008
	featureCompatResizeInode   = 0x0010
	featureCompatDirIndex      = 0x0020
	featureIncompatCompression = 0x0001
	featureIncompatFiletype    = 0x0002
	featureIncompatRecover     = 0x0004
	featureIncompatJournalDev  = 0x0008
	featureIncompatMetaBG      = 0x0010
	featureIncompatExtents     = 0x0040
	featureIncompat64Bit       = 0x0080
	featureROCompatSparseSuper = 0x0001
	featureROCompatLargeFile   = 0x0002
	featureROCompatBtreeDir    = 0x0004
)

// FS implements a read-only ext2/3 filesystem
type FS struct {
	fsys.FSInfo
	fsys.NoJournal

	sb     superblock
	raw    []byte // superblock bytes, for fsstat
	groups []groupDesc

	inodeSize  uint32
	descSize   uint32
	dentV2     bool   // directory entries carry a file type byte
	itabBlocks uint64 // blocks of one group's inode table

	bmap bitmapCache
	imap bitmapCache
}

type superblock struct {
	inodesCount     uint32
	blocksCount     uint64
	freeBlocksCount uint64
	freeInodesCount uint32
	firstDataBlock  uint32
	logBlockSize    uint32
	logFragSize     uint32
	blocksPerGroup  uint32
	inodesPerGroup  uint32
	mtime           uint32
	wtime           uint32
	state           uint16
	lastcheck       uint32
	creatorOS       uint32
	revLevel        uint32
	inodeSize       uint16
	featureCompat   uint32
	featureIncompat uint32
	featureROCompat uint32
	uuid            [16]byte
	volumeName      [16]byte
	lastMounted     [64]byte
	journalUUID     [16]byte
	journalInum     uint32
	journalDev      uint32
	lastOrphan      uint32
	descSize        uint16
	groupCount      uint32
}

type groupDesc struct {
	blockBitmap     uint64
	inodeBitmap     uint64
	inodeTable      uint64
	freeBlocksCount uint32
	freeInodesCount uint32
	usedDirsCount   uint32
}

// bitmapCache holds the bitmap block of one group.
type bitmapCache struct {
	buf []byte
	grp uint32
	ok  bool
}

func isSet(m []byte, i uint64) bool {
	return m[i/8]&(1<<(i%8)) != 0
}

// Open opens an ext2/3 filesystem at offset in img. It returns nil, nil
// when there is no ext superblock. typ is fsys.Ext2, fsys.Ext3 or
// fsys.Unknown, which picks Ext3 when the file system has a journal.
func Open(img fsys.Image, offset int64, typ fsys.Type) (*FS, error) {
	if typ != fsys.Unknown && !typ.IsExt() {
		return nil, fsys.Errorf(fsys.ErrArgument, "ext2fs_open", "invalid file system type: %s", typ)
	}

	f := &FS{}
	f.Img = img
	f.Offset = offset
	f.Endian = binary.LittleEndian

	sbData := make([]byte, superblockSize)
	if _, err := f.ReadRandom(sbData, superblockOffset); err != nil {
		return nil, fmt.Errorf("reading superblock: %w", err)
	}

	magic := binary.LittleEndian.Uint16(sbData[0x38:0x3A])
	if magic != extMagic {
		return nil, nil // Not an ext filesystem
	}
	f.parseSuperblock(sbData)
	f.raw = sbData

	if f.sb.inodesCount < 10 || f.sb.inodesPerGroup == 0 || f.sb.blocksPerGroup == 0 || f.sb.logBlockSize > 16 {
		log.Debugf("ext: not an ext file system: %d inodes, %d inodes and %d blocks per group",
			f.sb.inodesCount, f.sb.inodesPerGroup, f.sb.blocksPerGroup)
		return nil, nil
	}
	if f.sb.blocksCount <= uint64(f.sb.firstDataBlock) {
		log.Debugf("ext: not an ext file system: %d blocks", f.sb.blocksCount)
		return nil, nil
	}
	if f.sb.logBlockSize != f.sb.logFragSize {
		return nil, fsys.Errorf(fsys.ErrUnsupported, "ext2fs_open", "fragments are a different size than blocks")
	}
	if f.sb.featureIncompat&featureIncompatMetaBG != 0 {
		return nil, fsys.Errorf(fsys.ErrUnsupported, "ext2fs_open", "meta block groups")
	}

	if typ == fsys.Unknown {
		if f.sb.featureCompat&featureCompatHasJournal != 0 {
			typ = fsys.Ext3
		} else {
			typ = fsys.Ext2
		}
	}
	f.Type = typ
	f.dentV2 = f.sb.featureIncompat&featureIncompatFiletype != 0

	f.InumCount = uint64(f.sb.inodesCount)
	f.FirstInum = firstIno
	f.LastInum = f.InumCount
	f.RootInum = rootIno

	f.inodeSize = uint32(f.sb.inodeSize)
	if f.inodeSize < goodOldInodeSize {
		log.Debugf("ext: superblock inode size %d is too small, using %d", f.inodeSize, goodOldInodeSize)
		f.inodeSize = goodOldInodeSize
	}

	f.BlockSize = minBlockSize << f.sb.logBlockSize
	f.DevBlockSize = devBlockSize
	f.BlockCount = f.sb.blocksCount
	f.FirstBlock = 0
	f.LastBlock = f.BlockCount - 1
	f.DUName = "Fragment"
	f.JournInum = uint64(f.sb.journalInum)
	f.itabBlocks = (uint64(f.sb.inodesPerGroup)*uint64(f.inodeSize)-1)/uint64(f.BlockSize) + 1
	f.SetLastBlockAct()

	if err := f.loadGroups(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"type":      typ,
		"blocks":    f.BlockCount,
		"blocksize": f.BlockSize,
		"inodes":    f.InumCount,
		"groups":    f.sb.groupCount,
		"offset":    offset,
	}).Debug("ext: opened file system")
	return f, nil
}

func (f *FS) parseSuperblock(data []byte) {
	f.sb.inodesCount = binary.LittleEndian.Uint32(data[0x00:0x04])
	f.sb.blocksCount = uint64(binary.LittleEndian.Uint32(data[0x04:0x08]))
	f.sb.freeBlocksCount = uint64(binary.LittleEndian.Uint32(data[0x0C:0x10]))
	f.sb.freeInodesCount = binary.LittleEndian.Uint32(data[0x10:0x14])
	f.sb.firstDataBlock = binary.LittleEndian.Uint32(data[0x14:0x18])
	f.sb.logBlockSize = binary.LittleEndian.Uint32(data[0x18:0x1C])
	f.sb.logFragSize = binary.LittleEndian.Uint32(data[0x1C:0x20])
	f.sb.blocksPerGroup = binary.LittleEndian.Uint32(data[0x20:0x24])
	f.sb.inodesPerGroup = binary.LittleEndian.Uint32(data[0x28:0x2C])
	f.sb.mtime = binary.LittleEndian.Uint32(data[0x2C:0x30])
	f.sb.wtime = binary.LittleEndian.Uint32(data[0x30:0x34])
	f.sb.state = binary.LittleEndian.Uint16(data[0x3A:0x3C])
	f.sb.lastcheck = binary.LittleEndian.Uint32(data[0x40:0x44])
	f.sb.creatorOS = binary.LittleEndian.Uint32(data[0x48:0x4C])
	f.sb.revLevel = binary.LittleEndian.Uint32(data[0x4C:0x50])
	f.sb.inodeSize = binary.LittleEndian.Uint16(data[0x58:0x5A])
	f.sb.featureCompat = binary.LittleEndian.Uint32(data[0x5C:0x60])
	f.sb.featureIncompat = binary.LittleEndian.Uint32(data[0x60:0x64])
	f.sb.featureROCompat = binary.LittleEndian.Uint32(data[0x64:0x68])
	copy(f.sb.uuid[:], data[0x68:0x78])
	copy(f.sb.volumeName[:], data[0x78:0x88])
	copy(f.sb.lastMounted[:], data[0x88:0xC8])
	copy(f.sb.journalUUID[:], data[0xD0:0xE0])
	f.sb.journalInum = binary.LittleEndian.Uint32(data[0xE0:0xE4])
	f.sb.journalDev = binary.LittleEndian.Uint32(data[0xE4:0xE8])
	f.sb.lastOrphan = binary.LittleEndian.Uint32(data[0xE8:0xEC])

	// Default inode size for rev 0
	if f.sb.revLevel == 0 {
		f.sb.inodeSize = goodOldInodeSize
	}

	// Descriptor size for 64-bit feature
	if f.sb.featureIncompat&featureIncompat64Bit != 0 {
		f.sb.descSize = binary.LittleEndian.Uint16(data[0xFE:0x100])
		if f.sb.descSize < 64 {
			f.sb.descSize = 64
		}
		// Get high 32 bits of block count
		high := binary.LittleEndian.Uint32(data[0x150:0x154])
		f.sb.blocksCount |= uint64(high) << 32
	} else {
		f.sb.descSize = 32
	}
	f.descSize = uint32(f.sb.descSize)

	// Calculate group count
	if f.sb.blocksPerGroup != 0 && f.sb.blocksCount > uint64(f.sb.firstDataBlock) {
		f.sb.groupCount = uint32((f.sb.blocksCount - uint64(f.sb.firstDataBlock) + uint64(f.sb.blocksPerGroup) - 1) / uint64(f.sb.blocksPerGroup))
	}
}

func (f *FS) Close() error {
	f.groups = nil
	f.bmap = bitmapCache{}
	f.imap = bitmapCache{}
	return nil
}

// groupsOffset returns the byte offset of the descriptor table, which
// starts in the block after the superblock.
func (f *FS) groupsOffset() int64 {
	bs := int64(f.BlockSize)
	return (superblockOffset + superblockSize + bs - 1) / bs * bs
}

// loadGroups reads the whole group descriptor table.
func (f *FS) loadGroups() error {
	n := uint64(f.sb.groupCount)
	if avail := f.Img.Size() - f.Offset - f.groupsOffset(); avail < 0 || n*uint64(f.descSize) > uint64(avail) {
		return fsys.Errorf(fsys.ErrCorrupt, "ext2fs_open", "%d group descriptors do not fit in the image", n)
	}
	data := make([]byte, n*uint64(f.descSize))
	if _, err := f.ReadRandom(data, f.groupsOffset()); err != nil {
		return fmt.Errorf("reading %d group descriptors: %w", n, err)
	}
	f.groups = make([]groupDesc, n)
	for g := range f.groups {
		f.groups[g] = f.parseGroupDesc(data[uint64(g)*uint64(f.descSize):])
	}
	return nil
}

func (f *FS) parseGroupDesc(data []byte) groupDesc {
	bgd := groupDesc{
		blockBitmap:     uint64(binary.LittleEndian.Uint32(data[0x00:0x04])),
		inodeBitmap:     uint64(binary.LittleEndian.Uint32(data[0x04:0x08])),
		inodeTable:      uint64(binary.LittleEndian.Uint32(data[0x08:0x0C])),
		freeBlocksCount: uint32(binary.LittleEndian.Uint16(data[0x0C:0x0E])),
		freeInodesCount: uint32(binary.LittleEndian.Uint16(data[0x0E:0x10])),
		usedDirsCount:   uint32(binary.LittleEndian.Uint16(data[0x10:0x12])),
	}

	// 64-bit extensions
	if f.sb.featureIncompat&featureIncompat64Bit != 0 && f.descSize >= 64 {
		bgd.blockBitmap |= uint64(binary.LittleEndian.Uint32(data[0x20:0x24])) << 32
		bgd.inodeBitmap |= uint64(binary.LittleEndian.Uint32(data[0x24:0x28])) << 32
		bgd.inodeTable |= uint64(binary.LittleEndian.Uint32(data[0x28:0x2C])) << 32
	}
	return bgd
}

func (f *FS) group(g uint32) (*groupDesc, error) {
	if uint64(g) >= uint64(len(f.groups)) {
		return nil, fsys.Errorf(fsys.ErrArgument, "ext2fs_group_load", "invalid group descriptor number: %d", g)
	}
	return &f.groups[g], nil
}

// cgBase returns the first block of group g.
func (f *FS) cgBase(g uint32) uint64 {
	return uint64(f.sb.blocksPerGroup)*uint64(g) + uint64(f.sb.firstDataBlock)
}

// blockGroup returns the group holding block addr, which must not be
// before the first data block.
func (f *FS) blockGroup(addr uint64) uint32 {
	return uint32((addr - uint64(f.sb.firstDataBlock)) / uint64(f.sb.blocksPerGroup))
}

// inodeGroup returns the group holding inode inum.
func (f *FS) inodeGroup(inum uint64) uint32 {
	return uint32((inum - firstIno) / uint64(f.sb.inodesPerGroup))
}

// loadBitmap fills c with the bitmap stored at block addr for group g.
func (f *FS) loadBitmap(c *bitmapCache, g uint32, addr uint64, what string) error {
	if c.ok && c.grp == g {
		return nil
	}
	if addr > f.LastBlock {
		return fsys.Errorf(fsys.ErrCorrupt, "ext2fs_"+what+"_load", "block too large for image: %d", addr)
	}
	if c.buf == nil {
		c.buf = make([]byte, f.BlockSize)
	}
	c.ok = false
	if _, err := f.ReadBlock(c.buf, addr); err != nil {
		return fmt.Errorf("reading %s of group %d at block %d: %w", what, g, addr, err)
	}
	c.grp, c.ok = g, true
	return nil
}

// isBlockAlloc reports the bitmap bit of block addr. Blocks before the
// first group are always allocated.
func (f *FS) isBlockAlloc(addr uint64) (bool, error) {
	if addr < uint64(f.sb.firstDataBlock) {
		return true, nil
	}
	g := f.blockGroup(addr)
	gd, err := f.group(g)
	if err != nil {
		return false, err
	}
	if err := f.loadBitmap(&f.bmap, g, gd.blockBitmap, "bmap"); err != nil {
		return false, err
	}
	bit := addr - f.cgBase(g)
	if bit >= uint64(len(f.bmap.buf))*8 {
		return false, nil
	}
	return isSet(f.bmap.buf, bit), nil
}

// isInodeAlloc reports the bitmap bit of inode inum.
func (f *FS) isInodeAlloc(inum uint64) (bool, error) {
	g := f.inodeGroup(inum)
	gd, err := f.group(g)
	if err != nil {
		return false, err
	}
	if err := f.loadBitmap(&f.imap, g, gd.inodeBitmap, "imap"); err != nil {
		return false, err
	}
	bit := inum - firstIno - uint64(g)*uint64(f.sb.inodesPerGroup)
	if bit >= uint64(len(f.imap.buf))*8 {
		return false, nil
	}
	return isSet(f.imap.buf, bit), nil
}

// isMetaBlock reports whether addr holds group metadata: the superblock
// and descriptor copy at the start of the group, the two bitmaps and the
// inode table. Sparse superblock groups put the bitmaps where the copy
// would be, so the test is by range rather than by feature.
func (f *FS) isMetaBlock(addr uint64) (bool, error) {
	if addr < uint64(f.sb.firstDataBlock) {
		return true, nil
	}
	g := f.blockGroup(addr)
	gd, err := f.group(g)
	if err != nil {
		return false, err
	}
	dbase := f.cgBase(g)
	dmin := gd.inodeTable + f.itabBlocks
	return (addr >= dbase && addr < gd.blockBitmap) ||
		addr == gd.blockBitmap ||
		addr == gd.inodeBitmap ||
		(addr >= gd.inodeTable && addr < dmin), nil
}

// BlockWalk visits blocks start..end. Group metadata is reported as
// META, everything else as CONT, with allocation from the block bitmap.
func (f *FS) BlockWalk(start, end uint64, flags fsys.BlockFlag, fn fsys.BlockWalkFunc) error {
	if err := f.CheckBlockRange("ext2fs_block_walk", start, end); err != nil {
		return err
	}
	if end < start {
		return fsys.Errorf(fsys.ErrWalkRange, "ext2fs_block_walk", "end block %d before start %d", end, start)
	}
	flags = flags.Norm()
	log.Debugf("ext: block walk %d to %d", start, end)

	buf := make([]byte, f.BlockSize)
	for addr := start; addr <= end; addr++ {
		alloc, err := f.isBlockAlloc(addr)
		if err != nil {
			return err
		}
		meta, err := f.isMetaBlock(addr)
		if err != nil {
			return err
		}

		myflags := fsys.BlockUnalloc
		if alloc {
			myflags = fsys.BlockAlloc
		}
		if meta {
			myflags |= fsys.BlockMeta
			if !alloc {
				log.Debugf("ext: unallocated meta block %d", addr)
			}
		} else {
			myflags |= fsys.BlockCont
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
