// Package fat implements read-only FAT12/16/32 filesystem support.
//
// FAT has no inode table. Every 32-byte directory entry slot in the data
// area is addressed by its position: slot i of sector s is inode
// (s-firstDataSect)*entriesPerSector + 3 + i. Inode 2 is the root
// directory, which has no entry of its own and is made up on demand.
package fat

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	bootMagic    = 0xaa55
	devBlockSize = 512
	dentrySize   = 32

	rootIno  = 2
	firstIno = 2

	mask12 = 0x0fff
	mask16 = 0xffff
	mask32 = 0x0fffffff

	clustEOF = 0x0ffffff8 // lowest end-of-chain value before masking
	clustBad = 0x0ffffff7

	fatCacheSectors = 8
)

// FS implements a read-only FAT filesystem
type FS struct {
	fsys.FSInfo
	fsys.NoJournal

	bpb  bpb
	boot []byte // first 512 bytes of the boot sector

	ssize          uint64 // bytes per sector
	csize          uint64 // sectors per cluster
	mask           uint64
	firstFATSect   uint64
	firstDataSect  uint64 // first sector after the FATs
	firstClustSect uint64 // sector of cluster 2
	clustCnt       uint64
	lastClust      uint64
	rootSect       uint64
	dentPerSect    uint64

	fat fatCache
}

// bpb contains the BIOS Parameter Block fields we need
type bpb struct {
	oemName           [8]byte
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	rootEntryCount    uint16 // 0 for FAT32
	totalSectors      uint32
	fatSize           uint32 // in sectors
	hiddenSectors     uint32
	rootCluster       uint32 // FAT32 only
	fsInfoSector      uint16 // FAT32 only
	backupBootSector  uint16 // FAT32 only
}

// fatCache holds a window of sectors of the first FAT
type fatCache struct {
	buf  []byte
	base uint64 // sector address of buf[0]
}

// Open opens a FAT filesystem at offset in img. It returns nil, nil when
// the boot sector does not describe a FAT file system. typ selects
// FAT12, FAT16 or FAT32; fsys.Unknown picks the variant from the cluster
// count.
func Open(img fsys.Image, offset int64, typ fsys.Type) (*FS, error) {
	if typ != fsys.Unknown && !typ.IsFAT() {
		return nil, fsys.Errorf(fsys.ErrArgument, "fatfs_open", "invalid file system type: %s", typ)
	}

	f := &FS{}
	f.Img = img
	f.Offset = offset
	f.Endian = binary.LittleEndian

	header := make([]byte, 512)
	if _, err := f.ReadRandom(header, 0); err != nil {
		return nil, fmt.Errorf("reading boot sector: %w", err)
	}

	// Verify boot sector signature
	if binary.LittleEndian.Uint16(header[510:512]) != bootMagic {
		return nil, nil // Not a FAT filesystem
	}

	f.parseBPB(header)
	if reason := f.bpb.check(); reason != "" {
		log.Debugf("fat: not a FAT file system: %s", reason)
		return nil, nil
	}

	sectors := uint64(f.bpb.totalSectors)
	f.ssize = uint64(f.bpb.bytesPerSector)
	f.csize = uint64(f.bpb.sectorsPerCluster)
	f.firstFATSect = uint64(f.bpb.reservedSectors)
	f.firstDataSect = f.firstFATSect + uint64(f.bpb.fatSize)*uint64(f.bpb.numFATs)
	f.firstClustSect = f.firstDataSect + (uint64(f.bpb.rootEntryCount)*dentrySize+f.ssize-1)/f.ssize
	if f.firstClustSect >= sectors {
		log.Debugf("fat: not a FAT file system: data area starts at sector %d of %d", f.firstClustSect, sectors)
		return nil, nil
	}
	f.clustCnt = (sectors - f.firstClustSect) / f.csize
	f.lastClust = 1 + f.clustCnt

	// cluster count thresholds from the Microsoft FAT overview
	if typ == fsys.Unknown {
		switch {
		case f.clustCnt < 4085:
			typ = fsys.FAT12
		case f.clustCnt < 65525:
			typ = fsys.FAT16
		default:
			typ = fsys.FAT32
		}
	} else if typ == fsys.FAT12 && f.clustCnt >= 4085 {
		return nil, fsys.Errorf(fsys.ErrArgument, "fatfs_open", "too many clusters for FAT12: %d, try auto-detect mode", f.clustCnt)
	}
	if typ == fsys.FAT32 && f.bpb.rootEntryCount != 0 {
		log.Debugf("fat: invalid FAT32 image: %d root entries", f.bpb.rootEntryCount)
		return nil, nil
	}
	if typ != fsys.FAT32 && f.bpb.rootEntryCount == 0 {
		log.Debugf("fat: invalid %s image: no root entries", typ)
		return nil, nil
	}
	f.Type = typ

	switch typ {
	case fsys.FAT12:
		f.mask = mask12
	case fsys.FAT16:
		f.mask = mask16
	default:
		f.mask = mask32
	}

	// the FAT12/16 root directory sits between the FATs and cluster 2
	if typ == fsys.FAT32 {
		rc := uint64(f.bpb.rootCluster)
		if rc < 2 || rc > f.lastClust {
			log.Debugf("fat: invalid FAT32 root cluster %d", rc)
			return nil, nil
		}
		f.rootSect = f.clustToSect(rc)
	} else {
		f.rootSect = f.firstDataSect
	}

	f.FirstBlock = 0
	f.BlockCount = sectors
	f.LastBlock = sectors - 1
	f.BlockSize = uint32(f.ssize)
	f.DevBlockSize = devBlockSize
	f.DUName = "Sector"

	f.dentPerSect = f.ssize / dentrySize
	f.RootInum = rootIno
	f.FirstInum = firstIno
	f.InumCount = (f.BlockCount - f.firstDataSect) * f.dentPerSect
	f.LastInum = f.FirstInum + f.InumCount

	f.SetLastBlockAct()
	f.boot = header

	log.WithFields(log.Fields{
		"type":     typ,
		"sectors":  sectors,
		"clusters": f.clustCnt,
		"offset":   offset,
	}).Debug("fat: opened file system")
	return f, nil
}

func (f *FS) parseBPB(header []byte) {
	copy(f.bpb.oemName[:], header[3:11])
	f.bpb.bytesPerSector = binary.LittleEndian.Uint16(header[11:13])
	f.bpb.sectorsPerCluster = header[13]
	f.bpb.reservedSectors = binary.LittleEndian.Uint16(header[14:16])
	f.bpb.numFATs = header[16]
	f.bpb.rootEntryCount = binary.LittleEndian.Uint16(header[17:19])
	f.bpb.hiddenSectors = binary.LittleEndian.Uint32(header[28:32])

	totalSectors16 := binary.LittleEndian.Uint16(header[19:21])
	fatSize16 := binary.LittleEndian.Uint16(header[22:24])
	totalSectors32 := binary.LittleEndian.Uint32(header[32:36])

	if totalSectors16 != 0 {
		f.bpb.totalSectors = uint32(totalSectors16)
	} else {
		f.bpb.totalSectors = totalSectors32
	}

	if fatSize16 != 0 {
		f.bpb.fatSize = uint32(fatSize16)
	} else {
		f.bpb.fatSize = binary.LittleEndian.Uint32(header[36:40])
	}
	f.bpb.rootCluster = binary.LittleEndian.Uint32(header[44:48])
	f.bpb.fsInfoSector = binary.LittleEndian.Uint16(header[48:50])
	f.bpb.backupBootSector = binary.LittleEndian.Uint16(header[50:52])
}

// check returns why the BPB cannot be a FAT file system, or "".
func (b *bpb) check() string {
	switch b.bytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return fmt.Sprintf("sector size %d", b.bytesPerSector)
	}
	if c := b.sectorsPerCluster; c == 0 || c&(c-1) != 0 {
		return fmt.Sprintf("cluster size %d", c)
	}
	if b.numFATs == 0 || b.numFATs > 8 {
		return fmt.Sprintf("number of FATs %d", b.numFATs)
	}
	if b.fatSize == 0 {
		return "no sectors per FAT"
	}
	if b.reservedSectors == 0 || uint32(b.reservedSectors) > b.totalSectors {
		return fmt.Sprintf("first FAT sector %d", b.reservedSectors)
	}
	return ""
}

// Close releases the FAT cache
func (f *FS) Close() error {
	f.fat = fatCache{}
	return nil
}

func (f *FS) clustToSect(c uint64) uint64 {
	return f.firstClustSect + ((c&f.mask)-2)*f.csize
}

func (f *FS) sectToClust(s uint64) uint64 {
	return 2 + (s-f.firstClustSect)/f.csize
}

func (f *FS) sectToInode(s uint64) uint64 {
	return (s-f.firstDataSect)*f.dentPerSect + 3
}

func (f *FS) inodeToSect(inum uint64) uint64 {
	return (inum-3)/f.dentPerSect + f.firstDataSect
}

func (f *FS) inodeToOff(inum uint64) uint64 {
	return ((inum - 3) % f.dentPerSect) * dentrySize
}

func (f *FS) isEOF(v uint64) bool {
	return v >= clustEOF&f.mask && v <= mask32
}

func (f *FS) isBad(v uint64) bool {
	return v == clustBad&f.mask
}

// fatBytes returns n bytes at byte offset off of the first FAT.
func (f *FS) fatBytes(off uint64, n int) ([]byte, error) {
	c := &f.fat
	sect := f.firstFATSect + off/f.ssize
	rel := off % f.ssize
	if c.buf != nil && sect >= c.base {
		start := (sect-c.base)*f.ssize + rel
		if start+uint64(n) <= uint64(len(c.buf)) {
			return c.buf[start : start+uint64(n)], nil
		}
	}

	// the window starts at the entry's sector so a FAT12 entry that
	// straddles two sectors is always covered
	cnt := uint64(fatCacheSectors)
	if sect <= f.LastBlockAct && sect+cnt-1 > f.LastBlockAct {
		cnt = f.LastBlockAct - sect + 1
	}
	buf := c.buf
	if uint64(cap(buf)) < cnt*f.ssize {
		buf = make([]byte, fatCacheSectors*f.ssize)
	}
	buf = buf[:cnt*f.ssize]
	if _, err := f.ReadBlock(buf, sect); err != nil {
		c.buf = nil
		return nil, fmt.Errorf("reading FAT sector %d: %w", sect, err)
	}
	c.buf, c.base = buf, sect
	if rel+uint64(n) > uint64(len(buf)) {
		return nil, fsys.Errorf(fsys.ErrRead, "getFAT", "FAT entry in sector %d runs past the end of the image", sect)
	}
	return buf[rel : rel+uint64(n)], nil
}

// getFAT returns the FAT entry of cluster clust. Entries pointing past
// the last cluster that are not EOF or BAD markers read as 0.
func (f *FS) getFAT(clust uint64) (uint64, error) {
	if clust > f.lastClust {
		// the sectors after the last full cluster have no entry
		if clust == f.lastClust+1 && f.firstClustSect+f.csize*f.clustCnt-1 != f.LastBlock {
			return 0, nil
		}
		return 0, fsys.Errorf(fsys.ErrArgument, "getFAT", "invalid cluster address: %d", clust)
	}

	var v uint64
	switch f.Type {
	case fsys.FAT12:
		b, err := f.fatBytes(clust+clust>>1, 2)
		if err != nil {
			return 0, err
		}
		v = uint64(binary.LittleEndian.Uint16(b))
		if clust&1 != 0 {
			v >>= 4
		}
	case fsys.FAT16:
		b, err := f.fatBytes(clust<<1, 2)
		if err != nil {
			return 0, err
		}
		v = uint64(binary.LittleEndian.Uint16(b))
	default:
		b, err := f.fatBytes(clust<<2, 4)
		if err != nil {
			return 0, err
		}
		v = uint64(binary.LittleEndian.Uint32(b))
	}
	v &= f.mask

	if v > f.lastClust && v < clustBad&f.mask {
		log.Debugf("fat: entry of cluster %d too large (%d), resetting", clust, v)
		v = 0
	}
	return v, nil
}

func (f *FS) isClustAlloc(clust uint64) (bool, error) {
	v, err := f.getFAT(clust)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// isSectAlloc reports whether sector sect is allocated. Everything before
// the first cluster is; the sectors after the last full cluster are not.
func (f *FS) isSectAlloc(sect uint64) (bool, error) {
	if sect < f.firstClustSect {
		return true, nil
	}
	if sect <= f.LastBlock && sect >= f.firstClustSect+f.csize*f.clustCnt {
		return false, nil
	}
	return f.isClustAlloc(f.sectToClust(sect))
}

// BlockWalk visits sectors start..end. Sectors before the first cluster
// are allocated: the boot sector, reserved area and FATs as metadata and
// the FAT12/16 root directory as content. Clustered sectors take their
// status from the FAT.
func (f *FS) BlockWalk(start, end uint64, flags fsys.BlockFlag, fn fsys.BlockWalkFunc) error {
	if err := f.CheckBlockRange("fatfs_block_walk", start, end); err != nil {
		return err
	}
	flags = flags.Norm()
	log.Debugf("fat: block walk %d to %d", start, end)

	addr := start
	if addr < f.firstClustSect && flags&fsys.BlockAlloc != 0 {
		buf := make([]byte, 8*f.ssize)
		for addr < f.firstClustSect && addr <= end {
			n := uint64(8)
			if addr+n > f.firstClustSect {
				n = f.firstClustSect - addr
			}
			if addr+n-1 > end {
				n = end - addr + 1
			}
			if _, err := f.ReadBlock(buf[:n*f.ssize], addr); err != nil {
				return fmt.Errorf("pre-data area block %d: %w", addr, err)
			}
			for i := uint64(0); i < n; i, addr = i+1, addr+1 {
				myflags := fsys.BlockAlloc
				if addr < f.firstDataSect {
					myflags |= fsys.BlockMeta
				} else {
					myflags |= fsys.BlockCont
				}
				if !flags.Match(myflags) {
					continue
				}
				if err := fn(addr, buf[i*f.ssize:(i+1)*f.ssize], myflags); err != nil {
					return fsys.WalkErr(err)
				}
			}
		}
	} else if addr < f.firstClustSect {
		addr = f.firstClustSect
	}
	if addr > end {
		return nil
	}

	// walk the data area a cluster at a time from the cluster holding addr
	addr = f.firstClustSect + (addr-f.firstClustSect)/f.csize*f.csize
	buf := make([]byte, f.csize*f.ssize)
	for ; addr <= end; addr += f.csize {
		alloc, err := f.isSectAlloc(addr)
		if err != nil {
			return err
		}
		myflags := fsys.BlockCont
		if alloc {
			myflags |= fsys.BlockAlloc
		} else {
			myflags |= fsys.BlockUnalloc
		}
		if !flags.Match(myflags) {
			continue
		}

		n := f.csize
		if end-addr+1 < n {
			n = end - addr + 1
		}
		if _, err := f.ReadBlock(buf[:n*f.ssize], addr); err != nil {
			return fmt.Errorf("block %d: %w", addr, err)
		}
		for i := uint64(0); i < n; i++ {
			if addr+i < start {
				continue
			}
			if err := fn(addr+i, buf[i*f.ssize:(i+1)*f.ssize], myflags); err != nil {
				return fsys.WalkErr(err)
			}
		}
	}
	return nil
}
