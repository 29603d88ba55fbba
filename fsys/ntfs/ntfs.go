// Package ntfs implements read-only NTFS support: the MFT and its
// attributes, attribute lists that spread a file over several records,
// compressed and sparse content, and directory indexes including the
// deleted entries left in their slack.
package ntfs

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	ntfsMagic    = "NTFS    "
	bootMagic    = 0xAA55
	bootSize     = 8192 // $Boot covers the first 16 sectors
	devBlockSize = 512

	// MFT record flags
	mftFlagInUse = 0x01
	mftFlagDir   = 0x02

	// Attribute types
	attrStandardInfo    = 0x10
	attrAttributeList   = 0x20
	attrFileName        = 0x30
	attrObjectID        = 0x40
	attrSecurityDesc    = 0x50
	attrVolumeName      = 0x60
	attrVolumeInfo      = 0x70
	attrData            = 0x80
	attrIndexRoot       = 0x90
	attrIndexAllocation = 0xA0
	attrBitmap          = 0xB0
	attrReparsePoint    = 0xC0
	attrEAInfo          = 0xD0
	attrEA              = 0xE0
	attrLoggedStream    = 0x100
	attrEnd             = 0xFFFFFFFF

	// Attribute header flags
	attrFlagComp   = 0x0001
	attrFlagEnc    = 0x4000
	attrFlagSparse = 0x8000

	// File name namespaces
	fileNamePOSIX = 0
	fileNameWin32 = 1
	fileNameDOS   = 2
	fileNameBoth  = 3

	// System files
	mftMFT     = 0
	mftMFTMirr = 1
	mftLogFile = 2
	mftVolume  = 3
	mftAttrDef = 4
	mftRoot    = 5
	mftBitmap  = 6
	mftBoot    = 7
	mftBadClus = 8
	mftSecure  = 9
	mftUpCase  = 10
	mftExtend  = 11

	// entries that can be read before $MFT's own runs are known
	lastDefaultIno = 15

	indexName = "$I30"
)

// Attribute types and the directory index name, for tools that list
// streams individually.
const (
	AttrData      = attrData
	AttrIndexRoot = attrIndexRoot
	IndexName     = indexName
)

// version is the NTFS version from $Volume.
type version int

const (
	verUnknown version = iota
	verNT              // 1.2
	ver2K              // 3.0
	verXP              // 3.1
)

func (v version) String() string {
	switch v {
	case verNT:
		return "Windows NT"
	case ver2K:
		return "Windows 2000"
	case verXP:
		return "Windows XP"
	default:
		return "unknown"
	}
}

// FS implements a read-only NTFS filesystem
type FS struct {
	fsys.FSInfo
	fsys.NoJournal

	ssize     uint32 // bytes per sector
	csize     uint32 // sectors per cluster
	totSect   uint64
	mftClust  uint64
	mirrClust uint64
	mftRSize  uint32
	idxRSize  uint32
	serial    uint64
	oemName   string

	// loading is set while entry 0 is read to find the MFT itself. The
	// first entries are then read from their fixed place after mftClust.
	loading bool
	mftData *fsys.Data // $Data of $MFT
	ver     version

	bmap    *fsys.Data // $Data of $Bitmap
	bmapBuf []byte     // one cluster of the bitmap
	bmapVCN uint64
	bmapOK  bool

	attrDefs []attrDef // $AttrDef, loaded on first use
}

// Open opens an NTFS file system at offset in img. It returns nil, nil
// when the boot sector is not an NTFS one. typ is fsys.NTFS or
// fsys.Unknown.
func Open(img fsys.Image, offset int64, typ fsys.Type) (*FS, error) {
	if typ != fsys.Unknown && typ != fsys.NTFS {
		return nil, fsys.Errorf(fsys.ErrArgument, "ntfs_open", "invalid file system type: %s", typ)
	}

	f := &FS{}
	f.Img = img
	f.Offset = offset
	f.Type = fsys.NTFS
	f.Endian = binary.LittleEndian

	boot := make([]byte, devBlockSize)
	if _, err := f.ReadRandom(boot, 0); err != nil {
		return nil, fmt.Errorf("reading boot sector: %w", err)
	}
	if binary.LittleEndian.Uint16(boot[510:]) != bootMagic || string(boot[3:11]) != ntfsMagic {
		return nil, nil // Not NTFS
	}
	if err := f.parseBootSector(boot); err != nil {
		log.Debugf("ntfs: not an NTFS file system: %v", err)
		return nil, nil
	}

	f.FirstBlock = 0
	f.LastBlock = f.BlockCount - 1
	f.DevBlockSize = devBlockSize
	f.DUName = "Cluster"
	f.Flags |= fsys.HaveSeq
	f.SetLastBlockAct()

	f.RootInum = mftRoot
	f.FirstInum = 0
	f.LastInum = lastDefaultIno
	f.InumCount = lastDefaultIno + 1

	// entry 0 describes where the rest of the MFT is
	f.loading = true
	_, err := f.InodeLookup(mftMFT)
	f.loading = false
	if err != nil {
		return nil, fmt.Errorf("loading $MFT: %w", err)
	}
	if f.mftData == nil {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "ntfs_open", "$Data attribute of $MFT not found")
	}

	if err := f.loadVersion(); err != nil {
		return nil, err
	}
	if err := f.loadBitmap(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"version":     f.ver,
		"clusters":    f.BlockCount,
		"clustersize": f.BlockSize,
		"entries":     f.InumCount,
		"mft":         f.mftClust,
		"offset":      offset,
	}).Debug("ntfs: opened file system")
	return f, nil
}

// recordSize decodes the clusters-per-record byte of the boot sector: a
// positive value counts clusters, a negative one is a power of two in
// bytes.
func recordSize(b byte, clusterSize uint32) (uint32, error) {
	n := int8(b)
	switch {
	case n > 0:
		size := uint32(n) * clusterSize
		if size > 1<<16 {
			return 0, fmt.Errorf("record size of %d clusters", n)
		}
		return size, nil
	case n < -16 || n > -9:
		return 0, fmt.Errorf("record size of 2^%d bytes", -int(n))
	default:
		return 1 << uint(-n), nil
	}
}

func (f *FS) parseBootSector(b []byte) error {
	f.oemName = string(b[3:11])
	f.ssize = uint32(binary.LittleEndian.Uint16(b[0x0B:0x0D]))
	if f.ssize == 0 || f.ssize%devBlockSize != 0 {
		return fmt.Errorf("invalid sector size: %d", f.ssize)
	}
	f.csize = uint32(b[0x0D])
	if f.csize == 0 || f.csize > 128 || f.csize&(f.csize-1) != 0 {
		return fmt.Errorf("invalid cluster size: %d sectors", f.csize)
	}
	f.BlockSize = f.ssize * f.csize

	f.totSect = binary.LittleEndian.Uint64(b[0x28:0x30])
	f.BlockCount = f.totSect / uint64(f.csize)
	if f.BlockCount == 0 {
		return fmt.Errorf("%d sectors is less than a cluster", f.totSect)
	}

	f.mftClust = binary.LittleEndian.Uint64(b[0x30:0x38])
	f.mirrClust = binary.LittleEndian.Uint64(b[0x38:0x40])
	if f.mftClust >= f.BlockCount {
		return fmt.Errorf("$MFT cluster %d is past the end of the volume", f.mftClust)
	}

	var err error
	if f.mftRSize, err = recordSize(b[0x40], f.BlockSize); err != nil {
		return fmt.Errorf("MFT entry: %w", err)
	}
	if f.mftRSize%f.ssize != 0 {
		return fmt.Errorf("MFT entry size %d is not a multiple of the sector size", f.mftRSize)
	}
	if f.idxRSize, err = recordSize(b[0x44], f.BlockSize); err != nil {
		return fmt.Errorf("index record: %w", err)
	}
	if f.idxRSize%f.ssize != 0 {
		return fmt.Errorf("index record size %d is not a multiple of the sector size", f.idxRSize)
	}
	f.serial = binary.LittleEndian.Uint64(b[0x48:0x50])
	return nil
}

func (f *FS) Close() error {
	f.mftData = nil
	f.bmap = nil
	f.bmapBuf = nil
	f.bmapOK = false
	f.attrDefs = nil
	return nil
}

// loadVersion reads the version number from $Volume.
func (f *FS) loadVersion() error {
	in, err := f.InodeLookup(mftVolume)
	if err != nil {
		return fmt.Errorf("loading $Volume: %w", err)
	}
	d := in.Attrs.LookupNoID(attrVolumeInfo)
	if d == nil {
		return fsys.Errorf(fsys.ErrCorrupt, "ntfs_load_ver", "volume information attribute not found")
	}
	if !d.IsResident() || len(d.Buf) < 10 {
		return fsys.Errorf(fsys.ErrCorrupt, "ntfs_load_ver", "volume information attribute is not resident")
	}
	maj, minor := d.Buf[8], d.Buf[9]
	switch {
	case maj == 1 && minor == 2:
		f.ver = verNT
	case maj == 3 && minor == 0:
		f.ver = ver2K
	case maj == 3 && minor == 1:
		f.ver = verXP
	default:
		return fsys.Errorf(fsys.ErrUnsupported, "ntfs_load_ver", "unknown version: %d.%d", maj, minor)
	}
	return nil
}

// loadBitmap finds the runs of $Bitmap. Its content is read a cluster at
// a time as allocation tests need it.
func (f *FS) loadBitmap() error {
	in, err := f.InodeLookup(mftBitmap)
	if err != nil {
		return fmt.Errorf("loading $Bitmap: %w", err)
	}
	d := defaultStream(in.Attrs)
	if d == nil {
		return fsys.Errorf(fsys.ErrCorrupt, "ntfs_load_bmap", "$Data attribute of $Bitmap not found")
	}
	if d.IsResident() {
		return fsys.Errorf(fsys.ErrCorrupt, "ntfs_load_bmap", "$Bitmap is resident")
	}
	f.bmap = d
	f.bmapBuf = make([]byte, f.BlockSize)
	return nil
}

// isClustAlloc reports the $Bitmap bit of cluster addr. Before the bitmap
// is loaded every cluster counts as allocated.
func (f *FS) isClustAlloc(addr uint64) (bool, error) {
	if f.bmap == nil {
		return true, nil
	}
	if addr > f.LastBlock {
		return false, fsys.Errorf(fsys.ErrAddressTooLarge, "ntfs_is_clustalloc", "cluster too large for bitmap: %d", addr)
	}
	bits := 8 * uint64(f.BlockSize)
	vcn := addr / bits
	if !f.bmapOK || f.bmapVCN != vcn {
		lcn, ok := f.bmap.Translate(vcn)
		if !ok {
			return false, fsys.Errorf(fsys.ErrCorrupt, "ntfs_is_clustalloc", "cluster %d of $Bitmap is not mapped", vcn)
		}
		f.bmapOK = false
		if _, err := f.ReadBlock(f.bmapBuf, lcn); err != nil {
			return false, fmt.Errorf("reading $Bitmap cluster %d at %d: %w", vcn, lcn, err)
		}
		f.bmapVCN, f.bmapOK = vcn, true
	}
	bit := addr % bits
	return f.bmapBuf[bit/8]&(1<<(bit%8)) != 0, nil
}

// isMetaCluster reports whether addr holds the boot sectors or the MFT.
func (f *FS) isMetaCluster(addr uint64) bool {
	if addr*uint64(f.BlockSize) < bootSize {
		return true
	}
	if f.mftData == nil {
		return false
	}
	for _, r := range f.mftData.Runs {
		if r.Flags&(fsys.RunSparse|fsys.RunFiller) != 0 {
			continue
		}
		if addr >= r.Addr && addr < r.Addr+r.Len {
			return true
		}
	}
	return false
}

// BlockWalk visits clusters start..end with allocation from $Bitmap. The
// boot sectors and the MFT are META, everything else CONT.
func (f *FS) BlockWalk(start, end uint64, flags fsys.BlockFlag, fn fsys.BlockWalkFunc) error {
	if err := f.CheckBlockRange("ntfs_block_walk", start, end); err != nil {
		return err
	}
	if end < start {
		return fsys.Errorf(fsys.ErrWalkRange, "ntfs_block_walk", "end cluster %d before start %d", end, start)
	}
	flags = flags.Norm()
	log.Debugf("ntfs: block walk %d to %d", start, end)

	buf := make([]byte, f.BlockSize)
	for addr := start; addr <= end; addr++ {
		alloc, err := f.isClustAlloc(addr)
		if err != nil {
			return err
		}
		myflags := fsys.BlockUnalloc
		if alloc {
			myflags = fsys.BlockAlloc
		}
		if f.isMetaCluster(addr) {
			myflags |= fsys.BlockMeta
		} else {
			myflags |= fsys.BlockCont
		}
		if !flags.Match(myflags) {
			continue
		}

		if _, err := f.ReadBlock(buf, addr); err != nil {
			return fmt.Errorf("block walk cluster %d: %w", addr, err)
		}
		if err := fn(addr, buf, myflags); err != nil {
			return fsys.WalkErr(err)
		}
	}
	return nil
}

// utf16Name decodes a little-endian UTF-16 name with control characters
// replaced by '^'.
func utf16Name(b []byte) string {
	s, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		log.Debugf("ntfs: decoding name: %v", err)
		return ""
	}
	return fsys.Clean(string(s))
}

// defaultStream returns the unnamed $DATA attribute, or nil.
func defaultStream(l *fsys.DataList) *fsys.Data {
	if l == nil {
		return nil
	}
	for _, d := range l.Attrs() {
		if d.Type == attrData && d.Name == fsys.DefaultDataName {
			return d
		}
	}
	return nil
}

// namedAttr returns the attribute of type typ named name, or the one with
// the lowest id when none has that name.
func namedAttr(l *fsys.DataList, typ uint32, name string) *fsys.Data {
	for _, d := range l.Attrs() {
		if d.Type == typ && d.Name == name {
			return d
		}
	}
	return l.LookupNoID(typ)
}
