package ext

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	nDirect   = 12
	nIndirect = 3

	// symlink targets shorter than the pointer area are stored in it
	fastLinkLen = 4 * (nDirect + nIndirect)
	maxPathLen  = 4096

	// attribute type of the content of extent mapped and inline inodes
	attrData = 1

	extentMagic    = 0xF30A
	extentMaxDepth = 5
	extentInitMax  = 0x8000
)

type dinode struct {
	mode       uint16
	uid        uint32
	size       uint64
	atime      uint32
	ctime      uint32
	mtime      uint32
	dtime      uint32
	crtime     uint32 // 0 when the record has no room for it
	gid        uint32
	linksCount uint16
	blocks     uint64
	flags      uint32
	block      [60]byte // 15 * 4 bytes for block pointers or extent tree
	generation uint32
	fileACL    uint64
	sizeHigh   uint32
}

func parseDinode(data []byte) dinode {
	ino := dinode{
		mode:       binary.LittleEndian.Uint16(data[0x00:0x02]),
		uid:        uint32(binary.LittleEndian.Uint16(data[0x02:0x04])),
		size:       uint64(binary.LittleEndian.Uint32(data[0x04:0x08])),
		atime:      binary.LittleEndian.Uint32(data[0x08:0x0C]),
		ctime:      binary.LittleEndian.Uint32(data[0x0C:0x10]),
		mtime:      binary.LittleEndian.Uint32(data[0x10:0x14]),
		dtime:      binary.LittleEndian.Uint32(data[0x14:0x18]),
		gid:        uint32(binary.LittleEndian.Uint16(data[0x18:0x1A])),
		linksCount: binary.LittleEndian.Uint16(data[0x1A:0x1C]),
		blocks:     uint64(binary.LittleEndian.Uint32(data[0x1C:0x20])),
		flags:      binary.LittleEndian.Uint32(data[0x20:0x24]),
		generation: binary.LittleEndian.Uint32(data[0x64:0x68]),
		fileACL:    uint64(binary.LittleEndian.Uint32(data[0x68:0x6C])),
		sizeHigh:   binary.LittleEndian.Uint32(data[0x6C:0x70]),
	}
	copy(ino.block[:], data[0x28:0x64])

	// Linux osd2
	ino.blocks |= uint64(binary.LittleEndian.Uint16(data[0x74:0x76])) << 32
	ino.fileACL |= uint64(binary.LittleEndian.Uint16(data[0x76:0x78])) << 32
	ino.uid |= uint32(binary.LittleEndian.Uint16(data[0x78:0x7A])) << 16
	ino.gid |= uint32(binary.LittleEndian.Uint16(data[0x7A:0x7C])) << 16

	// the creation time sits in the extra fields of large inodes
	if len(data) >= 0x94 {
		if extra := binary.LittleEndian.Uint16(data[0x80:0x82]); extra >= 0x14 {
			ino.crtime = binary.LittleEndian.Uint32(data[0x90:0x94])
		}
	}
	return ino
}

func (d *dinode) pointer(i int) uint64 {
	return uint64(binary.LittleEndian.Uint32(d.block[i*4:]))
}

// readDinode loads the on-disk record of inode inum.
func (f *FS) readDinode(inum uint64) (dinode, error) {
	if inum < f.FirstInum || inum > f.LastInum {
		return dinode{}, fsys.Errorf(fsys.ErrArgument, "ext2fs_dinode_load", "invalid inode number: %d", inum)
	}
	g := f.inodeGroup(inum)
	gd, err := f.group(g)
	if err != nil {
		return dinode{}, err
	}
	if gd.inodeTable > f.LastBlock {
		return dinode{}, fsys.Errorf(fsys.ErrCorrupt, "ext2fs_dinode_load", "inode table of group %d is past the end: %d", g, gd.inodeTable)
	}

	rel := inum - firstIno - uint64(g)*uint64(f.sb.inodesPerGroup)
	off := int64(gd.inodeTable)*int64(f.BlockSize) + int64(rel)*int64(f.inodeSize)
	data := make([]byte, f.inodeSize)
	if _, err := f.ReadRandom(data, off); err != nil {
		return dinode{}, fmt.Errorf("reading inode %d at %d: %w", inum, off, err)
	}
	return parseDinode(data), nil
}

// dinodeCopy fills in from the on-disk record d of inode inum.
func (f *FS) dinodeCopy(in *fsys.Inode, d *dinode, inum uint64) error {
	in.Addr = inum
	in.Mode = fsys.Mode(d.mode)
	in.Nlink = int(d.linksCount)

	// the high half is i_dir_acl for anything but regular files
	in.Size = int64(d.size)
	if in.Mode.Type() == fsys.ModeReg && f.sb.featureROCompat&featureROCompatLargeFile != 0 {
		in.Size |= int64(d.sizeHigh) << 32
	}
	in.UID = d.uid
	in.GID = d.gid
	in.Seq = 0
	in.Mtime = fsys.UnixTime(int64(d.mtime))
	in.Atime = fsys.UnixTime(int64(d.atime))
	in.Ctime = fsys.UnixTime(int64(d.ctime))
	in.Crtime = fsys.UnixTime(int64(d.crtime))
	in.Dtime = fsys.UnixTime(int64(d.dtime))
	in.Link = ""
	in.Names = nil
	in.Attrs = nil

	alloc, err := f.isInodeAlloc(inum)
	if err != nil {
		return err
	}
	if alloc {
		in.Flags = fsys.InodeAlloc
	} else {
		in.Flags = fsys.InodeUnalloc
	}
	if d.ctime != 0 {
		in.Flags |= fsys.InodeUsed
	} else {
		in.Flags |= fsys.InodeUnused
	}

	switch {
	case d.flags&inodeFlagInline != 0:
		in.Realloc(0, 0)
		n := in.Size
		if n > int64(len(d.block)) {
			n = int64(len(d.block))
		}
		if n < 0 {
			n = 0
		}
		in.Attrs = fsys.NewDataList()
		in.Attrs.PutResident("", attrData, 0, d.block[:n], 0)

	case d.flags&inodeFlagExtents != 0:
		in.Realloc(0, 0)
		if err := f.loadExtents(in, d); err != nil {
			if alloc {
				return err
			}
			// freed inodes often have half-cleared trees
			log.Debugf("ext: extents of unallocated inode %d: %v", inum, err)
		}

	default:
		in.Realloc(nDirect, nIndirect)
		for i := 0; i < nDirect; i++ {
			in.Direct[i] = d.pointer(i)
		}
		for i := 0; i < nIndirect; i++ {
			in.Indirect[i] = d.pointer(nDirect + i)
		}
	}

	if in.Mode.Type() == fsys.ModeLnk && in.Size >= 0 && in.Size < maxPathLen {
		f.setLink(in, d)
	}
	return nil
}

// setLink fills in the symlink target, from the pointer area for short
// links and from the content otherwise.
func (f *FS) setLink(in *fsys.Inode, d *dinode) {
	if in.Size < fastLinkLen && in.Attrs == nil {
		in.Link = string(d.block[:in.Size])
		for i := range in.Direct {
			in.Direct[i] = 0
		}
		for i := range in.Indirect {
			in.Indirect[i] = 0
		}
		return
	}
	flags := fsys.FileFlag(0)
	if in.Flags&fsys.InodeUnalloc != 0 {
		flags |= fsys.FileRecover
	}
	b, err := fsys.LoadFile(f, in, 0, 0, flags|fsys.FileNoID)
	if err != nil {
		log.Debugf("ext: reading symlink target of inode %d: %v", in.Addr, err)
		return
	}
	in.Link = string(b)
}

// InodeLookup loads inode inum.
func (f *FS) InodeLookup(inum uint64) (*fsys.Inode, error) {
	d, err := f.readDinode(inum)
	if err != nil {
		return nil, err
	}
	in := fsys.NewInode(nDirect, nIndirect)
	if err := f.dinodeCopy(in, &d, inum); err != nil {
		return nil, err
	}
	return in, nil
}

// InodeWalk visits inodes start..end. Allocation comes from the inode
// bitmap; an inode that was never used has a zero change time.
func (f *FS) InodeWalk(start, end uint64, flags fsys.InodeFlag, fn fsys.InodeWalkFunc) error {
	if err := f.CheckInodeRange("ext2fs_inode_walk", start, end); err != nil {
		return err
	}
	if end < start {
		return fsys.Errorf(fsys.ErrWalkRange, "ext2fs_inode_walk", "end inode %d before start %d", end, start)
	}
	flags = flags.Norm()

	if flags&fsys.InodeOrphan != 0 {
		if err := f.LoadNamed(f); err != nil {
			return fmt.Errorf("identifying inodes allocated by file names: %w", err)
		}
	}

	for inum := start; inum <= end; inum++ {
		alloc, err := f.isInodeAlloc(inum)
		if err != nil {
			return err
		}
		myflags := fsys.InodeUnalloc
		if alloc {
			myflags = fsys.InodeAlloc
		}
		if !flags.Match(myflags) {
			continue
		}

		d, err := f.readDinode(inum)
		if err != nil {
			return err
		}
		if d.ctime != 0 {
			myflags |= fsys.InodeUsed
		} else {
			myflags |= fsys.InodeUnused
		}
		if !flags.Match(myflags) {
			continue
		}
		if myflags&fsys.InodeUnalloc != 0 && flags&fsys.InodeOrphan != 0 && f.IsNamed(inum) {
			continue
		}

		in := fsys.NewInode(nDirect, nIndirect)
		if err := f.dinodeCopy(in, &d, inum); err != nil {
			if fsys.Recoverable(err) {
				log.Warnf("ext: inode %d: %v", inum, err)
				continue
			}
			return err
		}
		if err := fn(in); err != nil {
			return fsys.WalkErr(err)
		}
	}
	return nil
}

// extentNode is one node of an extent tree: the 12-byte header and its
// entries.
type extentNode struct {
	entries uint16
	max     uint16
	depth   uint16
	data    []byte
}

func parseExtentNode(data []byte) (extentNode, error) {
	if len(data) < 12 {
		return extentNode{}, fsys.Errorf(fsys.ErrCorrupt, "ext2fs_extents", "extent node of %d bytes", len(data))
	}
	if magic := binary.LittleEndian.Uint16(data[0:2]); magic != extentMagic {
		return extentNode{}, fsys.Errorf(fsys.ErrCorrupt, "ext2fs_extents", "invalid extent magic: %04x", magic)
	}
	n := extentNode{
		entries: binary.LittleEndian.Uint16(data[2:4]),
		max:     binary.LittleEndian.Uint16(data[4:6]),
		depth:   binary.LittleEndian.Uint16(data[6:8]),
		data:    data,
	}
	if n.entries > n.max || 12+int(n.entries)*12 > len(data) {
		return extentNode{}, fsys.Errorf(fsys.ErrCorrupt, "ext2fs_extents", "%d entries do not fit the node", n.entries)
	}
	return n, nil
}

// loadExtents turns the extent tree of d into a run list. The blocks
// of the tree's index and leaf nodes go into in.Indirect.
func (f *FS) loadExtents(in *fsys.Inode, d *dinode) error {
	in.Attrs = fsys.NewDataList()
	if err := in.Attrs.PutRun(nil, 0, "", attrData, 0, in.Size, 0, 0); err != nil {
		return err
	}
	root, err := parseExtentNode(d.block[:])
	if err != nil {
		return err
	}
	if root.depth > extentMaxDepth {
		return fsys.Errorf(fsys.ErrCorrupt, "ext2fs_extents", "extent tree depth %d", root.depth)
	}
	return f.walkExtentTree(in, root)
}

func (f *FS) walkExtentTree(in *fsys.Inode, n extentNode) error {
	data := in.Attrs.LookupNoID(attrData)
	for i := 0; i < int(n.entries); i++ {
		e := n.data[12+i*12 : 24+i*12]
		if n.depth == 0 {
			// Leaf node - actual extents
			logical := uint64(binary.LittleEndian.Uint32(e[0:4]))
			length := uint64(binary.LittleEndian.Uint16(e[4:6]))
			start := uint64(binary.LittleEndian.Uint32(e[8:12])) | uint64(binary.LittleEndian.Uint16(e[6:8]))<<32
			run := fsys.Run{Offset: logical, Addr: start, Len: length}
			if length > extentInitMax {
				// Uninitialized extent
				run.Len -= extentInitMax
				run.Flags = fsys.RunSparse
			}
			if run.Len == 0 {
				continue
			}
			if run.Flags&fsys.RunSparse == 0 && start+run.Len-1 > f.LastBlock {
				return fsys.Errorf(fsys.ErrCorrupt, "ext2fs_extents", "extent %d+%d is past the end", start, run.Len)
			}
			if err := in.Attrs.PutRun([]fsys.Run{run}, int64(run.Len)*int64(f.BlockSize), "", attrData, 0, data.Size, 0, 0); err != nil {
				return err
			}
			continue
		}

		// Index node
		leaf := uint64(binary.LittleEndian.Uint32(e[4:8])) | uint64(binary.LittleEndian.Uint16(e[8:10]))<<32
		if leaf > f.LastBlock {
			return fsys.Errorf(fsys.ErrCorrupt, "ext2fs_extents", "extent node block %d is past the end", leaf)
		}
		buf := make([]byte, f.BlockSize)
		if _, err := f.ReadBlock(buf, leaf); err != nil {
			return fmt.Errorf("reading extent node %d: %w", leaf, err)
		}
		in.Indirect = append(in.Indirect, leaf)
		child, err := parseExtentNode(buf)
		if err != nil {
			return err
		}
		if child.depth != n.depth-1 {
			return fsys.Errorf(fsys.ErrCorrupt, "ext2fs_extents", "extent node %d has depth %d under depth %d", leaf, child.depth, n.depth)
		}
		if err := f.walkExtentTree(in, child); err != nil {
			return err
		}
	}
	return nil
}
