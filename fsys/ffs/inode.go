package ffs

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	nDirect   = 12
	nIndirect = 3

	maxPathLen = 1024
)

// dinode is the on-disk inode of any of the three flavours, widened.
type dinode struct {
	mode    uint16
	nlink   int16
	uid     uint32
	gid     uint32
	size    uint64
	blocks  uint64
	atime   int64
	mtime   int64
	ctime   int64
	crtime  int64 // UFS2 only
	flags   uint32
	gen     uint32
	extsize uint32
	extb    [2]uint64
	db      [nDirect]uint64
	ib      [nIndirect]uint64
	ptrs    []byte // the pointer area, holding fast symlink targets
}

func (f *FS) parseDinode1(data []byte) dinode {
	e := f.Endian
	d := dinode{
		mode:   e.Uint16(data[0x00:]),
		nlink:  int16(e.Uint16(data[0x02:])),
		size:   e.Uint64(data[0x08:]),
		atime:  int64(int32(e.Uint32(data[0x10:]))),
		mtime:  int64(int32(e.Uint32(data[0x18:]))),
		ctime:  int64(int32(e.Uint32(data[0x20:]))),
		flags:  e.Uint32(data[0x64:]),
		blocks: uint64(e.Uint32(data[0x68:])),
		gen:    e.Uint32(data[0x6C:]),
		uid:    e.Uint32(data[0x70:]),
		gid:    e.Uint32(data[0x74:]),
		ptrs:   data[0x28:0x64],
	}
	if f.Type == fsys.FFS1B {
		// Solaris keeps a shadow inode number before the owner
		d.uid = e.Uint32(data[0x74:])
		d.gid = e.Uint32(data[0x78:])
	}
	for i := range d.db {
		d.db[i] = uint64(e.Uint32(data[0x28+4*i:]))
	}
	for i := range d.ib {
		d.ib[i] = uint64(e.Uint32(data[0x58+4*i:]))
	}
	return d
}

func (f *FS) parseDinode2(data []byte) dinode {
	e := f.Endian
	d := dinode{
		mode:    e.Uint16(data[0x00:]),
		nlink:   int16(e.Uint16(data[0x02:])),
		uid:     e.Uint32(data[0x04:]),
		gid:     e.Uint32(data[0x08:]),
		size:    e.Uint64(data[0x10:]),
		blocks:  e.Uint64(data[0x18:]),
		atime:   int64(e.Uint64(data[0x20:])),
		mtime:   int64(e.Uint64(data[0x28:])),
		ctime:   int64(e.Uint64(data[0x30:])),
		crtime:  int64(e.Uint64(data[0x38:])),
		gen:     e.Uint32(data[0x50:]),
		flags:   e.Uint32(data[0x58:]),
		extsize: e.Uint32(data[0x5C:]),
		ptrs:    data[0x70:0xE8],
	}
	d.extb[0] = e.Uint64(data[0x60:])
	d.extb[1] = e.Uint64(data[0x68:])
	for i := range d.db {
		d.db[i] = e.Uint64(data[0x70+8*i:])
	}
	for i := range d.ib {
		d.ib[i] = e.Uint64(data[0xD0+8*i:])
	}
	return d
}

// readDinode loads the on-disk record of inode inum. UFS2 allocates
// inode table blocks lazily; records past the initialised part of a
// group read as zeros.
func (f *FS) readDinode(inum uint64) (dinode, error) {
	if inum < f.FirstInum || inum > f.LastInum {
		return dinode{}, fsys.Errorf(fsys.ErrArgument, "ffs_dinode_load", "invalid inode number: %d", inum)
	}
	g := f.inodeGroup(inum)
	rel := inum - uint64(g)*uint64(f.sb.ipg)
	data := make([]byte, f.inodeSize)

	if f.Type == fsys.FFS2 {
		c, err := f.group(g)
		if err != nil {
			return dinode{}, err
		}
		if rel >= uint64(c.initediblk) {
			return f.parseDinode2(data), nil
		}
	}

	imin := f.cgimin(g)
	if imin > f.LastBlock {
		return dinode{}, fsys.Errorf(fsys.ErrCorrupt, "ffs_dinode_load", "inode table of group %d is past the end: %d", g, imin)
	}
	off := int64(imin)*int64(f.BlockSize) + int64(rel)*int64(f.inodeSize)
	if _, err := f.ReadRandom(data, off); err != nil {
		return dinode{}, fmt.Errorf("reading inode %d at %d: %w", inum, off, err)
	}
	if f.Type == fsys.FFS2 {
		return f.parseDinode2(data), nil
	}
	return f.parseDinode1(data), nil
}

// dinodeCopy fills in from the on-disk record d of inode inum.
func (f *FS) dinodeCopy(in *fsys.Inode, d *dinode, inum uint64) error {
	in.Addr = inum
	in.Mode = fsys.Mode(d.mode)
	in.Nlink = int(d.nlink)
	in.Size = int64(d.size)
	in.UID = d.uid
	in.GID = d.gid
	in.Seq = 0
	in.Mtime = fsys.UnixTime(d.mtime)
	in.Atime = fsys.UnixTime(d.atime)
	in.Ctime = fsys.UnixTime(d.ctime)
	in.Crtime = fsys.UnixTime(d.crtime)
	in.Dtime = fsys.UnixTime(0)
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

	in.Realloc(nDirect, nIndirect)
	copy(in.Direct, d.db[:])
	copy(in.Indirect, d.ib[:])

	if in.Mode.Type() == fsys.ModeLnk && in.Size >= 0 && in.Size < maxPathLen {
		f.setLink(in, d)
	}
	return nil
}

// setLink fills in the symlink target, from the pointer area for links
// shorter than it and from the content otherwise.
func (f *FS) setLink(in *fsys.Inode, d *dinode) {
	if in.Size < int64(len(d.ptrs)) {
		in.Link = string(d.ptrs[:in.Size])
		clear(in.Direct)
		clear(in.Indirect)
		return
	}
	flags := fsys.FileFlag(0)
	if in.Flags&fsys.InodeUnalloc != 0 {
		flags |= fsys.FileRecover
	}
	b, err := fsys.LoadFile(f, in, 0, 0, flags|fsys.FileNoID)
	if err != nil {
		log.Debugf("ffs: reading symlink target of inode %d: %v", in.Addr, err)
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

// InodeWalk visits inodes start..end. Allocation comes from the group's
// used-inode map; an inode that was never used has a zero change time.
func (f *FS) InodeWalk(start, end uint64, flags fsys.InodeFlag, fn fsys.InodeWalkFunc) error {
	if err := f.CheckInodeRange("ffs_inode_walk", start, end); err != nil {
		return err
	}
	if end < start {
		return fsys.Errorf(fsys.ErrWalkRange, "ffs_inode_walk", "end inode %d before start %d", end, start)
	}
	flags = flags.Norm()
	log.Debugf("ffs: inode walk %d to %d", start, end)

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
				log.Warnf("ffs: inode %d: %v", inum, err)
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
