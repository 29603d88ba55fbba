package iso9660

import (
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

const (
	nDirect   = 1
	nIndirect = 0
)

// node is one numbered file: the first directory record that named its
// extent.
type node struct {
	inum    uint64
	rec     *dirRecord
	name    string
	version int
	joliet  bool
	parent  uint64 // directory holding the record
	rr      *rockRidge
	su      []byte // system use area rr was read from
}

// pathEntry is one directory listed in a path table.
type pathEntry struct {
	extent uint32
	parent uint16
	name   []byte
}

// readPathTable loads the big-endian path table of v.
func (f *FS) readPathTable(v *volDesc) ([]pathEntry, error) {
	if uint64(v.ptLocM) > f.LastBlock || uint64(v.ptSize) > (f.LastBlock+1)*uint64(f.BlockSize) {
		return nil, fsys.Errorf(fsys.ErrCorrupt, "iso9660_path_table", "path table at %d of %d bytes is past the end", v.ptLocM, v.ptSize)
	}
	data := make([]byte, v.ptSize)
	if _, err := f.ReadRandom(data, int64(v.ptLocM)*int64(f.BlockSize)); err != nil {
		return nil, err
	}
	var pt []pathEntry
	for off := 0; off+8 <= len(data); {
		n := int(data[off])
		if n == 0 || off+8+n > len(data) {
			break
		}
		pt = append(pt, pathEntry{
			extent: binary.BigEndian.Uint32(data[off+2:]),
			parent: binary.BigEndian.Uint16(data[off+6:]),
			name:   data[off+8 : off+8+n],
		})
		// names of odd length are padded
		off += 8 + n + n%2
	}
	return pt, nil
}

// loadInodes numbers the records of every directory in the path tables.
// Joliet trees go first so that their names win when a primary record
// names the same extent.
func (f *FS) loadInodes() error {
	for _, v := range f.svd {
		if v.joliet() == 0 {
			continue
		}
		if err := f.loadTree(v, true); err != nil {
			return err
		}
	}
	for _, v := range f.pvd {
		if err := f.loadTree(v, false); err != nil {
			return err
		}
	}
	return nil
}

func (f *FS) loadTree(v *volDesc, joliet bool) error {
	pt, err := f.readPathTable(v)
	if err != nil {
		return err
	}
	log.Debugf("iso9660: %d directories in path table at %d", len(pt), v.ptLocM)
	for _, e := range pt {
		name := ""
		if !(len(e.name) == 1 && e.name[0] == 0) {
			name, _ = splitVersion(decodeName(e.name, joliet))
		}
		// a damaged directory loses its own records only
		if err := f.loadDir(e.extent, name, joliet); err != nil {
			log.Warnf("iso9660: directory %q at %d: %v", name, e.extent, err)
		}
	}
	return nil
}

// loadDir adds the records of the directory at extent to the inode list.
// The first record is the directory itself and takes dirName.
func (f *FS) loadDir(extent uint32, dirName string, joliet bool) error {
	first, err := f.readRecords(extent, sectorSize)
	if err != nil {
		return err
	}
	if len(first) == 0 {
		return fsys.Errorf(fsys.ErrCorrupt, "iso9660_load_dir", "no records in directory at %d", extent)
	}
	recs := first
	if first[0].size > sectorSize {
		if recs, err = f.readRecords(extent, first[0].size); err != nil {
			return err
		}
	}

	var self uint64
	for i, r := range recs {
		if inum, ok := f.byRec[r.off]; ok {
			if i == 0 {
				self = inum
			}
			continue
		}
		n := &node{rec: r, joliet: joliet}
		switch {
		case i == 0:
			n.name = dirName
		case len(r.name) == 1 && r.name[0] == 0:
			n.name = "."
		case len(r.name) == 1 && r.name[0] == 1:
			n.name = ".."
		default:
			n.name, n.version = splitVersion(decodeName(r.name, joliet))
		}
		if len(r.su) > 1 {
			n.rr = f.parseSUSP(r.su, nil)
			n.su = r.su
			if !joliet && n.rr.name != "" && i > 1 {
				n.name = n.rr.name
			}
		}

		inum, dup := f.addNode(n)
		if i == 0 {
			self = inum
		}
		if !dup {
			n.parent = self
		}
	}
	return nil
}

// addNode numbers n, or returns the inode that already owns its extent.
// Empty files share no extent and are never merged.
func (f *FS) addNode(n *node) (uint64, bool) {
	r := n.rec
	if r.size != 0 {
		if inum, ok := f.byExtent[r.extent]; ok {
			o := f.nodes[inum]
			if o.rr == nil && n.rr != nil {
				o.rr, o.su = n.rr, n.su
			}
			f.byRec[r.off] = inum
			return inum, true
		}
	}
	n.inum = uint64(len(f.nodes))
	f.nodes = append(f.nodes, n)
	f.byRec[r.off] = n.inum
	if r.size != 0 {
		f.byExtent[r.extent] = n.inum
	}
	return n.inum, false
}

func (f *FS) node(inum uint64) (*node, error) {
	if inum < f.FirstInum || inum > f.LastInum || inum >= uint64(len(f.nodes)) {
		return nil, fsys.Errorf(fsys.ErrArgument, "iso9660_inode_lookup", "invalid inode number: %d", inum)
	}
	return f.nodes[inum], nil
}

// inodeCopy fills in from n. Without Rock Ridge data every file is
// owned by root and readable by all.
func (f *FS) inodeCopy(in *fsys.Inode, n *node) {
	r := n.rec
	in.Addr = n.inum
	in.Size = int64(r.size)
	in.Flags = fsys.InodeAlloc | fsys.InodeUsed
	in.Mtime = r.time
	in.Atime = r.time
	in.Ctime = r.time
	in.Crtime = fsys.UnixTime(0)
	in.Dtime = fsys.UnixTime(0)
	in.Seq = 0
	in.Link = ""
	in.Attrs = nil
	in.Names = []fsys.Name{{Name: n.name, ParInode: n.parent}}

	in.Mode = fsys.ModeReg | 0o555
	if r.isDir() {
		in.Mode = fsys.ModeDir | 0o555
	}
	in.Nlink = 1
	in.UID = 0
	in.GID = 0

	if rr := n.rr; rr != nil {
		if rr.hasPX {
			in.Mode = rr.mode
			in.Nlink = int(rr.nlink)
			in.UID = rr.uid
			in.GID = rr.gid
		}
		setTime(&in.Mtime, rr.mtime)
		setTime(&in.Atime, rr.atime)
		setTime(&in.Ctime, rr.ctime)
		setTime(&in.Crtime, rr.crtime)
		if in.Mode.Type() == fsys.ModeLnk {
			in.Link = rr.link
		}
	}

	in.Realloc(nDirect, nIndirect)
	in.Direct[0] = uint64(r.extent)
}

func setTime(dst *time.Time, t time.Time) {
	if !t.IsZero() {
		*dst = t
	}
}

// InodeLookup loads inode inum.
func (f *FS) InodeLookup(inum uint64) (*fsys.Inode, error) {
	n, err := f.node(inum)
	if err != nil {
		return nil, err
	}
	in := fsys.NewInode(nDirect, nIndirect)
	f.inodeCopy(in, n)
	return in, nil
}

// InodeWalk visits inodes start..end. Every numbered record is allocated
// and used, so ORPHAN and UNALLOC walks find nothing.
func (f *FS) InodeWalk(start, end uint64, flags fsys.InodeFlag, fn fsys.InodeWalkFunc) error {
	if err := f.CheckInodeRange("iso9660_inode_walk", start, end); err != nil {
		return err
	}
	if end < start {
		return fsys.Errorf(fsys.ErrWalkRange, "iso9660_inode_walk", "end inode %d before start %d", end, start)
	}
	flags = flags.Norm()
	if !flags.Match(fsys.InodeAlloc | fsys.InodeUsed) {
		return nil
	}
	log.Debugf("iso9660: inode walk %d to %d", start, end)

	for inum := start; inum <= end; inum++ {
		n, err := f.node(inum)
		if err != nil {
			return fmt.Errorf("inode walk: %w", err)
		}
		in := fsys.NewInode(nDirect, nIndirect)
		f.inodeCopy(in, n)
		if err := fn(in); err != nil {
			return fsys.WalkErr(err)
		}
	}
	return nil
}
