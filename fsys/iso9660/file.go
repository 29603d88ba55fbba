package iso9660

import (
	"fmt"

	"github.com/lvdlvd/rawhide/fsys"
)

// FileWalk visits the blocks of a file. A file is one contiguous extent,
// after its extended attribute record. Interleaved and Rock Ridge sparse
// files are not decoded. typ and id are ignored.
func (f *FS) FileWalk(in *fsys.Inode, typ uint32, id uint16, flags fsys.FileFlag, fn fsys.FileWalkFunc) error {
	n, err := f.node(in.Addr)
	if err != nil {
		return err
	}
	r := n.rec
	if r.unitSize != 0 || r.gapSize != 0 {
		return fsys.Errorf(fsys.ErrUnsupported, "iso9660_file_walk", "file %d has an interleave gap", in.Addr)
	}
	if n.rr != nil && n.rr.sparse {
		return fsys.Errorf(fsys.ErrUnsupported, "iso9660_file_walk", "file %d is a Rock Ridge sparse file", in.Addr)
	}
	if len(in.Direct) == 0 {
		return fsys.Errorf(fsys.ErrArgument, "iso9660_file_walk", "inode %d has no extent", in.Addr)
	}

	bs := int64(f.BlockSize)
	size := in.Size
	if flags&fsys.FileSlack != 0 {
		size = (size + bs - 1) / bs * bs
	}

	buf := make([]byte, bs)
	addr := in.Direct[0] + uint64(r.eaLen)
	for ; size > 0; addr++ {
		if addr > f.LastBlock {
			return fsys.Soften(fsys.Errorf(fsys.ErrCorrupt, "iso9660_file_walk", "extent of file %d runs past the end: %d", in.Addr, addr), flags)
		}
		if flags&fsys.FileAOnly == 0 {
			if _, err := f.ReadBlock(buf, addr); err != nil {
				return fsys.Soften(fmt.Errorf("file walk block %d: %w", addr, err), flags)
			}
		}
		cnt := min(bs, size)
		size -= cnt
		if err := fn(addr, buf[:cnt], fsys.BlockAlloc|fsys.BlockCont); err != nil {
			return fsys.WalkErr(err)
		}
	}
	return nil
}
