// Package raw exposes an image as a sequence of blocks with no file system
// structure. Only block walks and fsstat are meaningful; everything that
// needs inodes fails with ErrUnsupported.
package raw

import (
	"encoding/binary"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

const blockSize = 512

// FS is a block-only view of an image.
type FS struct {
	fsys.FSInfo
	fsys.NoJournal

	// Classify, when set, gives the flags of each block in place of
	// ALLOC|CONT.
	Classify func(addr uint64) fsys.BlockFlag
}

// Open returns the image from offset onwards in 512-byte blocks.
func Open(img fsys.Image, offset int64, typ fsys.Type) (*FS, error) {
	if typ != fsys.Raw {
		return nil, fsys.Errorf(fsys.ErrArgument, "raw_open", "invalid file system type: %s", typ)
	}
	return New(img, offset, fsys.Raw, blockSize)
}

// New builds a block-only file system of type typ with blocks of bs
// bytes. A partial final block counts as a block.
func New(img fsys.Image, offset int64, typ fsys.Type, bs uint32) (*FS, error) {
	size := img.Size() - offset
	if size <= 0 {
		return nil, fsys.Errorf(fsys.ErrArgument, "raw_open", "offset %d is past the end of the image", offset)
	}
	f := &FS{}
	f.Img = img
	f.Offset = offset
	f.Type = typ
	f.Endian = binary.LittleEndian
	f.DUName = "Sector"
	f.BlockSize = bs
	f.DevBlockSize = blockSize
	f.BlockCount = uint64((size + int64(bs) - 1) / int64(bs))
	f.FirstBlock = 0
	f.LastBlock = f.BlockCount - 1
	f.LastBlockAct = f.LastBlock

	log.WithFields(log.Fields{
		"type":      typ,
		"blocks":    f.BlockCount,
		"blocksize": bs,
		"offset":    offset,
	}).Debug("raw: opened image")
	return f, nil
}

func (f *FS) Close() error {
	return nil
}

// readBlock reads block addr, zero filling the part of a final partial
// block that lies beyond the image.
func (f *FS) readBlock(buf []byte, addr uint64) error {
	off := int64(addr) * int64(f.BlockSize)
	n, err := f.Img.ReadAt(buf, f.Offset+off)
	if n == len(buf) {
		return nil
	}
	if err != nil && err != io.EOF {
		return fsys.Wrapf(fsys.ErrRead, err, "raw_block_walk", "block %d", addr)
	}
	if addr != f.LastBlock {
		return fsys.Errorf(fsys.ErrRead, "raw_block_walk", "short read of block %d: %d bytes", addr, n)
	}
	clear(buf[n:])
	return nil
}

// BlockWalk visits blocks start..end. Every block is allocated content
// unless Classify says otherwise.
func (f *FS) BlockWalk(start, end uint64, flags fsys.BlockFlag, fn fsys.BlockWalkFunc) error {
	const op = "raw_block_walk"
	if err := f.CheckBlockRange(op, start, end); err != nil {
		return err
	}
	if end < start {
		return fsys.Errorf(fsys.ErrWalkRange, op, "end block %d before start %d", end, start)
	}
	flags = flags.Norm()

	buf := make([]byte, f.BlockSize)
	for addr := start; addr <= end; addr++ {
		bf := fsys.BlockAlloc | fsys.BlockCont
		if f.Classify != nil {
			bf = f.Classify(addr)
		}
		if !flags.Match(bf) {
			continue
		}
		if err := f.readBlock(buf, addr); err != nil {
			return fmt.Errorf("block walk: %w", err)
		}
		if err := fn(addr, buf, bf); err != nil {
			return fsys.WalkErr(err)
		}
	}
	return nil
}

func (f *FS) unsupported(op string) error {
	return fsys.Errorf(fsys.ErrUnsupported, op, "illegal analysis method for %s data", f.Type)
}

func (f *FS) InodeWalk(start, end uint64, flags fsys.InodeFlag, fn fsys.InodeWalkFunc) error {
	return f.unsupported("raw_inode_walk")
}

func (f *FS) InodeLookup(inum uint64) (*fsys.Inode, error) {
	return nil, f.unsupported("raw_inode_lookup")
}

func (f *FS) DentWalk(inum uint64, flags fsys.DentFlag, fn fsys.DentWalkFunc) error {
	return f.unsupported("raw_dent_walk")
}

func (f *FS) FileWalk(in *fsys.Inode, typ uint32, id uint16, flags fsys.FileFlag, fn fsys.FileWalkFunc) error {
	return f.unsupported("raw_file_walk")
}

func (f *FS) IStat(w io.Writer, inum uint64, numBlocks uint64, skew int32) error {
	return f.unsupported("raw_istat")
}

func (f *FS) FsStat(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Raw Data\nBlock Size: %d\nBlock Range: %d - %d\n", f.BlockSize, f.FirstBlock, f.LastBlock)
	return err
}
