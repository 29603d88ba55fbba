// Package fsys is the format-independent engine for reading file systems
// out of disk images. Each format backend fills in an Info record and
// implements FileSystem; tools are written against FileSystem alone.
package fsys

import (
	"encoding/binary"
	"io"

	log "github.com/sirupsen/logrus"
)

// Image is the byte-addressable source a file system is read from.
type Image interface {
	io.ReaderAt
	Size() int64
}

type readerImage struct {
	io.ReaderAt
	size int64
}

func (r readerImage) Size() int64 {
	return r.size
}

// NewImage wraps a reader of known size as an Image.
func NewImage(r io.ReaderAt, size int64) Image {
	if img, ok := r.(Image); ok && img.Size() == size {
		return img
	}
	return readerImage{ReaderAt: r, size: size}
}

// FileSystem is the dispatch interface every format implements. Only one
// walk may be active on a FileSystem at a time; open the image again for
// concurrent walks.
type FileSystem interface {
	// Info returns the geometry record. It is promoted from the embedded
	// FSInfo struct, which every backend embeds.
	Info() *FSInfo

	// BlockWalk visits blocks start..end (inclusive) whose status matches
	// flags.
	BlockWalk(start, end uint64, flags BlockFlag, fn BlockWalkFunc) error
	// InodeWalk visits inodes start..end (inclusive) whose status matches
	// flags.
	InodeWalk(start, end uint64, flags InodeFlag, fn InodeWalkFunc) error
	// DentWalk visits the entries of directory inum.
	DentWalk(inum uint64, flags DentFlag, fn DentWalkFunc) error
	// FileWalk visits the blocks of one attribute of a file. typ and id
	// are only meaningful for NTFS.
	FileWalk(in *Inode, typ uint32, id uint16, flags FileFlag, fn FileWalkFunc) error
	// InodeLookup loads one inode. Every call returns a fresh Inode.
	InodeLookup(inum uint64) (*Inode, error)

	// FsStat writes a description of the file system.
	FsStat(w io.Writer) error
	// IStat writes a description of inode inum. numBlocks limits the
	// number of block addresses printed (0 for all); skew is a clock
	// correction in seconds.
	IStat(w io.Writer, inum uint64, numBlocks uint64, skew int32) error

	JournalOpen(inum uint64) error
	JournalBlockWalk(start, end uint64, fn BlockWalkFunc) error
	JournalEntryWalk(fn BlockWalkFunc) error

	Close() error
}

// FSInfo is the geometry and image handle shared by every backend.
type FSInfo struct {
	Img    Image
	Offset int64 // byte offset of the file system in the image
	Type   Type

	InumCount uint64
	RootInum  uint64
	FirstInum uint64
	LastInum  uint64

	BlockCount   uint64
	FirstBlock   uint64
	LastBlock    uint64 // last block the file system claims
	LastBlockAct uint64 // last block the image actually holds
	BlockSize    uint32
	DevBlockSize uint32 // device sector size; reads are multiples of it

	JournInum uint64
	DUName    string // name of the data unit: "Cluster", "Fragment", ...
	Flags     InfoFlag
	Endian    binary.ByteOrder

	// unallocated inodes named by some directory entry, filled by a
	// complete recursive walk from the root and used to find orphans
	named      map[uint64]struct{}
	namedReady bool
}

// Info returns i itself; backends embed FSInfo to satisfy FileSystem.
func (i *FSInfo) Info() *FSInfo {
	return i
}

// SetLastBlockAct derives LastBlockAct from the image size. A truncated
// image is logged.
func (i *FSInfo) SetLastBlockAct() {
	i.LastBlockAct = i.LastBlock
	if i.Img == nil || i.BlockSize == 0 {
		return
	}
	avail := (i.Img.Size() - i.Offset) / int64(i.BlockSize)
	if avail <= 0 {
		i.LastBlockAct = 0
		log.Warnf("%s: image holds no complete block at offset %d", i.Type, i.Offset)
		return
	}
	if uint64(avail)-1 < i.LastBlock {
		i.LastBlockAct = uint64(avail) - 1
		log.Warnf("%s: image is truncated: last block %d, file system last block %d", i.Type, i.LastBlockAct, i.LastBlock)
	}
}

// ReadBlock reads len(buf) bytes starting at block addr. len(buf) must be
// a multiple of the device block size.
func (i *FSInfo) ReadBlock(buf []byte, addr uint64) (int, error) {
	if i.DevBlockSize != 0 && len(buf)%int(i.DevBlockSize) != 0 {
		return 0, Errorf(ErrArgument, "read_block", "length %d is not a multiple of %d", len(buf), i.DevBlockSize)
	}
	if addr > i.LastBlockAct {
		if addr <= i.LastBlock {
			return 0, Errorf(ErrMissingInPartialImage, "read_block", "block %d", addr)
		}
		return 0, Errorf(ErrAddressTooLarge, "read_block", "block %d", addr)
	}
	return i.ReadRandom(buf, int64(addr)*int64(i.BlockSize))
}

// ReadRandom reads len(buf) bytes at byte offset off of the file system.
// A short read is an error.
func (i *FSInfo) ReadRandom(buf []byte, off int64) (int, error) {
	n, err := i.Img.ReadAt(buf, i.Offset+off)
	if n == len(buf) {
		return n, nil
	}
	if err == nil || err == io.EOF {
		return n, Errorf(ErrRead, "read_random", "short read at offset %d: %d of %d bytes", i.Offset+off, n, len(buf))
	}
	return n, Wrapf(ErrRead, err, "read_random", "offset %d length %d", i.Offset+off, len(buf))
}

// CheckBlockRange validates the bounds of a block walk.
func (i *FSInfo) CheckBlockRange(op string, start, end uint64) error {
	if start < i.FirstBlock || start > i.LastBlock {
		return Errorf(ErrWalkRange, op, "start block: %d", start)
	}
	if end < i.FirstBlock || end > i.LastBlock {
		return Errorf(ErrWalkRange, op, "end block: %d", end)
	}
	return nil
}

// CheckInodeRange validates the bounds of an inode walk.
func (i *FSInfo) CheckInodeRange(op string, start, end uint64) error {
	if start < i.FirstInum || start > i.LastInum {
		return Errorf(ErrWalkRange, op, "start inode: %d", start)
	}
	if end < i.FirstInum || end > i.LastInum {
		return Errorf(ErrWalkRange, op, "end inode: %d", end)
	}
	return nil
}

// NoJournal provides the journal methods for formats without a journal
// reader.
type NoJournal struct{}

func (NoJournal) JournalOpen(inum uint64) error {
	return Errorf(ErrUnsupported, "jopen", "journal support is not implemented")
}

func (NoJournal) JournalBlockWalk(start, end uint64, fn BlockWalkFunc) error {
	return Errorf(ErrUnsupported, "jblk_walk", "journal support is not implemented")
}

func (NoJournal) JournalEntryWalk(fn BlockWalkFunc) error {
	return Errorf(ErrUnsupported, "jentry_walk", "journal support is not implemented")
}
