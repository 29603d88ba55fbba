package ext

import (
	"bytes"
	"encoding/binary"
	"errors"
	iofs "io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/rawhide/fsys"
)

// test image: ext2, 1024-byte blocks, one group of 128 blocks and 32
// inodes of 128 bytes.
//
//	block 1       superblock
//	block 2       group descriptors
//	block 3, 4    block and inode bitmaps
//	blocks 5-8    inode table
//	block 9       root directory
const (
	tBlocks    = 128
	tBS        = 1024
	tInodes    = 32
	tRootBlock = 9
	tTime      = 1577968496 // Thu Jan  2 12:34:56 2020 UTC
)

// inode numbers of the test image
const (
	inoFile   = 12 // blocks 10, 11, hole, 12
	inoBig    = 13 // blocks 20-31, indirect 32 -> 33
	inoSub    = 14 // directory in block 14
	inoLink   = 15 // fast symlink to file.txt
	inoGone   = 16 // deleted, block 13, named by a deleted entry
	inoOrphan = 17 // deleted, block 50, not named
	inoExt    = 18 // extents 40-41, hole, 43
	inoInline = 19 // "hello" in the inode
	inoInner  = 20 // sub/inner, block 15
	inoDeep   = 21 // depth 1 extent tree, node 44 -> 45 and an uninitialised extent
)

const (
	modeDir = 0o40755
	modeReg = 0o100644
	modeLnk = 0o120777
)

type extImage struct {
	b []byte
}

func newExt2() *extImage {
	im := &extImage{b: make([]byte, tBlocks*tBS)}
	sb := im.b[1024:2048]
	binary.LittleEndian.PutUint32(sb[0x00:], tInodes)
	binary.LittleEndian.PutUint32(sb[0x04:], tBlocks)
	binary.LittleEndian.PutUint32(sb[0x0C:], 90)
	binary.LittleEndian.PutUint32(sb[0x10:], 13)
	binary.LittleEndian.PutUint32(sb[0x14:], 1)
	binary.LittleEndian.PutUint32(sb[0x20:], 8192)
	binary.LittleEndian.PutUint32(sb[0x24:], 8192)
	binary.LittleEndian.PutUint32(sb[0x28:], tInodes)
	binary.LittleEndian.PutUint32(sb[0x2C:], tTime)
	binary.LittleEndian.PutUint32(sb[0x30:], tTime)
	binary.LittleEndian.PutUint16(sb[0x38:], extMagic)
	binary.LittleEndian.PutUint16(sb[0x3A:], stateValid)
	binary.LittleEndian.PutUint32(sb[0x4C:], 1)
	binary.LittleEndian.PutUint32(sb[0x54:], 11)
	binary.LittleEndian.PutUint16(sb[0x58:], 128)
	binary.LittleEndian.PutUint32(sb[0x60:], featureIncompatFiletype)
	binary.LittleEndian.PutUint32(sb[0x64:], featureROCompatSparseSuper|featureROCompatLargeFile)
	for i := 0; i < 16; i++ {
		sb[0x68+i] = byte(i + 1)
	}
	copy(sb[0x78:], "testvol")
	copy(sb[0x88:], "/mnt")

	gd := im.b[2*tBS:]
	binary.LittleEndian.PutUint32(gd[0x00:], 3)
	binary.LittleEndian.PutUint32(gd[0x04:], 4)
	binary.LittleEndian.PutUint32(gd[0x08:], 5)
	binary.LittleEndian.PutUint16(gd[0x0C:], 90)
	binary.LittleEndian.PutUint16(gd[0x0E:], 13)
	binary.LittleEndian.PutUint16(gd[0x10:], 2)

	for blk := 1; blk <= 8; blk++ {
		im.allocBlock(blk)
	}
	for ino := 1; ino <= 11; ino++ {
		im.allocInode(ino)
	}
	return im
}

func (im *extImage) block(n int) []byte {
	return im.b[n*tBS : (n+1)*tBS]
}

func (im *extImage) allocBlock(blocks ...int) {
	for _, n := range blocks {
		bit := n - 1
		im.b[3*tBS+bit/8] |= 1 << (bit % 8)
	}
}

func (im *extImage) allocInode(n int) {
	bit := n - 1
	im.b[4*tBS+bit/8] |= 1 << (bit % 8)
}

func (im *extImage) fill(n int, c byte) {
	copy(im.block(n), bytes.Repeat([]byte{c}, tBS))
}

// inode writes the record of inode n with the given block pointers and
// returns it for further changes.
func (im *extImage) inode(n int, mode uint16, size uint32, ptrs ...uint32) []byte {
	off := 5*tBS + (n-1)*128
	rec := im.b[off : off+128]
	binary.LittleEndian.PutUint16(rec[0x00:], mode)
	binary.LittleEndian.PutUint16(rec[0x02:], 1000)
	binary.LittleEndian.PutUint32(rec[0x04:], size)
	binary.LittleEndian.PutUint32(rec[0x08:], tTime)
	binary.LittleEndian.PutUint32(rec[0x0C:], tTime)
	binary.LittleEndian.PutUint32(rec[0x10:], tTime)
	binary.LittleEndian.PutUint16(rec[0x18:], 100)
	binary.LittleEndian.PutUint16(rec[0x1A:], 1)
	binary.LittleEndian.PutUint32(rec[0x64:], 7)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(rec[0x28+4*i:], p)
	}
	return rec
}

func (im *extImage) deleted(rec []byte) {
	binary.LittleEndian.PutUint32(rec[0x14:], tTime+60)
	binary.LittleEndian.PutUint16(rec[0x1A:], 0)
}

// dirent writes a v2 directory entry at off of block blk.
func (im *extImage) dirent(blk, off int, inum uint32, recLen uint16, typ uint8, name string) {
	b := im.block(blk)[off:]
	binary.LittleEndian.PutUint32(b[0:], inum)
	binary.LittleEndian.PutUint16(b[4:], recLen)
	b[6] = uint8(len(name))
	b[7] = typ
	copy(b[8:], name)
}

func extentHeader(b []byte, entries, limit, depth uint16) {
	binary.LittleEndian.PutUint16(b[0:], extentMagic)
	binary.LittleEndian.PutUint16(b[2:], entries)
	binary.LittleEndian.PutUint16(b[4:], limit)
	binary.LittleEndian.PutUint16(b[6:], depth)
}

func extentLeaf(b []byte, i int, logical uint32, length uint16, start uint32) {
	e := b[12+12*i:]
	binary.LittleEndian.PutUint32(e[0:], logical)
	binary.LittleEndian.PutUint16(e[4:], length)
	binary.LittleEndian.PutUint32(e[8:], start)
}

// testImage builds:
//
//	/             block 9
//	  file.txt
//	  big
//	  sub/        block 14
//	    loop/     sub again
//	    inner
//	  link        -> file.txt
//	  gone.txt    deleted, in the space of link's record
//	  ext
//	  inline
func testImage(t *testing.T) *FS {
	t.Helper()
	im := newExt2()

	im.inode(2, modeDir, tBS, tRootBlock)
	im.allocInode(2)
	im.allocBlock(tRootBlock)
	im.dirent(9, 0, 2, 12, deDir, ".")
	im.dirent(9, 12, 2, 12, deDir, "..")
	im.dirent(9, 24, inoFile, 16, deRegFile, "file.txt")
	im.dirent(9, 40, inoBig, 12, deRegFile, "big")
	im.dirent(9, 52, inoSub, 12, deDir, "sub")
	im.dirent(9, 64, inoLink, 28, deSymlink, "link")
	im.dirent(9, 76, inoGone, 16, deRegFile, "gone.txt")
	im.dirent(9, 92, inoExt, 12, deRegFile, "ext")
	im.dirent(9, 104, inoInline, tBS-104, deRegFile, "inline")

	im.inode(inoFile, modeReg, 3*tBS+928, 10, 11, 0, 12)
	im.allocInode(inoFile)
	im.allocBlock(10, 11, 12)
	im.fill(10, 'a')
	im.fill(11, 'b')
	im.fill(12, 'c')

	ptrs := make([]uint32, 13)
	for i := 0; i < 12; i++ {
		ptrs[i] = uint32(20 + i)
		im.allocBlock(20 + i)
	}
	ptrs[12] = 32
	im.inode(inoBig, modeReg, 13*tBS, ptrs...)
	im.allocInode(inoBig)
	im.allocBlock(32, 33)
	binary.LittleEndian.PutUint32(im.block(32), 33)

	im.inode(inoSub, modeDir, tBS, 14)
	im.allocInode(inoSub)
	im.allocBlock(14)
	im.dirent(14, 0, inoSub, 12, deDir, ".")
	im.dirent(14, 12, 2, 12, deDir, "..")
	im.dirent(14, 24, inoSub, 12, deDir, "loop")
	im.dirent(14, 36, inoInner, tBS-36, deRegFile, "inner")

	rec := im.inode(inoLink, modeLnk, 8)
	copy(rec[0x28:], "file.txt")
	im.allocInode(inoLink)

	im.deleted(im.inode(inoGone, modeReg, 7, 13))
	copy(im.block(13), "deleted")

	im.deleted(im.inode(inoOrphan, modeReg, 6, 50))
	copy(im.block(50), "orphan")

	rec = im.inode(inoExt, modeReg, 4*tBS)
	binary.LittleEndian.PutUint32(rec[0x20:], inodeFlagExtents)
	extentHeader(rec[0x28:], 2, 4, 0)
	extentLeaf(rec[0x28:], 0, 0, 2, 40)
	extentLeaf(rec[0x28:], 1, 3, 1, 43)
	im.allocInode(inoExt)
	im.allocBlock(40, 41, 43)
	im.fill(40, 'e')
	im.fill(41, 'e')
	im.fill(43, 'f')

	rec = im.inode(inoInline, modeReg, 5)
	binary.LittleEndian.PutUint32(rec[0x20:], inodeFlagInline)
	copy(rec[0x28:], "hello")
	im.allocInode(inoInline)

	im.inode(inoInner, modeReg, 5, 15)
	im.allocInode(inoInner)
	im.allocBlock(15)
	copy(im.block(15), "inner")

	rec = im.inode(inoDeep, modeReg, 2*tBS)
	binary.LittleEndian.PutUint32(rec[0x20:], inodeFlagExtents)
	extentHeader(rec[0x28:], 1, 4, 1)
	binary.LittleEndian.PutUint32(rec[0x28+12+4:], 44)
	extentHeader(im.block(44), 2, 84, 0)
	extentLeaf(im.block(44), 0, 0, 1, 45)
	extentLeaf(im.block(44), 1, 1, extentInitMax+1, 46)
	im.allocInode(inoDeep)
	im.allocBlock(44, 45)
	im.fill(45, 'g')
	im.fill(46, 'x')

	f, err := Open(fsys.NewImage(bytes.NewReader(im.b), int64(len(im.b))), 0, fsys.Unknown)
	require.NoError(t, err)
	require.NotNil(t, f)
	return f
}

func TestOpen(t *testing.T) {
	f := testImage(t)
	assert.Equal(t, fsys.Ext2, f.Type)
	assert.Equal(t, uint64(1), f.FirstInum)
	assert.Equal(t, uint64(tInodes), f.LastInum)
	assert.Equal(t, uint64(2), f.RootInum)
	assert.Equal(t, uint64(tBlocks-1), f.LastBlock)
	assert.Equal(t, uint32(tBS), f.BlockSize)
	assert.Equal(t, "Fragment", f.DUName)
	assert.Equal(t, uint64(4), f.itabBlocks)
	require.Len(t, f.groups, 1)
	assert.Equal(t, uint64(5), f.groups[0].inodeTable)

	open := func(b []byte, typ fsys.Type) (*FS, error) {
		return Open(fsys.NewImage(bytes.NewReader(b), int64(len(b))), 0, typ)
	}
	t.Run("not ext", func(t *testing.T) {
		f, err := open(make([]byte, 8192), fsys.Unknown)
		assert.NoError(t, err)
		assert.Nil(t, f)
	})
	t.Run("wrong type", func(t *testing.T) {
		_, err := open(newExt2().b, fsys.FAT12)
		assert.True(t, errors.Is(err, fsys.ErrArgument))
	})
	t.Run("journal", func(t *testing.T) {
		im := newExt2()
		binary.LittleEndian.PutUint32(im.b[1024+0x5C:], featureCompatHasJournal)
		binary.LittleEndian.PutUint32(im.b[1024+0xE0:], 8)
		f, err := open(im.b, fsys.Unknown)
		require.NoError(t, err)
		assert.Equal(t, fsys.Ext3, f.Type)
		assert.Equal(t, uint64(8), f.JournInum)
	})
	t.Run("fragments", func(t *testing.T) {
		im := newExt2()
		binary.LittleEndian.PutUint32(im.b[1024+0x1C:], 1)
		_, err := open(im.b, fsys.Unknown)
		assert.True(t, errors.Is(err, fsys.ErrUnsupported))
	})
	t.Run("truncated", func(t *testing.T) {
		b := newExt2().b[:64*tBS]
		f, err := open(b, fsys.Unknown)
		require.NoError(t, err)
		assert.Equal(t, uint64(63), f.LastBlockAct)
		_, err = f.ReadBlock(make([]byte, tBS), 100)
		assert.True(t, errors.Is(err, fsys.ErrMissingInPartialImage))
	})
}

func TestBlockWalk(t *testing.T) {
	f := testImage(t)
	seen := map[uint64]fsys.BlockFlag{}
	err := f.BlockWalk(0, tBlocks-1, 0, func(addr uint64, buf []byte, flags fsys.BlockFlag) error {
		assert.Len(t, buf, tBS)
		seen[addr] = flags
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, tBlocks)

	for addr := uint64(0); addr <= 8; addr++ {
		assert.Equal(t, fsys.BlockAlloc|fsys.BlockMeta, seen[addr], "block %d", addr)
	}
	assert.Equal(t, fsys.BlockAlloc|fsys.BlockCont, seen[9])
	assert.Equal(t, fsys.BlockUnalloc|fsys.BlockCont, seen[13])
	assert.Equal(t, fsys.BlockUnalloc|fsys.BlockCont, seen[50])

	var unalloc []uint64
	err = f.BlockWalk(9, 19, fsys.BlockUnalloc, func(addr uint64, _ []byte, _ fsys.BlockFlag) error {
		unalloc = append(unalloc, addr)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{13, 16, 17, 18, 19}, unalloc)

	var meta []uint64
	err = f.BlockWalk(0, 20, fsys.BlockMeta, func(addr uint64, _ []byte, _ fsys.BlockFlag) error {
		meta = append(meta, addr)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8}, meta)

	n := 0
	err = f.BlockWalk(0, tBlocks-1, 0, func(uint64, []byte, fsys.BlockFlag) error {
		n++
		return fsys.StopWalk
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	err = f.BlockWalk(0, tBlocks, 0, func(uint64, []byte, fsys.BlockFlag) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrWalkRange))
	err = f.BlockWalk(10, 5, 0, func(uint64, []byte, fsys.BlockFlag) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrWalkRange))
}

func inodes(t *testing.T, f *FS, flags fsys.InodeFlag) []uint64 {
	t.Helper()
	var out []uint64
	err := f.InodeWalk(f.FirstInum, f.LastInum, flags, func(in *fsys.Inode) error {
		out = append(out, in.Addr)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestInodeWalk(t *testing.T) {
	f := testImage(t)
	assert.Equal(t, []uint64{2, 12, 13, 14, 15, 18, 19, 20, 21}, inodes(t, f, fsys.InodeAlloc|fsys.InodeUsed))
	assert.Equal(t, []uint64{inoGone, inoOrphan}, inodes(t, f, fsys.InodeUnalloc|fsys.InodeUsed))
	assert.Equal(t, []uint64{inoOrphan}, inodes(t, f, fsys.InodeOrphan|fsys.InodeUsed))

	unused := inodes(t, f, fsys.InodeUnalloc|fsys.InodeUnused)
	assert.Len(t, unused, tInodes-21)
	assert.Equal(t, uint64(22), unused[0])

	var got []*fsys.Inode
	err := f.InodeWalk(inoFile, inoBig, 0, func(in *fsys.Inode) error {
		got = append(got, in)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.NotSame(t, got[0], got[1])
	assert.Equal(t, uint64(inoFile), got[0].Addr)

	err = f.InodeWalk(0, 5, 0, func(*fsys.Inode) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrWalkRange))
	err = f.InodeWalk(5, 3, 0, func(*fsys.Inode) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrWalkRange))
}

func TestInodeLookup(t *testing.T) {
	f := testImage(t)

	in, err := f.InodeLookup(inoBig)
	require.NoError(t, err)
	assert.Equal(t, uint64(inoBig), in.Addr)
	assert.Equal(t, fsys.ModeReg, in.Mode.Type())
	assert.Equal(t, int64(13*tBS), in.Size)
	assert.Equal(t, uint32(1000), in.UID)
	assert.Equal(t, uint32(100), in.GID)
	assert.Equal(t, fsys.InodeAlloc|fsys.InodeUsed, in.Flags)
	assert.Equal(t, int64(tTime), in.Mtime.Unix())
	assert.True(t, in.Dtime.IsZero())
	assert.Equal(t, []uint64{32, 0, 0}, in.Indirect)

	in, err = f.InodeLookup(inoLink)
	require.NoError(t, err)
	assert.Equal(t, "file.txt", in.Link)

	in, err = f.InodeLookup(inoGone)
	require.NoError(t, err)
	assert.Equal(t, fsys.InodeUnalloc|fsys.InodeUsed, in.Flags)
	assert.Equal(t, int64(tTime+60), in.Dtime.Unix())

	in, err = f.InodeLookup(inoDeep)
	require.NoError(t, err)
	assert.Equal(t, []uint64{44}, in.Indirect)
	d := in.Attrs.LookupNoID(attrData)
	require.NotNil(t, d)
	assert.Equal(t, []fsys.Run{
		{Offset: 0, Addr: 45, Len: 1},
		{Offset: 1, Addr: 46, Len: 1, Flags: fsys.RunSparse},
	}, d.Runs)

	_, err = f.InodeLookup(0)
	assert.True(t, errors.Is(err, fsys.ErrArgument))
	_, err = f.InodeLookup(tInodes + 1)
	assert.True(t, errors.Is(err, fsys.ErrArgument))
}

type blockRef struct {
	addr  uint64
	flags fsys.BlockFlag
}

func addrs(t *testing.T, f *FS, inum uint64, flags fsys.FileFlag) []blockRef {
	t.Helper()
	in, err := f.InodeLookup(inum)
	require.NoError(t, err)
	var out []blockRef
	err = f.FileWalk(in, 0, 0, flags|fsys.FileAOnly, func(addr uint64, _ []byte, fl fsys.BlockFlag) error {
		out = append(out, blockRef{addr, fl})
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestFileWalk(t *testing.T) {
	f := testImage(t)
	cont := fsys.BlockAlloc | fsys.BlockCont
	hole := fsys.BlockCont | fsys.BlockSparse

	assert.Equal(t, []blockRef{{10, cont}, {11, cont}, {0, hole}, {12, cont}}, addrs(t, f, inoFile, 0))
	assert.Equal(t, []blockRef{{10, cont}, {11, cont}, {12, cont}}, addrs(t, f, inoFile, fsys.FileNoSparse))

	big := addrs(t, f, inoBig, fsys.FileMeta)
	require.Len(t, big, 14)
	assert.Equal(t, blockRef{32, fsys.BlockAlloc | fsys.BlockMeta}, big[12])
	assert.Equal(t, blockRef{33, cont}, big[13])
	assert.Len(t, addrs(t, f, inoBig, 0), 13)

	assert.Equal(t, []blockRef{{40, cont}, {41, cont}, {0, hole}, {43, cont}}, addrs(t, f, inoExt, 0))
	assert.Equal(t, []blockRef{{44, fsys.BlockAlloc | fsys.BlockMeta}, {45, cont}, {0, hole}}, addrs(t, f, inoDeep, fsys.FileMeta))

	t.Run("content", func(t *testing.T) {
		in, err := f.InodeLookup(inoFile)
		require.NoError(t, err)
		data, err := fsys.LoadFile(f, in, 0, 0, 0)
		require.NoError(t, err)
		want := append(bytes.Repeat([]byte{'a'}, tBS), bytes.Repeat([]byte{'b'}, tBS)...)
		want = append(want, make([]byte, tBS)...)
		want = append(want, bytes.Repeat([]byte{'c'}, 928)...)
		assert.Equal(t, want, data)

		var lens []int
		err = f.FileWalk(in, 0, 0, fsys.FileSlack, func(_ uint64, b []byte, _ fsys.BlockFlag) error {
			lens = append(lens, len(b))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{tBS, tBS, tBS, tBS}, lens)

		in, err = f.InodeLookup(inoExt)
		require.NoError(t, err)
		data, err = fsys.LoadFile(f, in, 0, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{'e'}, 2*tBS), data[:2*tBS])
		assert.Equal(t, make([]byte, tBS), data[2*tBS:3*tBS])
		assert.Equal(t, bytes.Repeat([]byte{'f'}, tBS), data[3*tBS:])

		in, err = f.InodeLookup(inoDeep)
		require.NoError(t, err)
		data, err = fsys.LoadFile(f, in, 0, 0, 0)
		require.NoError(t, err)
		// uninitialised extents read as zeros
		assert.Equal(t, make([]byte, tBS), data[tBS:])
	})

	t.Run("inline", func(t *testing.T) {
		in, err := f.InodeLookup(inoInline)
		require.NoError(t, err)
		ok, err := f.NeedsDataWalk(in, 0, 0, 0)
		require.NoError(t, err)
		assert.True(t, ok)
		data, err := fsys.LoadFile(f, in, 0, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
		buf := make([]byte, 3)
		n, err := fsys.ReadFile(f, in, 0, 0, 2, buf, 0)
		require.NoError(t, err)
		assert.Equal(t, "llo", string(buf[:n]))
	})

	t.Run("deleted", func(t *testing.T) {
		in, err := f.InodeLookup(inoGone)
		require.NoError(t, err)
		data, err := fsys.LoadFile(f, in, 0, 0, fsys.FileRecover)
		require.NoError(t, err)
		assert.Equal(t, "deleted", string(data))
		assert.Equal(t, []blockRef{{13, fsys.BlockUnalloc | fsys.BlockCont}}, addrs(t, f, inoGone, fsys.FileRecover))
	})

	t.Run("bad address", func(t *testing.T) {
		in, err := f.InodeLookup(inoFile)
		require.NoError(t, err)
		in.Direct[1] = 5000
		err = f.FileWalk(in, 0, 0, fsys.FileAOnly, func(uint64, []byte, fsys.BlockFlag) error { return nil })
		assert.True(t, errors.Is(err, fsys.ErrCorrupt))
		err = f.FileWalk(in, 0, 0, fsys.FileAOnly|fsys.FileRecover, func(uint64, []byte, fsys.BlockFlag) error { return nil })
		assert.True(t, errors.Is(err, fsys.ErrRecover))
	})
}

type dentInfo struct {
	inum  uint64
	name  string
	path  string
	flags fsys.DentFlag
}

func collect(t *testing.T, f *FS, inum uint64, flags fsys.DentFlag) []dentInfo {
	t.Helper()
	var out []dentInfo
	err := f.DentWalk(inum, flags, func(d *fsys.Dent) error {
		out = append(out, dentInfo{d.Inode, d.Name, d.Path, d.Flags})
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestDentWalk(t *testing.T) {
	f := testImage(t)
	a, u := fsys.DentAlloc, fsys.DentUnalloc
	assert.Equal(t, []dentInfo{
		{2, ".", "", a},
		{2, "..", "", a},
		{inoFile, "file.txt", "", a},
		{inoBig, "big", "", a},
		{inoSub, "sub", "", a},
		{inoLink, "link", "", a},
		{inoGone, "gone.txt", "", u},
		{inoExt, "ext", "", a},
		{inoInline, "inline", "", a},
	}, collect(t, f, f.RootInum, 0))

	unalloc := collect(t, f, f.RootInum, fsys.DentUnalloc)
	require.Len(t, unalloc, 1)
	assert.Equal(t, "gone.txt", unalloc[0].name)

	var types []fsys.DentType
	err := f.DentWalk(f.RootInum, fsys.DentAlloc, func(d *fsys.Dent) error {
		types = append(types, d.Type)
		if d.Name == "sub" {
			require.NotNil(t, d.Meta)
			assert.True(t, d.Meta.Mode.IsDir())
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, fsys.DentDir, types[0])
	assert.Equal(t, fsys.DentLnk, types[5])

	err = f.DentWalk(tInodes+1, 0, func(*fsys.Dent) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrWalkRange))
}

func TestDentWalkRecurse(t *testing.T) {
	f := testImage(t)
	got := collect(t, f, f.RootInum, fsys.DentAlloc|fsys.DentRecurse)

	var paths []string
	for _, d := range got {
		paths = append(paths, d.path+d.name)
	}
	// loop names sub itself and is not entered again
	assert.Equal(t, []string{
		".", "..", "file.txt", "big", "sub",
		"sub/.", "sub/..", "sub/loop", "sub/inner",
		"link", "ext", "inline",
	}, paths)

	// a callback error from inside a subdirectory ends the walk
	boom := errors.New("boom")
	err := f.DentWalk(f.RootInum, fsys.DentRecurse, func(d *fsys.Dent) error {
		if d.Name == "inner" {
			return boom
		}
		return nil
	})
	assert.Equal(t, boom, err)

	n := 0
	err = f.DentWalk(f.RootInum, fsys.DentRecurse, func(d *fsys.Dent) error {
		if n++; d.Name == "loop" {
			return fsys.StopWalk
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestLookupPath(t *testing.T) {
	f := testImage(t)
	inum, err := fsys.LookupPath(f, "sub/inner")
	require.NoError(t, err)
	assert.Equal(t, uint64(inoInner), inum)

	_, err = fsys.LookupPath(f, "SUB/inner")
	assert.True(t, errors.Is(err, iofs.ErrNotExist))

	data, err := iofs.ReadFile(fsys.NewFS(f), "sub/inner")
	require.NoError(t, err)
	assert.Equal(t, "inner", string(data))

	entries, err := iofs.ReadDir(fsys.NewFS(f), "sub")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "inner", entries[0].Name())
	assert.Equal(t, "loop", entries[1].Name())
}

func TestStat(t *testing.T) {
	f := testImage(t)

	var buf bytes.Buffer
	require.NoError(t, f.FsStat(&buf))
	out := buf.String()
	assert.Contains(t, out, "File System Type: Ext2\n")
	assert.Contains(t, out, "Volume Name: testvol\n")
	assert.Contains(t, out, "Volume ID: 01020304-0506-0708-090a-0b0c0d0e0f10\n")
	assert.Contains(t, out, "Last Written at: Thu Jan  2 12:34:56 2020\n")
	assert.Contains(t, out, "Last Checked at: empty\n")
	assert.Contains(t, out, "Unmounted properly\nLast mounted on: /mnt\n")
	assert.Contains(t, out, "Source OS: Linux\nDynamic Structure\n")
	assert.Contains(t, out, "InCompat Features: Filetype\n")
	assert.Contains(t, out, "Read Only Compat Features: Sparse Super, Has Large Files\n")
	assert.Contains(t, out, "Inode Range: 1 - 32\nRoot Directory: 2\n")
	assert.Contains(t, out, "Block Range: 0 - 127\n")
	assert.Contains(t, out, "Reserved Blocks Before Block Groups: 1\n")
	assert.Contains(t, out, "  Block Range: 1 - 127\n")
	assert.Contains(t, out, "    Super Block: 1 - 1\n    Group Descriptor Table: 2 - 2\n")
	assert.Contains(t, out, "    Inode Table: 5 - 8\n    Data Blocks: 9 - 127\n")
	assert.Contains(t, out, "  Free Inodes: 13 (40%)\n")
	assert.Contains(t, out, "  Total Directories: 2\n")

	buf.Reset()
	require.NoError(t, f.IStat(&buf, inoBig, 0, 0))
	out = buf.String()
	assert.Contains(t, out, "inode: 13\nAllocated\nGroup: 0\nGeneration Id: 7\n")
	assert.Contains(t, out, "uid / gid: 1000 / 100\n")
	assert.Contains(t, out, "size: 13312\n")
	assert.Contains(t, out, "Inode Times:\nAccessed:\tThu Jan  2 12:34:56 2020\n")
	assert.Contains(t, out, "Direct Blocks:\n20 21 22 23 24 25 26 27 \n28 29 30 31 33 \n")
	assert.Contains(t, out, "Indirect Blocks:\n32 \n")

	buf.Reset()
	require.NoError(t, f.IStat(&buf, inoFile, 0, 3600))
	out = buf.String()
	assert.Contains(t, out, "Adjusted Inode Times:\nAccessed:\tThu Jan  2 11:34:56 2020\n")
	assert.Contains(t, out, "Direct Blocks:\n10 11 0 12 \n")

	buf.Reset()
	require.NoError(t, f.IStat(&buf, inoGone, 0, 0))
	out = buf.String()
	assert.Contains(t, out, "Not Allocated\n")
	assert.Contains(t, out, "Deleted:\tThu Jan  2 12:35:56 2020\n")

	buf.Reset()
	require.NoError(t, f.IStat(&buf, inoLink, 0, 0))
	assert.Contains(t, buf.String(), "symbolic link to: file.txt\n")
}

func TestExtAttrs(t *testing.T) {
	im := newExt2()
	rec := im.inode(inoFile, modeReg, 0)
	binary.LittleEndian.PutUint32(rec[0x68:], 60)
	im.allocInode(inoFile)
	im.allocBlock(60)

	b := im.block(60)
	binary.LittleEndian.PutUint32(b[0:], eaMagic)
	// user.color = blue, stored at the end of the block
	e := b[eaHeaderSize:]
	e[0] = 5
	e[1] = eaIdxUser
	binary.LittleEndian.PutUint16(e[2:], tBS-8)
	binary.LittleEndian.PutUint32(e[8:], 4)
	copy(e[eaEntrySize:], "color")
	copy(b[tBS-8:], "blue")
	// an access ACL with one named user
	e = b[eaHeaderSize+24:]
	e[1] = eaIdxACLAcc
	binary.LittleEndian.PutUint16(e[2:], tBS-64)
	binary.LittleEndian.PutUint32(e[8:], 4+4+8+4)
	acl := b[tBS-64:]
	binary.LittleEndian.PutUint32(acl[0:], 1)
	binary.LittleEndian.PutUint16(acl[4:], aclTagUserObj)
	binary.LittleEndian.PutUint16(acl[6:], 6)
	binary.LittleEndian.PutUint16(acl[8:], aclTagUser)
	binary.LittleEndian.PutUint16(acl[10:], 4)
	binary.LittleEndian.PutUint32(acl[12:], 42)
	binary.LittleEndian.PutUint16(acl[16:], aclTagOther)

	f, err := Open(fsys.NewImage(bytes.NewReader(im.b), int64(len(im.b))), 0, fsys.Unknown)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, f.IStat(&buf, inoFile, 0, 0))
	out := buf.String()
	assert.Contains(t, out, "Extended Attributes  (Block: 60)\n")
	assert.Contains(t, out, "user.color=blue\n")
	assert.Contains(t, out, "POSIX Access Control List Entries:\n  uid: 1000: Read, Write\n  uid: 42: Read\n  other: \n")
}
