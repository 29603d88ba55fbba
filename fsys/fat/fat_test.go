package fat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/rawhide/fsys"
)

// test image: FAT12, 512-byte sectors, one sector per cluster, one
// reserved sector, two one-sector FATs and a one-sector root directory.
// Sector 4 is cluster 2.
const (
	tSectors  = 64
	tRootSect = 3
)

var (
	tDate = uint16(40<<9 | 1<<5 | 2)     // 2020-01-02
	tTime = uint16(12<<11 | 34<<5 | 56/2) // 12:34:56
)

type fatImage struct {
	b []byte
}

func newFAT12() *fatImage {
	im := &fatImage{b: make([]byte, tSectors*512)}
	b := im.b
	copy(b[0:3], []byte{0xeb, 0x3c, 0x90})
	copy(b[3:11], "MSDOS5.0")
	binary.LittleEndian.PutUint16(b[11:], 512)
	b[13] = 1
	binary.LittleEndian.PutUint16(b[14:], 1)
	b[16] = 2
	binary.LittleEndian.PutUint16(b[17:], 16)
	binary.LittleEndian.PutUint16(b[19:], tSectors)
	b[21] = 0xf8
	binary.LittleEndian.PutUint16(b[22:], 1)
	b[38] = 0x29
	binary.LittleEndian.PutUint32(b[39:], 0x1234abcd)
	copy(b[43:54], "NO NAME    ")
	copy(b[54:62], "FAT12   ")
	binary.LittleEndian.PutUint16(b[510:], 0xaa55)
	im.setFAT(0, 0xff8)
	im.setFAT(1, 0xfff)
	return im
}

func (im *fatImage) setFAT(clust, v uint16) {
	for _, base := range []int{512, 1024} {
		off := base + int(clust+clust/2)
		e := binary.LittleEndian.Uint16(im.b[off:])
		if clust&1 != 0 {
			e = e&0x000f | v<<4
		} else {
			e = e&0xf000 | v&0x0fff
		}
		binary.LittleEndian.PutUint16(im.b[off:], e)
	}
}

func (im *fatImage) put(sect, slot int, raw []byte) {
	copy(im.b[sect*512+slot*32:], raw)
}

func (im *fatImage) fill(sect int, c byte, n int) {
	for i := 0; i < n; i++ {
		im.b[sect*512+i] = c
	}
}

func clustSect(c int) int { return 4 + c - 2 }

func shortEntry(name string, attr uint8, clust uint16, size uint32) []byte {
	raw := make([]byte, 32)
	copy(raw[0:11], name)
	raw[11] = attr
	binary.LittleEndian.PutUint16(raw[22:], tTime)
	binary.LittleEndian.PutUint16(raw[24:], tDate)
	binary.LittleEndian.PutUint16(raw[18:], tDate)
	binary.LittleEndian.PutUint16(raw[26:], clust)
	binary.LittleEndian.PutUint32(raw[28:], size)
	return raw
}

func lfnEntry(seq, chk uint8, part []uint16) []byte {
	units := make([]uint16, 13)
	copy(units, part)
	for i := len(part); i < 13; i++ {
		if i == len(part) {
			units[i] = 0
		} else {
			units[i] = 0xffff
		}
	}
	raw := make([]byte, 32)
	raw[0] = seq
	raw[11] = attrLFN
	raw[13] = chk
	pos := []int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}
	for i, p := range pos {
		binary.LittleEndian.PutUint16(raw[p:], units[i])
	}
	return raw
}

func checksum(name string) uint8 {
	d := parseDentry(shortEntry(name, 0, 0, 0))
	return d.checksum()
}

const longName = "A long file name.txt"

// inode numbers of the test image
const (
	inoLabel   = 3
	inoLong    = 6
	inoSubdir  = 7
	inoDeleted = 8
	inoBadChk  = 10
	inoInner   = 53
	inoLoop    = 54
	inoOrphan  = 147
)

// testImage builds:
//
//	/                 root (sector 3)
//	  TESTVOL         volume label
//	  A long file name.txt  clusters 2,3, 600 bytes
//	  SUBDIR/         cluster 4
//	    INNER.TXT     cluster 5
//	    LOOP/         cluster 4 again
//	  _ELETED.TXT     deleted, cluster 6
//	  BADCHK.TXT      preceded by a stray long name slot
//
// and a deleted entry in unallocated cluster 10 that nothing names.
func testImage(t *testing.T) *FS {
	t.Helper()
	im := newFAT12()

	u := utf16.Encode([]rune(longName))
	chk := checksum("ALONGF~1TXT")
	im.put(tRootSect, 0, shortEntry("TESTVOL    ", attrVolume, 0, 0))
	im.put(tRootSect, 1, lfnEntry(lfnSeqFirst|2, chk, u[13:]))
	im.put(tRootSect, 2, lfnEntry(1, chk, u[:13]))
	im.put(tRootSect, 3, shortEntry("ALONGF~1TXT", attrArchive, 2, 600))
	im.put(tRootSect, 4, shortEntry("SUBDIR     ", attrDirectory, 4, 0))
	im.put(tRootSect, 5, shortEntry("\xe5ELETED TXT", attrArchive, 6, 100))
	im.put(tRootSect, 6, lfnEntry(lfnSeqFirst|1, 0x00, utf16.Encode([]rune("zzz"))))
	im.put(tRootSect, 7, shortEntry("BADCHK  TXT", attrArchive, 0, 0))

	im.setFAT(2, 3)
	im.setFAT(3, 0xfff)
	im.setFAT(4, 0xfff)
	im.setFAT(5, 0xfff)
	im.fill(clustSect(2), 'A', 512)
	im.fill(clustSect(3), 'B', 512)

	sub := clustSect(4)
	im.put(sub, 0, shortEntry(".          ", attrDirectory, 4, 0))
	im.put(sub, 1, shortEntry("..         ", attrDirectory, 0, 0))
	im.put(sub, 2, shortEntry("INNER   TXT", attrArchive, 5, 10))
	im.put(sub, 3, shortEntry("LOOP       ", attrDirectory, 4, 0))
	copy(im.b[clustSect(5)*512:], "inner data")

	im.fill(clustSect(6), 'D', 100)
	im.put(clustSect(10), 0, shortEntry("\xe5RPHAN  TXT", attrArchive, 11, 5))

	f, err := Open(fsys.NewImage(bytes.NewReader(im.b), int64(len(im.b))), 0, fsys.Unknown)
	require.NoError(t, err)
	require.NotNil(t, f)
	return f
}

func TestOpen(t *testing.T) {
	f := testImage(t)
	assert.Equal(t, fsys.FAT12, f.Type)
	assert.Equal(t, uint64(tSectors-1), f.LastBlock)
	assert.Equal(t, uint64(tSectors-1), f.LastBlockAct)
	assert.Equal(t, uint64(2), f.RootInum)
	assert.Equal(t, uint64(4), f.firstClustSect)
	assert.Equal(t, uint64(61), f.lastClust)
	assert.Equal(t, "Sector", f.DUName)

	t.Run("not fat", func(t *testing.T) {
		b := make([]byte, 4096)
		f, err := Open(fsys.NewImage(bytes.NewReader(b), int64(len(b))), 0, fsys.Unknown)
		assert.NoError(t, err)
		assert.Nil(t, f)
	})
	t.Run("forced fat32 on fat12", func(t *testing.T) {
		im := newFAT12()
		f, err := Open(fsys.NewImage(bytes.NewReader(im.b), int64(len(im.b))), 0, fsys.FAT32)
		assert.NoError(t, err)
		assert.Nil(t, f)
	})
	t.Run("truncated", func(t *testing.T) {
		im := newFAT12()
		b := im.b[:40*512]
		f, err := Open(fsys.NewImage(bytes.NewReader(b), int64(len(b))), 0, fsys.Unknown)
		require.NoError(t, err)
		assert.Equal(t, uint64(39), f.LastBlockAct)
		_, err = f.ReadBlock(make([]byte, 512), 50)
		assert.True(t, errors.Is(err, fsys.ErrMissingInPartialImage))
		_, err = f.ReadBlock(make([]byte, 512), 64)
		assert.True(t, errors.Is(err, fsys.ErrAddressTooLarge))
	})
}

func TestGetFAT(t *testing.T) {
	f := testImage(t)
	for _, tc := range []struct {
		clust, want uint64
	}{
		{2, 3},
		{3, 0xfff},
		{4, 0xfff},
		{6, 0},
	} {
		got, err := f.getFAT(tc.clust)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "cluster %d", tc.clust)
	}
	assert.True(t, f.isEOF(0xfff))
}

func TestBlockWalk(t *testing.T) {
	f := testImage(t)
	seen := map[uint64]fsys.BlockFlag{}
	err := f.BlockWalk(f.FirstBlock, f.LastBlockAct, fsys.BlockAlloc|fsys.BlockUnalloc, func(addr uint64, buf []byte, flags fsys.BlockFlag) error {
		_, dup := seen[addr]
		assert.False(t, dup, "block %d visited twice", addr)
		assert.Len(t, buf, 512)
		seen[addr] = flags
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, tSectors)

	for addr := uint64(0); addr < tSectors; addr++ {
		want := fsys.BlockUnalloc | fsys.BlockCont
		switch {
		case addr < 3:
			want = fsys.BlockAlloc | fsys.BlockMeta
		case addr == 3:
			want = fsys.BlockAlloc | fsys.BlockCont
		case addr >= 4 && addr <= 7:
			want = fsys.BlockAlloc | fsys.BlockCont
		}
		assert.Equal(t, want, seen[addr], "block %d", addr)
	}

	var unalloc []uint64
	err = f.BlockWalk(0, 10, fsys.BlockUnalloc, func(addr uint64, _ []byte, _ fsys.BlockFlag) error {
		unalloc = append(unalloc, addr)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{8, 9, 10}, unalloc)

	n := 0
	err = f.BlockWalk(0, 63, 0, func(uint64, []byte, fsys.BlockFlag) error {
		n++
		return fsys.StopWalk
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	err = f.BlockWalk(0, 64, 0, func(uint64, []byte, fsys.BlockFlag) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrWalkRange))
}

type dentInfo struct {
	inum  uint64
	name  string
	short string
	path  string
	flags fsys.DentFlag
}

func collect(t *testing.T, f *FS, inum uint64, flags fsys.DentFlag) []dentInfo {
	t.Helper()
	var out []dentInfo
	err := f.DentWalk(inum, flags, func(d *fsys.Dent) error {
		out = append(out, dentInfo{d.Inode, d.Name, d.ShortName, d.Path, d.Flags})
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestDentWalkRoot(t *testing.T) {
	f := testImage(t)
	got := collect(t, f, f.RootInum, 0)
	require.Len(t, got, 5)

	assert.Equal(t, uint64(inoLabel), got[0].inum)
	assert.True(t, strings.HasSuffix(got[0].name, "(Volume Label Entry)"), got[0].name)

	// long name spread over two slots
	assert.Equal(t, dentInfo{inoLong, longName, "ALONGF~1.TXT", "", fsys.DentAlloc}, got[1])
	assert.Equal(t, dentInfo{inoSubdir, "SUBDIR", "", "", fsys.DentAlloc}, got[2])
	assert.Equal(t, dentInfo{inoDeleted, "_ELETED.TXT", "", "", fsys.DentUnalloc}, got[3])
	// the stray slot's checksum does not match
	assert.Equal(t, dentInfo{inoBadChk, "BADCHK.TXT", "", "", fsys.DentAlloc}, got[4])

	alloc := collect(t, f, f.RootInum, fsys.DentAlloc)
	assert.Len(t, alloc, 4)
	unalloc := collect(t, f, f.RootInum, fsys.DentUnalloc)
	require.Len(t, unalloc, 1)
	assert.Equal(t, uint64(inoDeleted), unalloc[0].inum)
}

func TestDentWalkRecurse(t *testing.T) {
	f := testImage(t)
	got := collect(t, f, f.RootInum, fsys.DentAlloc|fsys.DentRecurse)

	var paths []string
	for _, d := range got {
		paths = append(paths, d.path+d.name)
	}
	// LOOP points back at SUBDIR's cluster; it is entered once
	assert.Contains(t, paths, "SUBDIR/INNER.TXT")
	assert.Contains(t, paths, "SUBDIR/LOOP/INNER.TXT")
	assert.NotContains(t, paths, "SUBDIR/LOOP/LOOP/INNER.TXT")

	var dots []dentInfo
	for _, d := range got {
		if d.path == "SUBDIR/" && fsys.IsDot(d.name) {
			dots = append(dots, d)
		}
	}
	require.Len(t, dots, 2)
	assert.Equal(t, uint64(inoSubdir), dots[0].inum)
	assert.Equal(t, f.RootInum, dots[1].inum)
}

func TestDentWalkFindParent(t *testing.T) {
	f := testImage(t)
	// walking SUBDIR directly, ".." has to be found by searching
	var parent uint64
	err := f.DentWalk(inoSubdir, fsys.DentAlloc, func(d *fsys.Dent) error {
		if d.Name == ".." {
			parent = d.Inode
			return fsys.StopWalk
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, f.RootInum, parent)

	// LOOP's ".." names SUBDIR's cluster 0 entry, which is the root
	var loopDots []uint64
	err = f.DentWalk(inoLoop, fsys.DentAlloc, func(d *fsys.Dent) error {
		if d.IsDot() {
			loopDots = append(loopDots, d.Inode)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{inoLoop, f.RootInum}, loopDots)
	assert.Equal(t, uint64(inoSubdir), f.findParent(4))
}

func TestInodeLookup(t *testing.T) {
	f := testImage(t)

	root, err := f.InodeLookup(f.RootInum)
	require.NoError(t, err)
	assert.True(t, root.Mode.IsDir())
	assert.Equal(t, int64(512), root.Size)
	assert.Equal(t, []uint64{1}, root.Direct)

	in, err := f.InodeLookup(inoLong)
	require.NoError(t, err)
	assert.Equal(t, int64(600), in.Size)
	assert.Equal(t, uint64(2), in.Direct[0])
	assert.Equal(t, fsys.InodeAlloc|fsys.InodeUsed, in.Flags)
	assert.Equal(t, "ALONGF~1.TXT", in.Names[0].Name)
	assert.Equal(t, "-rwxrwxrwx", in.Mode.String())
	assert.Equal(t, "Thu Jan  2 12:34:56 2020", fsys.FormatTime(in.Mtime))

	sub, err := f.InodeLookup(inoSubdir)
	require.NoError(t, err)
	assert.True(t, sub.Mode.IsDir())
	assert.Equal(t, int64(512), sub.Size)

	del, err := f.InodeLookup(inoDeleted)
	require.NoError(t, err)
	assert.Equal(t, fsys.InodeUnalloc|fsys.InodeUsed, del.Flags)
	assert.Equal(t, 0, del.Nlink)

	lfn, err := f.InodeLookup(inoLong - 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), lfn.Size)
	assert.Equal(t, "A long file n", lfn.Names[0].Name)

	// an empty slot is not an entry
	_, err = f.InodeLookup(inoBadChk + 1)
	assert.True(t, errors.Is(err, fsys.ErrCorrupt))

	_, err = f.InodeLookup(f.LastInum + 1)
	assert.True(t, errors.Is(err, fsys.ErrArgument))
}

func inodes(t *testing.T, f *FS, flags fsys.InodeFlag) []uint64 {
	t.Helper()
	var out []uint64
	err := f.InodeWalk(f.FirstInum, f.LastInum, flags, func(in *fsys.Inode) error {
		out = append(out, in.Addr)
		return nil
	})
	require.NoError(t, err)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestInodeWalk(t *testing.T) {
	f := testImage(t)

	all := inodes(t, f, 0)
	assert.Equal(t, []uint64{2, inoLabel, inoLong, inoSubdir, inoDeleted, inoBadChk, inoInner, inoLoop, inoOrphan}, all)

	alloc := inodes(t, f, fsys.InodeAlloc)
	assert.Equal(t, []uint64{2, inoLabel, inoLong, inoSubdir, inoBadChk, inoInner, inoLoop}, alloc)

	unalloc := inodes(t, f, fsys.InodeUnalloc)
	assert.Equal(t, []uint64{inoDeleted, inoOrphan}, unalloc)

	// the deleted file is still named by the root directory
	orphan := inodes(t, f, fsys.InodeOrphan)
	assert.Equal(t, []uint64{inoOrphan}, orphan)

	var one []uint64
	err := f.InodeWalk(inoSubdir, inoSubdir, 0, func(in *fsys.Inode) error {
		one = append(one, in.Addr)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{inoSubdir}, one)

	err = f.InodeWalk(10, 5, 0, func(*fsys.Inode) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrWalkRange))
}

func TestFileWalk(t *testing.T) {
	f := testImage(t)
	in, err := f.InodeLookup(inoLong)
	require.NoError(t, err)

	data, err := fsys.LoadFile(f, in, 0, 0, 0)
	require.NoError(t, err)
	want := append(bytes.Repeat([]byte{'A'}, 512), bytes.Repeat([]byte{'B'}, 88)...)
	assert.Equal(t, want, data)

	var lens []int
	var addrs []uint64
	err = f.FileWalk(in, 0, 0, fsys.FileSlack|fsys.FileAOnly, func(addr uint64, b []byte, flags fsys.BlockFlag) error {
		addrs = append(addrs, addr)
		lens = append(lens, len(b))
		assert.Equal(t, fsys.BlockAlloc|fsys.BlockCont, flags)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, addrs)
	assert.Equal(t, []int{512, 512}, lens)

	// reading from an offset starts at the right cluster
	buf := make([]byte, 20)
	n, err := fsys.ReadFile(f, in, 0, 0, 510, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, "AABBBBBBBBBBBBBBBBBB", string(buf))

	root, err := f.InodeLookup(f.RootInum)
	require.NoError(t, err)
	addrs = nil
	err = f.FileWalk(root, 0, 0, fsys.FileAOnly, func(addr uint64, _ []byte, _ fsys.BlockFlag) error {
		addrs = append(addrs, addr)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{tRootSect}, addrs)
}

func TestFileWalkRecover(t *testing.T) {
	f := testImage(t)
	in, err := f.InodeLookup(inoDeleted)
	require.NoError(t, err)

	var flags []fsys.BlockFlag
	data, err := fsys.LoadFile(f, in, 0, 0, fsys.FileRecover)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{'D'}, 100), data)

	err = f.FileWalk(in, 0, 0, fsys.FileRecover|fsys.FileAOnly, func(_ uint64, _ []byte, fl fsys.BlockFlag) error {
		flags = append(flags, fl)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []fsys.BlockFlag{fsys.BlockUnalloc | fsys.BlockCont}, flags)

	// a deleted entry whose first cluster was reused
	in.Direct[0] = 2
	err = f.FileWalk(in, 0, 0, fsys.FileRecover, func(uint64, []byte, fsys.BlockFlag) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrRecover))
}

func TestLookupPath(t *testing.T) {
	f := testImage(t)
	inum, err := fsys.LookupPath(f, "subdir/inner.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(inoInner), inum)

	inum, err = fsys.LookupPath(f, "ALONGF~1.TXT")
	require.NoError(t, err)
	assert.Equal(t, uint64(inoLong), inum)

	in, err := f.InodeLookup(inoInner)
	require.NoError(t, err)
	data, err := fsys.LoadFile(f, in, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "inner data", string(data))
}

func TestStat(t *testing.T) {
	f := testImage(t)

	var buf bytes.Buffer
	require.NoError(t, f.FsStat(&buf))
	out := buf.String()
	assert.Contains(t, out, "File System Type: FAT12")
	assert.Contains(t, out, "OEM Name: MSDOS5.0")
	assert.Contains(t, out, "Volume ID: 0x1234abcd")
	assert.Contains(t, out, "Volume Label (Root Directory): TESTVOL")
	assert.Contains(t, out, "* FAT 1: 2 - 2")
	assert.Contains(t, out, "** Root Directory: 3 - 3")
	assert.Contains(t, out, "4-5 (2) -> EOF")
	assert.Contains(t, out, "6-6 (1) -> EOF")

	buf.Reset()
	require.NoError(t, f.IStat(&buf, inoDeleted, 0, 0))
	out = buf.String()
	assert.Contains(t, out, "Directory Entry: 8\nNot Allocated\n")
	assert.Contains(t, out, "File Attributes: File, Archive\n")
	assert.Contains(t, out, "Name: _ELETED.TXT\n")
	assert.Contains(t, out, "Recovery:\n8 \n")

	buf.Reset()
	require.NoError(t, f.IStat(&buf, inoLong, 0, 3600))
	out = buf.String()
	assert.Contains(t, out, "Adjusted Directory Entry Times:\nWritten:\tThu Jan  2 11:34:56 2020\n")
	assert.Contains(t, out, "Sectors:\n4 5 \n")
}

func TestDosTime(t *testing.T) {
	assert.True(t, dosTime(0, 0).IsZero())
	tm := dosTime(tDate, tTime)
	assert.Equal(t, 2020, tm.Year())
	assert.Equal(t, 56, tm.Second())
	// minute 63 is out of range and reads as 0
	assert.Equal(t, 0, dosTime(tDate, 63<<5).Minute())
}
