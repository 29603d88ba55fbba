package part

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/rawhide/fsys"
)

func image(b []byte) fsys.Image {
	return fsys.NewImage(bytes.NewReader(b), int64(len(b)))
}

func sector(b []byte, n int) []byte {
	return b[n*SectorSize : (n+1)*SectorSize]
}

func putDOSEntry(sect []byte, slot int, boot, sysID byte, start, size uint32) {
	e := sect[dosTableOff+slot*dosEntSize:]
	e[0] = boot
	e[4] = sysID
	binary.LittleEndian.PutUint32(e[8:], start)
	binary.LittleEndian.PutUint32(e[12:], size)
	binary.LittleEndian.PutUint16(sect[dosMagicOff:], 0xAA55)
}

// dosDisk has a Linux partition, and an extended partition holding an
// NTFS and a FAT32 logical partition in two extended tables.
func dosDisk() []byte {
	b := make([]byte, 200*SectorSize)
	putDOSEntry(sector(b, 0), 0, 0x80, 0x83, 10, 40)
	putDOSEntry(sector(b, 0), 1, 0, 0x05, 60, 100)
	putDOSEntry(sector(b, 60), 0, 0, 0x07, 2, 20)
	putDOSEntry(sector(b, 60), 1, 0, 0x05, 40, 50)
	putDOSEntry(sector(b, 100), 0, 0, 0x0B, 5, 30)
	copy(sector(b, 62), "first sector of the NTFS volume")
	copy(sector(b, 81), "last sector of the NTFS volume")
	return b
}

type entry struct {
	start, len uint64
	kind       Kind
	desc       string
	table      int
	slot       int
}

func entries(vs *VS) []entry {
	var out []entry
	for i, p := range vs.Partitions() {
		if p.Index != i {
			panic("index out of order")
		}
		out = append(out, entry{p.Start, p.Len, p.Kind, p.Desc, p.Table, p.Slot})
	}
	return out
}

func TestDOS(t *testing.T) {
	b := dosDisk()
	vs, err := Open(image(b), 0, Unknown)
	require.NoError(t, err)
	assert.Equal(t, DOS, vs.Type)

	assert.Equal(t, []entry{
		{0, 1, KindMeta, "Primary Table (#0)", 0, -1},
		{1, 9, KindUnalloc, "Unallocated", -1, -1},
		{10, 40, KindVolume, "Linux (0x83)", 0, 0},
		{50, 10, KindUnalloc, "Unallocated", -1, -1},
		{60, 100, KindMeta, "DOS Extended (0x05)", 0, 1},
		{60, 1, KindMeta, "Extended Table (#1)", 1, -1},
		{61, 1, KindUnalloc, "Unallocated", -1, -1},
		{62, 20, KindVolume, "NTFS (0x07)", 1, 0},
		{82, 18, KindUnalloc, "Unallocated", -1, -1},
		{100, 50, KindMeta, "DOS Extended (0x05)", 1, 1},
		{100, 1, KindMeta, "Extended Table (#2)", 2, -1},
		{101, 4, KindUnalloc, "Unallocated", -1, -1},
		{105, 30, KindVolume, "Win95 FAT32 (0x0b)", 2, 0},
		{135, 65, KindUnalloc, "Unallocated", -1, -1},
	}, entries(vs))

	vols := vs.Volumes()
	require.Len(t, vols, 3)
	assert.True(t, vols[0].Bootable)
	assert.Equal(t, byte(0x07), vols[1].SysID)
	assert.Equal(t, uint64(81), vols[1].End())

	img := vs.Image(vols[1])
	assert.Equal(t, int64(20*SectorSize), img.Size())
	buf := make([]byte, 31)
	_, err = img.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "first sector of the NTFS volume", string(buf))
	buf = buf[:30]
	_, err = img.ReadAt(buf, 19*SectorSize)
	require.NoError(t, err)
	assert.Equal(t, "last sector of the NTFS volume", string(buf))
}

func TestDOSLoop(t *testing.T) {
	b := make([]byte, 100*SectorSize)
	putDOSEntry(sector(b, 0), 0, 0, 0x0F, 10, 80)
	putDOSEntry(sector(b, 10), 0, 0, 0x83, 1, 10)
	// the second table links back to the first
	putDOSEntry(sector(b, 10), 1, 0, 0x0F, 20, 10)
	putDOSEntry(sector(b, 30), 0, 0, 0x83, 1, 5)
	putDOSEntry(sector(b, 30), 1, 0, 0x0F, 0, 80)

	vs, err := Open(image(b), 0, DOS)
	require.NoError(t, err)
	assert.Len(t, vs.Volumes(), 2)
}

func TestPartWalk(t *testing.T) {
	vs, err := Open(image(dosDisk()), 0, DOS)
	require.NoError(t, err)
	last := len(vs.Partitions()) - 1

	var descs []string
	err = vs.PartWalk(0, last, KindMeta, func(p *Partition) error {
		descs = append(descs, p.Desc)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Primary Table (#0)", "DOS Extended (0x05)", "Extended Table (#1)", "DOS Extended (0x05)", "Extended Table (#2)"}, descs)

	n := 0
	err = vs.PartWalk(0, last, 0, func(*Partition) error {
		n++
		if n == 3 {
			return fsys.StopWalk
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	boom := errors.New("boom")
	err = vs.PartWalk(0, last, KindVolume, func(*Partition) error { return boom })
	assert.Equal(t, boom, err)

	err = vs.PartWalk(0, last+1, 0, func(*Partition) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrWalkRange))
}

func TestProbeRejects(t *testing.T) {
	t.Run("boot sector", func(t *testing.T) {
		b := make([]byte, 64*SectorSize)
		copy(b[54:], "FAT16   ")
		putDOSEntry(sector(b, 0), 0, 0, 0x06, 1, 10)
		_, err := Open(image(b), 0, Unknown)
		assert.True(t, errors.Is(err, fsys.ErrUnknownType))

		// asked for explicitly, the table is read anyway
		vs, err := Open(image(b), 0, DOS)
		require.NoError(t, err)
		assert.Len(t, vs.Volumes(), 1)
	})
	t.Run("empty", func(t *testing.T) {
		_, err := Open(image(make([]byte, 64*SectorSize)), 0, Unknown)
		assert.True(t, errors.Is(err, fsys.ErrUnknownType))
	})
	t.Run("bad type", func(t *testing.T) {
		_, err := Open(image(dosDisk()), 0, Type(9))
		assert.True(t, errors.Is(err, fsys.ErrArgument))
	})
}

var (
	linuxFS   = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
	basicData = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
	diskGUID  = uuid.MustParse("8E2F4B0C-5A4B-4D7E-9D11-3C0A9B7E6F01")
	rootGUID  = uuid.MustParse("1B4E28BA-2FA1-11D2-883F-0016D3CCA427")
)

func putGUID(b []byte, u uuid.UUID) {
	copy(b, u[:])
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
}

func gptDisk() []byte {
	b := make([]byte, 100*SectorSize)
	putDOSEntry(sector(b, 0), 0, 0, 0xEE, 1, 99)

	ents := sector(b, 2)
	putGUID(ents[0:], linuxFS)
	putGUID(ents[16:], rootGUID)
	binary.LittleEndian.PutUint64(ents[32:], 34)
	binary.LittleEndian.PutUint64(ents[40:], 49)
	for i, r := range "root" {
		binary.LittleEndian.PutUint16(ents[56+2*i:], uint16(r))
	}
	e := ents[2*gptMinEntSize:]
	putGUID(e[0:], basicData)
	binary.LittleEndian.PutUint64(e[32:], 50)
	binary.LittleEndian.PutUint64(e[40:], 89)

	h := sector(b, 1)
	copy(h, gptMagic)
	binary.LittleEndian.PutUint32(h[8:], 0x00010000)
	binary.LittleEndian.PutUint32(h[12:], gptMinHdrSize)
	binary.LittleEndian.PutUint64(h[24:], 1)
	binary.LittleEndian.PutUint64(h[32:], 99)
	binary.LittleEndian.PutUint64(h[40:], 34)
	binary.LittleEndian.PutUint64(h[48:], 94)
	putGUID(h[56:], diskGUID)
	binary.LittleEndian.PutUint64(h[72:], 2)
	binary.LittleEndian.PutUint32(h[80:], 4)
	binary.LittleEndian.PutUint32(h[84:], gptMinEntSize)
	binary.LittleEndian.PutUint32(h[88:], crc32.ChecksumIEEE(ents))
	binary.LittleEndian.PutUint32(h[16:], crc32.ChecksumIEEE(h[:gptMinHdrSize]))

	copy(sector(b, 50), "basic data")
	return b
}

func TestGPT(t *testing.T) {
	b := gptDisk()
	vs, err := Open(image(b), 0, Unknown)
	require.NoError(t, err)
	assert.Equal(t, GPT, vs.Type)
	assert.Equal(t, diskGUID, vs.DiskGUID)

	assert.Equal(t, []entry{
		{0, 1, KindMeta, "Safety Table", -1, -1},
		{1, 1, KindMeta, "GPT Header", -1, -1},
		{2, 1, KindMeta, "Partition Table", -1, -1},
		{3, 31, KindUnalloc, "Unallocated", -1, -1},
		{34, 16, KindVolume, "root", 0, 0},
		{50, 40, KindVolume, "Basic Data", 0, 2},
		{90, 10, KindUnalloc, "Unallocated", -1, -1},
	}, entries(vs))

	vols := vs.Volumes()
	require.Len(t, vols, 2)
	assert.Equal(t, linuxFS, vols[0].TypeGUID)
	assert.Equal(t, rootGUID, vols[0].GUID)
	assert.Equal(t, "root", vols[0].Label)

	buf := make([]byte, 10)
	_, err = vs.Image(vols[1]).ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "basic data", string(buf))

	// the protective MBR reads as a DOS table when asked for one
	dos, err := Open(image(b), 0, DOS)
	require.NoError(t, err)
	require.Len(t, dos.Volumes(), 1)
	assert.Equal(t, "GPT Safety Partition (0xee)", dos.Volumes()[0].Desc)
}

func TestOffset(t *testing.T) {
	inner := dosDisk()
	b := append(make([]byte, 8*SectorSize), inner...)
	vs, err := Open(image(b), 8*SectorSize, Unknown)
	require.NoError(t, err)
	assert.Len(t, vs.Volumes(), 3)

	buf := make([]byte, 31)
	_, err = vs.Image(vs.Volumes()[1]).ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "first sector of the NTFS volume", string(buf))
}

func TestTruncatedVolume(t *testing.T) {
	b := dosDisk()[:120*SectorSize]
	vs, err := Open(image(b), 0, DOS)
	require.NoError(t, err)
	vols := vs.Volumes()
	require.Len(t, vols, 3)
	// 105 + 30 sectors runs past sector 120
	assert.Equal(t, int64(15*SectorSize), vs.Image(vols[2]).Size())
}

func TestFS(t *testing.T) {
	vs, err := Open(image(dosDisk()), 0, DOS)
	require.NoError(t, err)
	pfs := NewFS(vs)
	require.NoError(t, fstest.TestFS(pfs, "p0", "p1", "p2"))

	f, err := pfs.Open("p1")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Len(t, data, 20*SectorSize)
	assert.True(t, bytes.HasPrefix(data, []byte("first sector of the NTFS volume")))

	fi, err := pfs.Stat("p2")
	require.NoError(t, err)
	assert.Equal(t, int64(30*SectorSize), fi.Size())

	_, err = pfs.Open("p3")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
