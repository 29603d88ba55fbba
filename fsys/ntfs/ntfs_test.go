package ntfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	iofs "io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"

	"github.com/lvdlvd/rawhide/fsys"
)

// test image: NTFS 3.1, 512-byte sectors and clusters, 256 clusters,
// 1024-byte MFT records and index records.
//
//	clusters 0-15     $Boot
//	clusters 16-79    $MFT, 32 entries
//	cluster 80        $Bitmap
//	clusters 82-83    INDX record of dir
const (
	tSS       = 512
	tClusts   = 256
	tRecSize  = 1024
	tMFTClust = 16
	tEntries  = 32
	tBmpClust = 80
	tSerial   = 0x0123456789ABCDEF
)

// entries of the test image
const (
	inoFile   = 16 // resident "hello, world\n" and stream "ads"
	inoDir    = 17 // index in clusters 82-83
	inoSparse = 18 // 84, hole, hole, 85
	inoComp   = 19 // compressed unit in 86-88, then a sparse unit
	inoBig    = 20 // $DATA spread over extension records 23-25
	inoInner  = 21 // dir/inner.txt
	inoGone   = 22 // deleted, named in the slack of dir's index record
	inoExt1   = 23 // VCN 0-1 at 90
	inoExt2   = 24 // VCN 2-3 at 100
	inoExt3   = 25 // VCN 4-5 at 95
	inoBad    = 26 // update sequence mismatch
)

const (
	bigSize    = 6*tSS - 10
	sparseSize = 4*tSS - 100
	compSize   = 16*tSS + 100
)

var tTime = time.Date(2020, 1, 2, 12, 34, 56, 0, time.UTC) // Thu Jan  2 12:34:56 2020

var le = binary.LittleEndian

func ntStamp(t time.Time) uint64 {
	return uint64(t.Unix())*1e7 + epochDiff
}

func utf16le(s string) []byte {
	b, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	if err != nil {
		panic(err)
	}
	return b
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// applyFixup writes the update sequence number 1 over the last two bytes
// of every sector of a record, saving them in the array at usaOff.
func applyFixup(b []byte, usaOff int) {
	le.PutUint16(b[usaOff:], 1)
	for i := 1; i <= len(b)/tSS; i++ {
		pos := i*tSS - 2
		copy(b[usaOff+2*i:], b[pos:pos+2])
		le.PutUint16(b[pos:], 1)
	}
}

type tRun struct {
	lcn int64 // -1 for a sparse run
	n   uint64
}

func runList(runs ...tRun) []byte {
	var out []byte
	var prev int64
	for _, r := range runs {
		var lb, ob []byte
		for v := r.n; v != 0 || len(lb) == 0; v >>= 8 {
			lb = append(lb, byte(v))
		}
		if r.lcn >= 0 {
			d := r.lcn - prev
			prev = r.lcn
			for n := 1; n <= 8; n++ {
				shift := 64 - 8*n
				if d<<shift>>shift == d {
					for i := 0; i < n; i++ {
						ob = append(ob, byte(d>>(8*i)))
					}
					break
				}
			}
		}
		out = append(out, byte(len(lb))|byte(len(ob))<<4)
		out = append(out, lb...)
		out = append(out, ob...)
	}
	return append(out, 0)
}

// record builds one MFT record.
type record struct {
	b   []byte
	off int
}

func newRecord(flags uint16, base uint64) *record {
	r := &record{b: make([]byte, tRecSize), off: 56}
	copy(r.b, "FILE")
	le.PutUint16(r.b[4:], 48)
	le.PutUint16(r.b[6:], tRecSize/tSS+1)
	le.PutUint64(r.b[8:], 4242)
	le.PutUint16(r.b[16:], 1)
	le.PutUint16(r.b[18:], 1)
	le.PutUint16(r.b[20:], 56)
	le.PutUint16(r.b[22:], flags)
	le.PutUint32(r.b[28:], tRecSize)
	if base != 0 {
		le.PutUint64(r.b[32:], base|1<<48)
	}
	return r
}

// resident adds a resident attribute and returns the offset of its value
// in the record.
func (r *record) resident(typ uint32, id uint16, name string, value []byte) int {
	nb := utf16le(name)
	voff := align8(24 + len(nb))
	length := align8(voff + len(value))
	a := r.b[r.off : r.off+length]
	le.PutUint32(a[0:], typ)
	le.PutUint32(a[4:], uint32(length))
	a[9] = byte(len(nb) / 2)
	le.PutUint16(a[10:], 24)
	le.PutUint16(a[14:], id)
	le.PutUint32(a[16:], uint32(len(value)))
	le.PutUint16(a[20:], uint16(voff))
	copy(a[24:], nb)
	copy(a[voff:], value)
	at := r.off + voff
	r.off += length
	return at
}

func (r *record) nonResident(typ uint32, id uint16, name string, flags, compU uint16, startVC, lastVC uint64, alloc, size int64, runs []byte) {
	nb := utf16le(name)
	roff := align8(64 + len(nb))
	length := align8(roff + len(runs))
	a := r.b[r.off : r.off+length]
	le.PutUint32(a[0:], typ)
	le.PutUint32(a[4:], uint32(length))
	a[8] = 1
	a[9] = byte(len(nb) / 2)
	le.PutUint16(a[10:], 64)
	le.PutUint16(a[12:], flags)
	le.PutUint16(a[14:], id)
	le.PutUint64(a[16:], startVC)
	le.PutUint64(a[24:], lastVC)
	le.PutUint16(a[32:], uint16(roff))
	le.PutUint16(a[34:], compU)
	le.PutUint64(a[40:], uint64(alloc))
	le.PutUint64(a[48:], uint64(size))
	le.PutUint64(a[56:], uint64(size))
	copy(a[64:], nb)
	copy(a[roff:], runs)
	r.off += length
}

func stdInfo(dos uint32) []byte {
	v := make([]byte, 72)
	ts := ntStamp(tTime)
	for i := 0; i < 32; i += 8 {
		le.PutUint64(v[i:], ts)
	}
	le.PutUint32(v[32:], dos)
	le.PutUint32(v[48:], 7)
	le.PutUint32(v[52:], 256)
	return v
}

func fileNameValue(parent uint64, name string, nspace uint8, dir bool, size uint64) []byte {
	nb := utf16le(name)
	v := make([]byte, fileNameHeader+len(nb))
	le.PutUint64(v[0:], parent|1<<48)
	ts := ntStamp(tTime)
	for i := 8; i < 40; i += 8 {
		le.PutUint64(v[i:], ts)
	}
	le.PutUint64(v[40:], (size+tSS-1)/tSS*tSS)
	le.PutUint64(v[48:], size)
	if dir {
		le.PutUint32(v[56:], fileNameFlagDir)
	}
	v[64] = byte(len(nb) / 2)
	v[65] = nspace
	copy(v[fileNameHeader:], nb)
	return v
}

func indexEntry(ref uint64, fn []byte) []byte {
	length := align8(idxEntryHeader + len(fn))
	e := make([]byte, length)
	le.PutUint64(e[0:], ref|1<<48)
	le.PutUint16(e[8:], uint16(length))
	le.PutUint16(e[10:], uint16(len(fn)))
	copy(e[idxEntryHeader:], fn)
	return e
}

func lastEntry() []byte {
	e := make([]byte, idxEntryHeader)
	le.PutUint16(e[8:], idxEntryHeader)
	le.PutUint32(e[12:], idxFlagLast)
	return e
}

func indexRoot(entries ...[]byte) []byte {
	body := bytes.Join(append(entries, lastEntry()), nil)
	v := make([]byte, idxRootHeader+nodeHeaderLen+len(body))
	le.PutUint32(v[0:], attrFileName)
	le.PutUint32(v[4:], 1)
	le.PutUint32(v[8:], tRecSize)
	v[12] = tRecSize / tSS
	node := v[idxRootHeader:]
	le.PutUint32(node[0:], nodeHeaderLen)
	le.PutUint32(node[4:], uint32(nodeHeaderLen+len(body)))
	le.PutUint32(node[8:], uint32(nodeHeaderLen+len(body)))
	copy(node[nodeHeaderLen:], body)
	return v
}

// indexRecord builds an INDX record with entries in use and entries left
// in the slack after them.
func indexRecord(used, slack [][]byte) []byte {
	r := make([]byte, tRecSize)
	copy(r, indxMagic)
	le.PutUint16(r[4:], 40)
	le.PutUint16(r[6:], tRecSize/tSS+1)
	node := r[indxNodeOff:]
	off := 40
	le.PutUint32(node[0:], uint32(off))
	for _, e := range append(used, lastEntry()) {
		off += copy(node[off:], e)
	}
	le.PutUint32(node[4:], uint32(off))
	le.PutUint32(node[8:], uint32(len(node)))
	for _, e := range slack {
		off += copy(node[off:], e)
	}
	applyFixup(r, 40)
	return r
}

func attrListEntry(typ uint32, startVCN, ref uint64, id uint16) []byte {
	e := make([]byte, 32)
	le.PutUint32(e[0:], typ)
	le.PutUint16(e[4:], 32)
	e[7] = 26
	le.PutUint64(e[8:], startVCN)
	le.PutUint64(e[16:], ref|1<<48)
	le.PutUint16(e[24:], id)
	return e
}

func attrDefRecord(name string, typ, flags uint32, minSize, maxSize int64) []byte {
	r := make([]byte, attrDefSize)
	copy(r, utf16le(name))
	le.PutUint32(r[0x80:], typ)
	le.PutUint32(r[0x8C:], flags)
	le.PutUint64(r[0x90:], uint64(minSize))
	le.PutUint64(r[0x98:], uint64(maxSize))
	return r
}

type ntfsImage struct {
	b          []byte
	volInfoOff int // offset of the $VOLUME_INFORMATION value
}

func (im *ntfsImage) cluster(n int) []byte {
	return im.b[n*tSS : (n+1)*tSS]
}

func (im *ntfsImage) alloc(start, n int) {
	for c := start; c < start+n; c++ {
		im.b[tBmpClust*tSS+c/8] |= 1 << (c % 8)
	}
}

func entryOff(num int) int {
	return tMFTClust*tSS + num*tRecSize
}

// put finishes record r and stores it as entry num.
func (im *ntfsImage) put(num int, r *record) int {
	le.PutUint32(r.b[r.off:], attrEnd)
	le.PutUint32(r.b[24:], uint32(r.off+8))
	applyFixup(r.b, 48)
	copy(im.b[entryOff(num):], r.b)
	return entryOff(num)
}

func compContent() []byte {
	return []byte(strings.Repeat("The quick brown fox jumps over the lazy dog. ", 200))[:16*tSS]
}

// buildImage writes the test image. order lists the extension records of
// inoBig in the order its attribute list names them.
func buildImage(t *testing.T, order ...int) *ntfsImage {
	t.Helper()
	if len(order) == 0 {
		order = []int{inoExt1, inoExt2, inoExt3}
	}
	im := &ntfsImage{b: make([]byte, tClusts*tSS)}
	boot := im.b[:tSS]
	copy(boot[3:], ntfsMagic)
	le.PutUint16(boot[0x0B:], tSS)
	boot[0x0D] = 1
	le.PutUint64(boot[0x28:], tClusts)
	le.PutUint64(boot[0x30:], tMFTClust)
	le.PutUint64(boot[0x38:], 2)
	boot[0x40] = 0xF6 // 2^10
	boot[0x44] = 0xF6
	le.PutUint64(boot[0x48:], tSerial)
	le.PutUint16(boot[510:], bootMagic)

	im.alloc(0, 16)
	im.alloc(tMFTClust, tEntries*tRecSize/tSS)
	im.alloc(tBmpClust, 1)

	inUse := uint16(mftFlagInUse)
	dir := uint16(mftFlagInUse | mftFlagDir)

	r := newRecord(inUse, 0)
	r.nonResident(attrData, 1, "", 0, 0, 0, tEntries*tRecSize/tSS-1, tEntries*tRecSize, tEntries*tRecSize,
		runList(tRun{tMFTClust, tEntries * tRecSize / tSS}))
	im.put(mftMFT, r)

	im.put(mftMFTMirr, newRecord(inUse, 0))
	im.put(mftLogFile, newRecord(inUse, 0))

	r = newRecord(inUse, 0)
	r.resident(attrVolumeName, 1, "", utf16le("TESTVOL"))
	vi := make([]byte, 12)
	vi[8], vi[9] = 3, 1
	at := r.resident(attrVolumeInfo, 2, "", vi)
	im.volInfoOff = im.put(mftVolume, r) + at

	r = newRecord(inUse, 0)
	defs := bytes.Join([][]byte{
		attrDefRecord("$STANDARD_INFORMATION", attrStandardInfo, adefResident, 48, 72),
		attrDefRecord("$FILE_NAME", attrFileName, adefResident|adefIndexed, 68, 578),
		attrDefRecord("$DATA", attrData, 0, 0, 65536),
		make([]byte, attrDefSize),
	}, nil)
	r.resident(attrData, 1, "", defs)
	im.put(mftAttrDef, r)

	r = newRecord(dir, 0)
	r.resident(attrStandardInfo, 0, "", stdInfo(0x07))
	r.resident(attrFileName, 1, "", fileNameValue(mftRoot, ".", fileNameWin32, true, 0))
	r.resident(attrIndexRoot, 2, indexName, indexRoot(
		indexEntry(mftRoot, fileNameValue(mftRoot, ".", fileNameWin32, true, 0)),
		indexEntry(inoFile, fileNameValue(mftRoot, "file.txt", fileNameWin32, false, 13)),
		indexEntry(inoFile, fileNameValue(mftRoot, "FILE~1.TXT", fileNameDOS, false, 13)),
		indexEntry(inoDir, fileNameValue(mftRoot, "dir", fileNameWin32, true, 0)),
		indexEntry(inoSparse, fileNameValue(mftRoot, "sparse", fileNameWin32, false, sparseSize)),
		indexEntry(inoComp, fileNameValue(mftRoot, "comp", fileNameWin32, false, compSize)),
		indexEntry(inoBig, fileNameValue(mftRoot, "big", fileNameWin32, false, bigSize)),
	))
	im.put(mftRoot, r)

	r = newRecord(inUse, 0)
	r.nonResident(attrData, 1, "", 0, 0, 0, 0, tSS, tClusts/8, runList(tRun{tBmpClust, 1}))
	im.put(mftBitmap, r)

	r = newRecord(inUse, 0)
	r.nonResident(attrData, 1, "", 0, 0, 0, 15, bootSize, bootSize, runList(tRun{0, 16}))
	im.put(mftBoot, r)

	r = newRecord(inUse, 0)
	r.nonResident(attrData, 1, "$Bad", 0, 0, 0, tClusts-1, tClusts*tSS, tClusts*tSS, runList(tRun{-1, tClusts}))
	im.put(mftBadClus, r)

	for n := mftSecure; n <= lastDefaultIno; n++ {
		im.put(n, newRecord(inUse, 0))
	}

	r = newRecord(inUse, 0)
	r.resident(attrStandardInfo, 0, "", stdInfo(0x20))
	r.resident(attrFileName, 2, "", fileNameValue(mftRoot, "file.txt", fileNameWin32, false, 13))
	r.resident(attrFileName, 5, "", fileNameValue(mftRoot, "FILE~1.TXT", fileNameDOS, false, 13))
	r.resident(attrObjectID, 6, "", []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15})
	r.resident(attrData, 3, "", []byte("hello, world\n"))
	r.resident(attrData, 4, "ads", []byte("secret"))
	im.put(inoFile, r)

	r = newRecord(dir, 0)
	r.resident(attrStandardInfo, 0, "", stdInfo(0))
	r.resident(attrFileName, 1, "", fileNameValue(mftRoot, "dir", fileNameWin32, true, 0))
	r.resident(attrIndexRoot, 2, indexName, indexRoot())
	r.nonResident(attrIndexAllocation, 3, indexName, 0, 0, 0, 1, tRecSize, tRecSize, runList(tRun{82, 2}))
	r.resident(attrBitmap, 4, indexName, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	im.put(inoDir, r)
	copy(im.b[82*tSS:], indexRecord(
		[][]byte{indexEntry(inoInner, fileNameValue(inoDir, "inner.txt", fileNameWin32, false, 6))},
		[][]byte{indexEntry(inoGone, fileNameValue(inoDir, "gone.txt", fileNameWin32, false, 5))},
	))
	im.alloc(82, 2)

	r = newRecord(inUse, 0)
	r.resident(attrStandardInfo, 0, "", stdInfo(0))
	r.resident(attrFileName, 1, "", fileNameValue(mftRoot, "sparse", fileNameWin32, false, sparseSize))
	r.nonResident(attrData, 2, "", attrFlagSparse, 0, 0, 3, 4*tSS, sparseSize,
		runList(tRun{84, 1}, tRun{-1, 2}, tRun{85, 1}))
	im.put(inoSparse, r)
	copy(im.cluster(84), bytes.Repeat([]byte{'x'}, tSS))
	copy(im.cluster(85), bytes.Repeat([]byte{'y'}, tSS))
	im.alloc(84, 2)

	stream := lzCompress(compContent())
	require.LessOrEqual(t, len(stream), 3*tSS)
	copy(im.b[86*tSS:], stream)
	r = newRecord(inUse, 0)
	r.resident(attrStandardInfo, 0, "", stdInfo(0x800))
	r.resident(attrFileName, 1, "", fileNameValue(mftRoot, "comp", fileNameWin32, false, compSize))
	r.nonResident(attrData, 2, "", attrFlagComp, 4, 0, 31, 32*tSS, compSize,
		runList(tRun{86, 3}, tRun{-1, 13}, tRun{-1, 16}))
	im.put(inoComp, r)
	im.alloc(86, 3)

	frags := map[int]struct {
		vcn uint64
		lcn int64
	}{inoExt1: {0, 90}, inoExt2: {2, 100}, inoExt3: {4, 95}}
	var list [][]byte
	list = append(list, attrListEntry(attrStandardInfo, 0, inoBig, 0))
	list = append(list, attrListEntry(attrFileName, 0, inoBig, 1))
	for _, ext := range order {
		list = append(list, attrListEntry(attrData, frags[ext].vcn, uint64(ext), 2))
	}
	r = newRecord(inUse, 0)
	r.resident(attrStandardInfo, 0, "", stdInfo(0))
	r.resident(attrAttributeList, 3, "", bytes.Join(list, nil))
	r.resident(attrFileName, 1, "", fileNameValue(mftRoot, "big", fileNameWin32, false, bigSize))
	im.put(inoBig, r)
	for ext, fr := range frags {
		r = newRecord(inUse, inoBig)
		var alloc, size int64
		if fr.vcn == 0 {
			alloc, size = 6*tSS, bigSize
		}
		r.nonResident(attrData, 2, "", 0, 0, fr.vcn, fr.vcn+1, alloc, size, runList(tRun{fr.lcn, 2}))
		im.put(ext, r)
		for i := 0; i < 2; i++ {
			copy(im.cluster(int(fr.lcn)+i), bytes.Repeat([]byte{byte('A' + int(fr.vcn) + i)}, tSS))
		}
		im.alloc(int(fr.lcn), 2)
	}

	r = newRecord(inUse, 0)
	r.resident(attrStandardInfo, 0, "", stdInfo(0))
	r.resident(attrFileName, 1, "", fileNameValue(inoDir, "inner.txt", fileNameWin32, false, 6))
	r.resident(attrData, 2, "", []byte("inner\n"))
	im.put(inoInner, r)

	r = newRecord(0, 0)
	r.resident(attrStandardInfo, 0, "", stdInfo(0))
	r.resident(attrFileName, 1, "", fileNameValue(inoDir, "gone.txt", fileNameWin32, false, 5))
	r.resident(attrData, 2, "", []byte("gone\n"))
	im.put(inoGone, r)

	r = newRecord(inUse, 0)
	r.resident(attrStandardInfo, 0, "", stdInfo(0))
	im.put(inoBad, r)
	im.b[entryOff(inoBad)+tSS-2] ^= 0xff

	return im
}

func (im *ntfsImage) open() (*FS, error) {
	return Open(fsys.NewImage(bytes.NewReader(im.b), int64(len(im.b))), 0, fsys.Unknown)
}

func testImage(t *testing.T, order ...int) *FS {
	t.Helper()
	f, err := buildImage(t, order...).open()
	require.NoError(t, err)
	require.NotNil(t, f)
	return f
}

func TestOpen(t *testing.T) {
	f := testImage(t)
	assert.Equal(t, fsys.NTFS, f.Type)
	assert.Equal(t, uint32(tSS), f.BlockSize)
	assert.Equal(t, uint64(tClusts-1), f.LastBlock)
	assert.Equal(t, uint64(tClusts-1), f.LastBlockAct)
	assert.Equal(t, uint64(0), f.FirstInum)
	assert.Equal(t, uint64(tEntries-1), f.LastInum)
	assert.Equal(t, uint64(tEntries), f.InumCount)
	assert.Equal(t, uint64(mftRoot), f.RootInum)
	assert.Equal(t, "Cluster", f.DUName)
	assert.NotZero(t, f.Flags&fsys.HaveSeq)
	assert.Equal(t, verXP, f.ver)
	assert.Equal(t, uint32(tRecSize), f.mftRSize)
	assert.Equal(t, uint32(tRecSize), f.idxRSize)
	require.Len(t, f.mftData.Runs, 1)
	assert.Equal(t, fsys.Run{Addr: tMFTClust, Len: 64}, f.mftData.Runs[0])

	t.Run("not ntfs", func(t *testing.T) {
		f, err := (&ntfsImage{b: make([]byte, 8192)}).open()
		assert.NoError(t, err)
		assert.Nil(t, f)
	})
	t.Run("wrong type", func(t *testing.T) {
		im := buildImage(t)
		_, err := Open(fsys.NewImage(bytes.NewReader(im.b), int64(len(im.b))), 0, fsys.FAT12)
		assert.True(t, errors.Is(err, fsys.ErrArgument))
	})
	t.Run("bad cluster size", func(t *testing.T) {
		im := buildImage(t)
		im.b[0x0D] = 3
		f, err := im.open()
		assert.NoError(t, err)
		assert.Nil(t, f)
	})
	t.Run("unknown version", func(t *testing.T) {
		im := buildImage(t)
		im.b[im.volInfoOff+9] = 7
		_, err := im.open()
		assert.True(t, errors.Is(err, fsys.ErrUnsupported))
	})
	t.Run("truncated", func(t *testing.T) {
		im := buildImage(t)
		im.b = im.b[:200*tSS]
		f, err := im.open()
		require.NoError(t, err)
		assert.Equal(t, uint64(199), f.LastBlockAct)
		_, err = f.ReadBlock(make([]byte, tSS), 220)
		assert.True(t, errors.Is(err, fsys.ErrMissingInPartialImage))
	})
}

func TestRecordSize(t *testing.T) {
	for _, tc := range []struct {
		b    byte
		cs   uint32
		want uint32
	}{
		{0xF6, 4096, 1024},
		{2, 512, 1024},
		{0xF0, 512, 1 << 16},
		{0xF7, 4096, 512},
	} {
		got, err := recordSize(tc.b, tc.cs)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%#x", tc.b)
	}
	for _, b := range []byte{0xFF, 0xEF, 0x7F} {
		_, err := recordSize(b, 4096)
		assert.Error(t, err, "%#x", b)
	}
}

func TestFixup(t *testing.T) {
	rec := make([]byte, tRecSize)
	rec[tSS-2], rec[tSS-1] = 'a', 'b'
	rec[2*tSS-2], rec[2*tSS-1] = 'c', 'd'
	applyFixup(rec, 48)
	assert.Equal(t, []byte{1, 0}, rec[tSS-2:tSS])

	good := append([]byte(nil), rec...)
	require.NoError(t, fixup(good, 48, 3, tSS, "test"))
	assert.Equal(t, "ab", string(good[tSS-2:tSS]))
	assert.Equal(t, "cd", string(good[2*tSS-2:2*tSS]))

	bad := append([]byte(nil), rec...)
	bad[2*tSS-1] = 9
	assert.True(t, errors.Is(fixup(bad, 48, 3, tSS, "test"), fsys.ErrCorrupt))
	assert.True(t, errors.Is(fixup(append([]byte(nil), rec...), 48, 4, tSS, "test"), fsys.ErrCorrupt))
	assert.True(t, errors.Is(fixup(append([]byte(nil), rec...), 1020, 3, tSS, "test"), fsys.ErrCorrupt))
	assert.NoError(t, fixup(append([]byte(nil), rec...), 48, 0, tSS, "test"))
}

func TestNTTime(t *testing.T) {
	assert.True(t, ntTime(0).IsZero())
	assert.True(t, ntTime(epochDiff).IsZero())
	assert.Equal(t, tTime, ntTime(ntStamp(tTime)))
	assert.Equal(t, 100*time.Nanosecond, ntTime(ntStamp(tTime)+1).Sub(tTime))
}

func TestRunList(t *testing.T) {
	f := testImage(t)

	assert.Equal(t, int64(-1), runDelta([]byte{0xff}))
	assert.Equal(t, int64(-32768), runDelta([]byte{0x00, 0x80}))
	assert.Equal(t, int64(127), runDelta([]byte{0x7f}))
	assert.Equal(t, int64(0x8000), runDelta([]byte{0x00, 0x80, 0x00}))
	assert.Equal(t, int64(0), runDelta(nil))
	assert.Equal(t, uint64(0x0201), runLength([]byte{0x01, 0x02}))
	l, o := runFieldSizes(0x21)
	assert.Equal(t, 1, l)
	assert.Equal(t, 2, o)

	runs, err := f.decodeRuns(inoFile, 0, runList(tRun{40, 2}, tRun{-1, 3}, tRun{30, 1}))
	require.NoError(t, err)
	assert.Equal(t, []fsys.Run{
		{Offset: 0, Addr: 40, Len: 2},
		{Offset: 2, Len: 3, Flags: fsys.RunSparse},
		{Offset: 5, Addr: 30, Len: 1},
	}, runs)

	runs, err = f.decodeRuns(inoFile, 10, []byte{0x11, 0x04, 0xff, 0})
	require.NoError(t, err)
	assert.Equal(t, []fsys.Run{{Offset: 10, Len: 4, Flags: fsys.RunSparse}}, runs)

	// -1 after a real run is a delta, except on NT 1.2
	b := []byte{0x11, 0x02, 0x10, 0x11, 0x01, 0xff, 0}
	runs, err = f.decodeRuns(inoFile, 0, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), runs[1].Addr)
	f.ver = verNT
	runs, err = f.decodeRuns(inoFile, 0, b)
	require.NoError(t, err)
	assert.Equal(t, fsys.RunSparse, runs[1].Flags)
	f.ver = verXP

	runs, err = f.decodeRuns(mftBoot, 0, []byte{0x11, 0x10, 0x00, 0})
	require.NoError(t, err)
	assert.Equal(t, []fsys.Run{{Addr: 0, Len: 16}}, runs)
	runs, err = f.decodeRuns(inoFile, 0, []byte{0x11, 0x10, 0x00, 0})
	require.NoError(t, err)
	assert.Equal(t, fsys.RunSparse, runs[0].Flags)

	runs, err = f.decodeRuns(mftBadClus, 0, runList(tRun{-1, tClusts}))
	require.NoError(t, err)
	assert.Nil(t, runs)

	for name, b := range map[string][]byte{
		"length too large": {0x12, 0x00, 0x10, 0x05, 0},
		"past the end":     {0x21, 0x10, 0xfa, 0x00, 0},
		"bad header":       {0x09, 0},
		"truncated":        {0x31, 0x01},
		"negative":         {0x11, 0x01, 0x80, 0},
	} {
		_, err := f.decodeRuns(inoFile, 0, b)
		assert.True(t, errors.Is(err, fsys.ErrCorrupt), name)
	}
}

func TestBlockWalk(t *testing.T) {
	f := testImage(t)
	seen := map[uint64]fsys.BlockFlag{}
	err := f.BlockWalk(0, tClusts-1, 0, func(addr uint64, buf []byte, flags fsys.BlockFlag) error {
		assert.Len(t, buf, tSS)
		seen[addr] = flags
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, tClusts)
	assert.Equal(t, fsys.BlockAlloc|fsys.BlockMeta, seen[0])
	assert.Equal(t, fsys.BlockAlloc|fsys.BlockMeta, seen[15])
	assert.Equal(t, fsys.BlockAlloc|fsys.BlockMeta, seen[tMFTClust])
	assert.Equal(t, fsys.BlockAlloc|fsys.BlockMeta, seen[79])
	assert.Equal(t, fsys.BlockAlloc|fsys.BlockCont, seen[tBmpClust])
	assert.Equal(t, fsys.BlockUnalloc|fsys.BlockCont, seen[81])
	assert.Equal(t, fsys.BlockAlloc|fsys.BlockCont, seen[84])
	assert.Equal(t, fsys.BlockUnalloc|fsys.BlockCont, seen[200])

	var unalloc []uint64
	err = f.BlockWalk(80, 89, fsys.BlockUnalloc, func(addr uint64, _ []byte, _ fsys.BlockFlag) error {
		unalloc = append(unalloc, addr)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{81, 89}, unalloc)

	n := 0
	err = f.BlockWalk(0, tClusts-1, fsys.BlockMeta, func(uint64, []byte, fsys.BlockFlag) error {
		if n++; n == 3 {
			return fsys.StopWalk
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	err = f.BlockWalk(0, tClusts, 0, func(uint64, []byte, fsys.BlockFlag) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrWalkRange))

	_, err = f.isClustAlloc(tClusts)
	assert.True(t, errors.Is(err, fsys.ErrAddressTooLarge))
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
	var alloc []uint64
	for i := uint64(0); i <= inoInner; i++ {
		alloc = append(alloc, i)
	}
	assert.Equal(t, alloc, inodes(t, f, fsys.InodeAlloc))
	assert.Equal(t, []uint64{inoGone, 27, 28, 29, 30, 31}, inodes(t, f, fsys.InodeUnalloc))
	assert.Equal(t, []uint64{inoGone}, inodes(t, f, fsys.InodeUnalloc|fsys.InodeUsed))
	assert.Equal(t, []uint64{27, 28, 29, 30, 31}, inodes(t, f, fsys.InodeOrphan))

	err := f.InodeWalk(0, tEntries, 0, func(*fsys.Inode) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrWalkRange))
}

func TestInodeLookup(t *testing.T) {
	f := testImage(t)

	in, err := f.InodeLookup(inoFile)
	require.NoError(t, err)
	assert.Equal(t, uint64(inoFile), in.Addr)
	assert.True(t, in.IsAlloc())
	assert.NotZero(t, in.Flags&fsys.InodeUsed)
	assert.Equal(t, fsys.ModeReg|0o777, in.Mode)
	assert.Equal(t, int64(13), in.Size)
	assert.Equal(t, uint32(1), in.Seq)
	assert.Equal(t, 1, in.Nlink)
	assert.Equal(t, uint32(7), in.UID)
	assert.Equal(t, tTime, in.Crtime)
	assert.Equal(t, tTime, in.Mtime)
	// the DOS name is not kept
	assert.Equal(t, []fsys.Name{{Name: "file.txt", ParInode: mftRoot, ParSeq: 1}}, in.Names)

	in, err = f.InodeLookup(mftRoot)
	require.NoError(t, err)
	assert.True(t, in.Mode.IsDir())
	// read-only
	assert.Equal(t, fsys.ModeDir|0o555, in.Mode)

	in, err = f.InodeLookup(inoComp)
	require.NoError(t, err)
	assert.NotZero(t, in.Flags&fsys.InodeComp)
	assert.Equal(t, int64(compSize), in.Size)

	in, err = f.InodeLookup(inoGone)
	require.NoError(t, err)
	assert.False(t, in.IsAlloc())

	in, err = f.InodeLookup(mftBadClus)
	require.NoError(t, err)
	d := namedAttr(in.Attrs, attrData, "$Bad")
	require.NotNil(t, d)
	assert.Empty(t, d.Runs)

	_, err = f.InodeLookup(inoBad)
	assert.True(t, errors.Is(err, fsys.ErrCorrupt))
	_, err = f.InodeLookup(tEntries)
	assert.True(t, errors.Is(err, fsys.ErrArgument))
}

func TestAttrList(t *testing.T) {
	want := make([]byte, 0, bigSize)
	for c := 0; c < 6; c++ {
		want = append(want, bytes.Repeat([]byte{byte('A' + c)}, tSS)...)
	}
	want = want[:bigSize]

	for _, order := range [][]int{
		{inoExt1, inoExt2, inoExt3},
		{inoExt3, inoExt2, inoExt1},
		{inoExt2, inoExt3, inoExt1},
	} {
		f := testImage(t, order...)
		in, err := f.InodeLookup(inoBig)
		require.NoError(t, err, "order %v", order)
		assert.Equal(t, int64(bigSize), in.Size, "order %v", order)

		d := in.Attrs.LookupNoID(attrData)
		require.NotNil(t, d)
		assert.False(t, d.HasFiller(), "order %v", order)
		assert.Equal(t, int64(6*tSS), d.AllocSize, "order %v", order)

		var got []uint64
		err = f.FileWalk(in, 0, 0, fsys.FileAOnly, func(addr uint64, _ []byte, _ fsys.BlockFlag) error {
			got = append(got, addr)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []uint64{90, 91, 100, 101, 95, 96}, got, "order %v", order)

		data, err := fsys.LoadFile(f, in, 0, 0, fsys.FileNoID)
		require.NoError(t, err)
		assert.Equal(t, want, data, "order %v", order)
	}

	t.Run("foreign extension", func(t *testing.T) {
		im := buildImage(t)
		le.PutUint16(im.b[entryOff(inoExt2)+32:], inoComp)
		f, err := im.open()
		require.NoError(t, err)
		_, err = f.InodeLookup(inoBig)
		assert.True(t, errors.Is(err, fsys.ErrCorrupt))
	})
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
	err = f.FileWalk(in, 0, 0, flags|fsys.FileAOnly|fsys.FileNoID, func(addr uint64, _ []byte, fl fsys.BlockFlag) error {
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

	assert.Equal(t, []blockRef{{0, fsys.BlockCont | fsys.BlockAlloc | fsys.BlockRes}}, addrs(t, f, inoFile, 0))
	assert.Equal(t, []blockRef{{84, cont}, {0, hole}, {0, hole}, {85, cont}}, addrs(t, f, inoSparse, 0))
	assert.Equal(t, []blockRef{{84, cont}, {85, cont}}, addrs(t, f, inoSparse, fsys.FileNoSparse))

	t.Run("resident", func(t *testing.T) {
		in, err := f.InodeLookup(inoFile)
		require.NoError(t, err)
		data, err := fsys.LoadFile(f, in, 0, 0, fsys.FileNoID)
		require.NoError(t, err)
		assert.Equal(t, "hello, world\n", string(data))

		ok, err := f.NeedsDataWalk(in, 0, 0, fsys.FileNoID)
		require.NoError(t, err)
		assert.True(t, ok)
		buf := make([]byte, 5)
		n, err := fsys.ReadFile(f, in, 0, 0, 7, buf, fsys.FileNoID)
		require.NoError(t, err)
		assert.Equal(t, "world", string(buf[:n]))

		var ads []byte
		err = f.FileWalk(in, attrData, 4, 0, func(_ uint64, b []byte, _ fsys.BlockFlag) error {
			ads = append(ads, b...)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "secret", string(ads))

		err = f.FileWalk(in, attrData, 99, 0, func(uint64, []byte, fsys.BlockFlag) error { return nil })
		assert.True(t, errors.Is(err, fsys.ErrArgument))
	})

	t.Run("sparse", func(t *testing.T) {
		in, err := f.InodeLookup(inoSparse)
		require.NoError(t, err)
		data, err := fsys.LoadFile(f, in, 0, 0, fsys.FileNoID)
		require.NoError(t, err)
		want := bytes.Repeat([]byte{'x'}, tSS)
		want = append(want, make([]byte, 2*tSS)...)
		want = append(want, bytes.Repeat([]byte{'y'}, tSS-100)...)
		assert.Equal(t, want, data)

		var lens []int
		err = f.FileWalk(in, 0, 0, fsys.FileSlack|fsys.FileNoID, func(_ uint64, b []byte, _ fsys.BlockFlag) error {
			lens = append(lens, len(b))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{tSS, tSS, tSS, tSS}, lens)

		ok, err := f.NeedsDataWalk(in, 0, 0, fsys.FileNoID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("compressed", func(t *testing.T) {
		comp := cont | fsys.BlockComp
		zero := fsys.BlockCont | fsys.BlockAlloc | fsys.BlockSparse | fsys.BlockComp
		want := []blockRef{{86, comp}, {87, comp}, {88, comp}}
		for i := 0; i < 14; i++ {
			want = append(want, blockRef{0, zero})
		}
		assert.Equal(t, want, addrs(t, f, inoComp, 0))
		assert.Equal(t, want[:3], addrs(t, f, inoComp, fsys.FileNoSparse))

		in, err := f.InodeLookup(inoComp)
		require.NoError(t, err)
		data, err := fsys.LoadFile(f, in, 0, 0, fsys.FileNoID)
		require.NoError(t, err)
		assert.Equal(t, append(compContent(), make([]byte, 100)...), data)

		ok, err := f.NeedsDataWalk(in, 0, 0, fsys.FileNoID)
		require.NoError(t, err)
		assert.True(t, ok)
		buf := make([]byte, 45)
		n, err := fsys.ReadFile(f, in, 0, 0, 45*100, buf, fsys.FileNoID)
		require.NoError(t, err)
		assert.Equal(t, "The quick brown fox jumps over the lazy dog. ", string(buf[:n]))
	})

	t.Run("deleted", func(t *testing.T) {
		in, err := f.InodeLookup(inoGone)
		require.NoError(t, err)
		data, err := fsys.LoadFile(f, in, 0, 0, fsys.FileRecover|fsys.FileNoID)
		require.NoError(t, err)
		assert.Equal(t, "gone\n", string(data))
	})

	t.Run("no attributes", func(t *testing.T) {
		in, err := f.InodeLookup(30)
		require.NoError(t, err)
		err = f.FileWalk(in, 0, 0, 0, func(uint64, []byte, fsys.BlockFlag) error { return nil })
		assert.True(t, errors.Is(err, fsys.ErrArgument))
		err = f.FileWalk(in, 0, 0, fsys.FileRecover, func(uint64, []byte, fsys.BlockFlag) error { return nil })
		assert.True(t, errors.Is(err, fsys.ErrRecover))
	})

	t.Run("bad address", func(t *testing.T) {
		in, err := f.InodeLookup(inoSparse)
		require.NoError(t, err)
		in.Attrs.LookupNoID(attrData).Runs[2].Addr = 5000
		err = f.FileWalk(in, 0, 0, fsys.FileAOnly|fsys.FileNoID, func(uint64, []byte, fsys.BlockFlag) error { return nil })
		assert.True(t, errors.Is(err, fsys.ErrCorrupt))
		err = f.FileWalk(in, 0, 0, fsys.FileAOnly|fsys.FileNoID|fsys.FileRecover, func(uint64, []byte, fsys.BlockFlag) error { return nil })
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
		{mftRoot, ".", "", a},
		{inoFile, "file.txt", "", a},
		{inoDir, "dir", "", a},
		{inoSparse, "sparse", "", a},
		{inoComp, "comp", "", a},
		{inoBig, "big", "", a},
	}, collect(t, f, f.RootInum, 0))

	assert.Equal(t, []dentInfo{
		{inoDir, ".", "", a},
		{mftRoot, "..", "", a},
		{inoInner, "inner.txt", "", a},
		{inoGone, "gone.txt", "", u},
	}, collect(t, f, inoDir, 0))
	assert.Equal(t, []dentInfo{{inoGone, "gone.txt", "", u}}, collect(t, f, inoDir, fsys.DentUnalloc))

	var types []fsys.DentType
	err := f.DentWalk(f.RootInum, fsys.DentAlloc, func(d *fsys.Dent) error {
		types = append(types, d.Type)
		if d.Name == "big" {
			require.NotNil(t, d.Meta)
			assert.Equal(t, int64(bigSize), d.Meta.Size)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []fsys.DentType{fsys.DentDir, fsys.DentReg, fsys.DentDir, fsys.DentReg, fsys.DentReg, fsys.DentReg}, types)

	err = f.DentWalk(tEntries, 0, func(*fsys.Dent) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrWalkRange))
	err = f.DentWalk(inoFile, 0, func(*fsys.Dent) error { return nil })
	assert.True(t, errors.Is(err, fsys.ErrArgument))
}

func TestDentWalkRecurse(t *testing.T) {
	f := testImage(t)
	var paths []string
	for _, d := range collect(t, f, f.RootInum, fsys.DentRecurse) {
		paths = append(paths, d.path+d.name)
	}
	assert.Equal(t, []string{
		".", "file.txt", "dir",
		"dir/.", "dir/..", "dir/inner.txt", "dir/gone.txt",
		"sparse", "comp", "big",
	}, paths)
	assert.True(t, f.IsNamed(inoGone))

	boom := errors.New("boom")
	err := f.DentWalk(f.RootInum, fsys.DentRecurse, func(d *fsys.Dent) error {
		if d.Name == "inner.txt" {
			return boom
		}
		return nil
	})
	assert.Equal(t, boom, err)

	n := 0
	err = f.DentWalk(f.RootInum, fsys.DentRecurse, func(d *fsys.Dent) error {
		if n++; d.Name == "dir" {
			return fsys.StopWalk
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestLookupPath(t *testing.T) {
	f := testImage(t)
	inum, err := fsys.LookupPath(f, "dir/inner.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(inoInner), inum)

	inum, err = fsys.LookupPath(f, "DIR/Inner.TXT")
	require.NoError(t, err)
	assert.Equal(t, uint64(inoInner), inum)

	inum, err = fsys.LookupPath(f, "file.txt:ads")
	require.NoError(t, err)
	assert.Equal(t, uint64(inoFile), inum)

	_, err = fsys.LookupPath(f, "file.txt:nope")
	assert.True(t, errors.Is(err, iofs.ErrNotExist))

	data, err := iofs.ReadFile(fsys.NewFS(f), "dir/inner.txt")
	require.NoError(t, err)
	assert.Equal(t, "inner\n", string(data))
}

func TestStat(t *testing.T) {
	f := testImage(t)

	var buf bytes.Buffer
	require.NoError(t, f.FsStat(&buf))
	out := buf.String()
	assert.Contains(t, out, "File System Type: NTFS\n")
	assert.Contains(t, out, "Volume Serial Number: 0123456789ABCDEF\n")
	assert.Contains(t, out, "OEM Name: NTFS\n")
	assert.Contains(t, out, "Volume Name: TESTVOL\n")
	assert.Contains(t, out, "Version: Windows XP\n")
	assert.Contains(t, out, "First Cluster of MFT: 16\n")
	assert.Contains(t, out, "Size of MFT Entries: 1024 bytes\n")
	assert.Contains(t, out, "Range: 0 - 31\nRoot Directory: 5\n")
	assert.Contains(t, out, "Total Cluster Range: 0 - 255\n")
	assert.Contains(t, out, "Free Clusters: 162\n")
	assert.Contains(t, out, "$STANDARD_INFORMATION (16-0x10)   Size: 48-72   Flags: Resident\n")
	assert.Contains(t, out, "$FILE_NAME (48-0x30)   Size: 68-578   Flags: Indexed, Resident\n")

	buf.Reset()
	require.NoError(t, f.IStat(&buf, inoFile, 0, 0))
	out = buf.String()
	assert.Contains(t, out, "Entry: 16        Sequence: 1\n$LogFile Sequence Number: 4242\nAllocated File\nLinks: 1\n")
	assert.Contains(t, out, "Flags: Archive\nOwner ID: 7\nSecurity ID: 256\n")
	assert.Contains(t, out, "Created:\tThu Jan  2 12:34:56 2020\n")
	assert.Contains(t, out, "Name: file.txt\nParent MFT Entry: 5 \tSequence: 1\n")
	assert.Contains(t, out, "Object Id: 03020100-0504-0706-0809-0a0b0c0d0e0f\n")
	assert.Contains(t, out, "Type: $STANDARD_INFORMATION (16-0)   Name: N/A   Resident   size: 72\n")
	assert.Contains(t, out, "Type: $DATA (128-3)   Name: $Data   Resident   size: 13\n")
	assert.Contains(t, out, "Type: $DATA (128-4)   Name: ads   Resident   size: 6\n")
	assert.Contains(t, out, "Type: $OBJECT_ID (64-6)")

	buf.Reset()
	require.NoError(t, f.IStat(&buf, inoSparse, 0, 3600))
	out = buf.String()
	assert.Contains(t, out, "Adjusted times:\nCreated:\tThu Jan  2 11:34:56 2020\n")
	assert.Contains(t, out, "Original times:\nCreated:\tThu Jan  2 12:34:56 2020\n")
	assert.Contains(t, out, "Type: $DATA (128-2)   Name: $Data   Non-Resident, Sparse   size: 1948  alloc_size: 2048\n84 0 0 85 \n")

	buf.Reset()
	require.NoError(t, f.IStat(&buf, inoBig, 2, 0))
	out = buf.String()
	assert.Contains(t, out, "Type: $ATTRIBUTE_LIST (32-3)")
	assert.Contains(t, out, "Non-Resident   size: 3062  alloc_size: 3072\n90 91 \n")

	buf.Reset()
	require.NoError(t, f.IStat(&buf, inoExt2, 0, 0))
	assert.Contains(t, buf.String(), "Base File Record: 20\n")

	buf.Reset()
	require.NoError(t, f.IStat(&buf, inoGone, 0, 0))
	assert.Contains(t, buf.String(), "Not Allocated File\n")
}
