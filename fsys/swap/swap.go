// Package swap reads Linux swap space as a sequence of 4096-byte pages.
package swap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
	"github.com/lvdlvd/rawhide/fsys/raw"
)

const (
	pageSize = 4096

	// the header page; the magic fills its last 10 bytes
	magicOff   = pageSize - 10
	infoOff    = 1024
	badOff     = infoOff + 512
	maxBadPage = (pageSize - 10 - badOff) / 4
)

var (
	magicV1 = []byte("SWAP-SPACE")
	magicV2 = []byte("SWAPSPACE2")
)

// header is the version 1 swap header that follows the boot block.
type header struct {
	version  uint32
	lastPage uint32
	nrBad    uint32
	uuid     uuid.UUID
	label    string
	bad      map[uint64]bool
}

// FS is swap space: raw pages, with the header page marked as metadata
// and the pages listed as bad marked as such.
type FS struct {
	*raw.FS

	magic []byte
	hdr   *header
}

// Open reads the swap header of the image at offset. A missing signature
// is logged and the pages are still served.
func Open(img fsys.Image, offset int64, typ fsys.Type) (*FS, error) {
	if typ != fsys.Swap {
		return nil, fsys.Errorf(fsys.ErrArgument, "swap_open", "invalid file system type: %s", typ)
	}
	r, err := raw.New(img, offset, fsys.Swap, pageSize)
	if err != nil {
		return nil, err
	}
	r.DUName = "Page"
	f := &FS{FS: r}

	page := make([]byte, pageSize)
	if _, err := r.ReadRandom(page, 0); err != nil {
		log.Warnf("swap: reading the header page: %v", err)
		return f, nil
	}
	switch sig := page[magicOff:]; {
	case bytes.Equal(sig, magicV2):
		f.magic = magicV2
		f.hdr = parseHeader(page)
	case bytes.Equal(sig, magicV1):
		f.magic = magicV1
	default:
		log.Warnf("swap: no swap signature at offset %d", offset)
		return f, nil
	}
	r.Classify = f.classify

	log.WithFields(log.Fields{
		"signature": string(f.magic),
		"pages":     r.BlockCount,
	}).Debug("swap: opened swap space")
	return f, nil
}

// parseHeader decodes the header written by mkswap. The fields are in
// the byte order of the machine that wrote them; a version other than 1
// is tried in big endian.
func parseHeader(page []byte) *header {
	b := page[infoOff:]
	var order binary.ByteOrder = binary.LittleEndian
	if order.Uint32(b) != 1 && binary.BigEndian.Uint32(b) == 1 {
		order = binary.BigEndian
	}
	h := &header{
		version:  order.Uint32(b[0:]),
		lastPage: order.Uint32(b[4:]),
		nrBad:    order.Uint32(b[8:]),
		bad:      make(map[uint64]bool),
	}
	copy(h.uuid[:], b[12:28])
	h.label = string(bytes.TrimRight(b[28:44], "\x00"))

	n := min(h.nrBad, maxBadPage)
	for i := uint32(0); i < n; i++ {
		h.bad[uint64(order.Uint32(page[badOff+4*i:]))] = true
	}
	return h
}

func (f *FS) classify(addr uint64) fsys.BlockFlag {
	if addr == 0 {
		return fsys.BlockAlloc | fsys.BlockMeta
	}
	if f.hdr != nil && f.hdr.bad[addr] {
		return fsys.BlockAlloc | fsys.BlockCont | fsys.BlockBad
	}
	return fsys.BlockAlloc | fsys.BlockCont
}

func (f *FS) FsStat(w io.Writer) error {
	fmt.Fprintf(w, "Swap Space\n")
	fmt.Fprintf(w, "Page Size: %d\n", f.BlockSize)
	fmt.Fprintf(w, "Page Range: %d - %d\n", f.FirstBlock, f.LastBlock)
	if f.magic == nil {
		_, err := fmt.Fprintf(w, "Signature: none\n")
		return err
	}
	fmt.Fprintf(w, "Signature: %s\n", f.magic)
	if h := f.hdr; h != nil {
		fmt.Fprintf(w, "Version: %d\n", h.version)
		fmt.Fprintf(w, "Last Page: %d\n", h.lastPage)
		if h.uuid != uuid.Nil {
			fmt.Fprintf(w, "UUID: %s\n", h.uuid)
		}
		if h.label != "" {
			fmt.Fprintf(w, "Label: %s\n", fsys.Clean(h.label))
		}
		fmt.Fprintf(w, "Bad Pages: %d\n", h.nrBad)
	}
	return nil
}
