// Package xts reads images of AES-XTS encrypted volumes: each sector is
// decrypted on read with the sector number, plus a fixed offset, as the
// tweak. Disk encryption schemes such as dm-crypt's aes-xts-plain64
// and VeraCrypt volumes use this layout.
package xts

import (
	"crypto/aes"
	"encoding/hex"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/xts"

	"github.com/lvdlvd/rawhide/fsys"
)

// ParseKey decodes a hex key. Both halves are AES keys, so the key is 32,
// 48 or 64 bytes long.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fsys.Wrapf(fsys.ErrArgument, err, "xts_key", "key is not hex")
	}
	switch len(key) {
	case 32, 48, 64:
		return key, nil
	}
	return nil, fsys.Errorf(fsys.ErrArgument, "xts_key", "invalid key length %d (must be 32, 48 or 64)", len(key))
}

// Image is the plaintext view of an encrypted image.
type Image struct {
	img        fsys.Image
	cipher     *xts.Cipher
	sectorSize int64
	tweak      uint64 // tweak of the image's first sector
}

// New returns the decrypted view of img. Sector size must be a positive
// multiple of 16; tweak is the sector number of the image's first
// sector, for volumes cut out of a larger encrypted device.
func New(img fsys.Image, key []byte, sectorSize int, tweak uint64) (*Image, error) {
	if sectorSize < aes.BlockSize || sectorSize%aes.BlockSize != 0 {
		return nil, fsys.Errorf(fsys.ErrArgument, "xts_open", "sector size must be a positive multiple of %d", aes.BlockSize)
	}
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fsys.Wrapf(fsys.ErrArgument, err, "xts_open", "invalid key")
	}
	log.WithFields(log.Fields{
		"keybits":    len(key) * 4,
		"sectorsize": sectorSize,
		"tweak":      tweak,
	}).Debug("xts: decrypting image")
	return &Image{img: img, cipher: c, sectorSize: int64(sectorSize), tweak: tweak}, nil
}

// Size is the size of the underlying image. A trailing partial sector
// cannot be decrypted and reads as an error.
func (x *Image) Size() int64 {
	return x.img.Size()
}

// ReadAt decrypts the sectors covering p and copies out the requested
// range.
func (x *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fsys.Errorf(fsys.ErrArgument, "xts_read", "negative offset %d", off)
	}
	size := x.img.Size()
	if off >= size {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), size)

	first := off / x.sectorSize
	last := (end + x.sectorSize - 1) / x.sectorSize
	buf := make([]byte, (last-first)*x.sectorSize)
	n, err := x.img.ReadAt(buf, first*x.sectorSize)
	if err != nil && err != io.EOF {
		return 0, err
	}

	whole := int64(n) / x.sectorSize * x.sectorSize
	if whole == 0 {
		if n > 0 {
			return 0, fsys.Errorf(fsys.ErrRead, "xts_read", "partial sector of %d bytes at offset %d", n, first*x.sectorSize)
		}
		return 0, io.EOF
	}
	for i := int64(0); i < whole; i += x.sectorSize {
		sect := buf[i : i+x.sectorSize]
		x.cipher.Decrypt(sect, sect, x.tweak+uint64(first)+uint64(i/x.sectorSize))
	}

	skip := off - first*x.sectorSize
	done := copy(p, buf[skip:whole])
	if off+int64(done) >= size {
		return done, io.EOF
	}
	if done < len(p) {
		return done, io.ErrUnexpectedEOF
	}
	return done, nil
}
