// Package img opens disk images: a single raw file, or a raw image split
// into ordered segment files that are read as one byte sequence.
package img

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

// maxOpen bounds the number of segment files held open at once.
const maxOpen = 16

// Type is the layout of an image.
type Type int

const (
	Raw Type = iota
	Split
)

func (t Type) String() string {
	if t == Split {
		return "split"
	}
	return "raw"
}

// ParseType maps an image type name to a Type. The empty string selects
// raw for one file and split for several.
func ParseType(s string, segments int) (Type, error) {
	switch s {
	case "":
		if segments > 1 {
			return Split, nil
		}
		return Raw, nil
	case "raw", "split":
		if segments > 1 {
			return Split, nil
		}
		return Raw, nil
	}
	return Raw, fsys.Errorf(fsys.ErrArgument, "img_parse_type", "unknown image type: %q", s)
}

// segment is one file of the image, covering [start, end).
type segment struct {
	path       string
	start, end int64
}

type handle struct {
	idx int
	f   *os.File
}

// Image is an open disk image. It is safe for concurrent use.
type Image struct {
	typ  Type
	segs []segment
	size int64

	mu     sync.Mutex
	open   map[int]*handle
	order  []int // open segments, least recently used first
	closed bool
}

// Open opens the image made of the given files, in order. Only the
// sizes are read here; segment files are opened when first read.
func Open(paths ...string) (*Image, error) {
	if len(paths) == 0 {
		return nil, fsys.Errorf(fsys.ErrArgument, "img_open", "no image files given")
	}
	im := &Image{typ: Raw, open: make(map[int]*handle)}
	if len(paths) > 1 {
		im.typ = Split
	}
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("opening image segment: %w", err)
		}
		if st.IsDir() {
			return nil, fsys.Errorf(fsys.ErrArgument, "img_open", "%s is a directory", p)
		}
		im.segs = append(im.segs, segment{path: p, start: im.size, end: im.size + st.Size()})
		im.size += st.Size()
		log.Debugf("img: segment %s at %d, %d bytes", p, im.segs[len(im.segs)-1].start, st.Size())
	}
	return im, nil
}

// Type returns the layout of the image.
func (im *Image) Type() Type {
	return im.typ
}

// Size returns the total size in bytes
func (im *Image) Size() int64 {
	return im.size
}

// Segments returns the file names in order.
func (im *Image) Segments() []string {
	out := make([]string, len(im.segs))
	for i, s := range im.segs {
		out[i] = s.path
	}
	return out
}

// file returns the open file of segment i, opening it and closing the
// least recently used one when the cache is full.
func (im *Image) file(i int) (*os.File, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.closed {
		return nil, os.ErrClosed
	}
	if h, ok := im.open[i]; ok {
		for j, k := range im.order {
			if k == i {
				im.order = append(im.order[:j], im.order[j+1:]...)
				break
			}
		}
		im.order = append(im.order, i)
		return h.f, nil
	}
	if len(im.order) >= maxOpen {
		old := im.order[0]
		im.order = im.order[1:]
		log.Debugf("img: closing segment %s", im.segs[old].path)
		im.open[old].f.Close()
		delete(im.open, old)
	}
	log.Debugf("img: opening segment %s", im.segs[i].path)
	f, err := os.Open(im.segs[i].path)
	if err != nil {
		return nil, err
	}
	im.open[i] = &handle{idx: i, f: f}
	im.order = append(im.order, i)
	return f, nil
}

// ReadAt implements io.ReaderAt. A read that spans segments continues in
// the next file; reading past the end returns io.EOF.
func (im *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fsys.Errorf(fsys.ErrArgument, "img_read", "negative offset %d", off)
	}
	if off >= im.size {
		return 0, io.EOF
	}
	i := sort.Search(len(im.segs), func(i int) bool { return im.segs[i].end > off })
	done := 0
	for done < len(p) && i < len(im.segs) {
		s := im.segs[i]
		if s.end == s.start {
			i++
			continue
		}
		rel := off + int64(done) - s.start
		n := int(min(int64(len(p)-done), s.end-s.start-rel))
		f, err := im.file(i)
		if err != nil {
			return done, fmt.Errorf("reading image segment %s: %w", s.path, err)
		}
		m, err := f.ReadAt(p[done:done+n], rel)
		done += m
		if m < n {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return done, fmt.Errorf("reading image segment %s at %d: %w", s.path, rel, err)
		}
		i++
	}
	if done < len(p) {
		return done, io.EOF
	}
	return done, nil
}

// Stat writes the image layout.
func (im *Image) Stat(w io.Writer) error {
	fmt.Fprintf(w, "IMAGE FILE INFORMATION\n")
	fmt.Fprintf(w, "--------------------------------------------\n")
	fmt.Fprintf(w, "Image Type: %s\n", im.typ)
	fmt.Fprintf(w, "\nSize in bytes: %d\n", im.size)
	if im.typ != Split {
		return nil
	}
	fmt.Fprintf(w, "\n--------------------------------------------\n")
	fmt.Fprintf(w, "Split Information:\n")
	for _, s := range im.segs {
		fmt.Fprintf(w, "%s  (%d to %d)\n", s.path, s.start, s.end-1)
	}
	return nil
}

// Close closes every open segment file.
func (im *Image) Close() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	var errs []error
	for _, h := range im.open {
		if err := h.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	im.open = nil
	im.order = nil
	im.closed = true
	return errors.Join(errs...)
}
