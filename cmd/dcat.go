package cmd

import (
	"bufio"
	"fmt"
	"io"

	"github.com/lvdlvd/rawhide/fsys"
)

// DcatFormat selects how Dcat renders block content.
type DcatFormat int

const (
	DcatRaw DcatFormat = iota
	DcatHex
	DcatASCII
)

// DcatOptions controls Dcat.
type DcatOptions struct {
	Format DcatFormat
	HTML   bool // wrap the output in an HTML page
	Stat   bool // only print the size of an addressable unit
}

// Dcat writes count blocks starting at addr.
func Dcat(fs fsys.FileSystem, w io.Writer, addr, count uint64, opts DcatOptions) error {
	info := fs.Info()
	if opts.Stat {
		_, err := fmt.Fprintf(w, "%d: Size of Addressable Unit\n", info.BlockSize)
		return err
	}
	if count == 0 || addr > info.LastBlock || count-1 > info.LastBlock-addr {
		return fsys.Errorf(fsys.ErrArgument, "dcat", "requested size is larger than last block in image (%d)", info.LastBlock)
	}

	bw := bufio.NewWriter(w)
	bs := uint64(info.BlockSize)
	if opts.HTML {
		fmt.Fprintf(bw, "<html>\n<head>\n")
		fmt.Fprintf(bw, "<title>Unit: %d   Size: %d bytes</title>\n", addr, count*bs)
		fmt.Fprintf(bw, "</head>\n<body>\n")
		if opts.Format == DcatHex {
			fmt.Fprintf(bw, "<table border=0>\n")
		}
	}

	buf := make([]byte, bs)
	for i := uint64(0); i < count; i++ {
		if _, err := info.ReadBlock(buf, addr+i); err != nil {
			bw.Flush()
			return fmt.Errorf("dcat: reading block %d: %w", addr+i, err)
		}
		switch opts.Format {
		case DcatHex:
			hexdump(bw, buf, i*bs, opts.HTML)
		case DcatASCII:
			asciiDump(bw, buf, opts.HTML)
		default:
			bw.Write(buf)
		}
	}

	switch {
	case opts.Format == DcatHex && opts.HTML:
		fmt.Fprintf(bw, "</table>\n")
	case opts.Format == DcatHex:
		fmt.Fprintf(bw, "\n")
	case opts.Format == DcatASCII && opts.HTML:
		fmt.Fprintf(bw, "<br>\n")
	case opts.Format == DcatASCII:
		fmt.Fprintf(bw, "\n")
	case opts.HTML:
		fmt.Fprintf(bw, "<br>")
	}
	if opts.HTML {
		fmt.Fprintf(bw, "</body>\n</html>\n")
	}
	return bw.Flush()
}

// hexdump writes 16 bytes per line: the offset, four groups of hex and the
// printable characters.
func hexdump(w *bufio.Writer, buf []byte, base uint64, html bool) {
	for row := 0; row < len(buf); row += 16 {
		line := buf[row:min(row+16, len(buf))]
		if html {
			fmt.Fprintf(w, "<tr><td>%d</td>", base+uint64(row))
		} else {
			fmt.Fprintf(w, "%d\t", base+uint64(row))
		}
		for i, c := range line {
			if html && i%4 == 0 {
				w.WriteString("<td>")
			}
			fmt.Fprintf(w, "%02x", c)
			if i%4 == 3 {
				if html {
					w.WriteString("</td>")
				} else {
					w.WriteByte(' ')
				}
			}
		}
		w.WriteByte('\t')
		for i, c := range line {
			if html && i%4 == 0 {
				w.WriteString("<td>")
			}
			if c >= 0x20 && c < 0x7f {
				w.WriteByte(c)
			} else {
				w.WriteByte('.')
			}
			if i%4 == 3 {
				if html {
					w.WriteString("</td>")
				} else {
					w.WriteByte(' ')
				}
			}
		}
		if html {
			w.WriteString("</tr>")
		}
		w.WriteByte('\n')
	}
}

// asciiDump writes printable characters, tabs and line breaks as they are
// and everything else as '.'.
func asciiDump(w *bufio.Writer, buf []byte, html bool) {
	for _, c := range buf {
		switch {
		case c >= 0x20 && c < 0x7f, c == '\t':
			w.WriteByte(c)
		case c == '\n' || c == '\r':
			if html {
				w.WriteString("<br>")
			}
			w.WriteByte(c)
		default:
			w.WriteByte('.')
		}
	}
}
