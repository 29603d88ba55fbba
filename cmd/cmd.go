// Package cmd implements the rawhide tools: block, inode and name level
// analysis of a file system, partition table listing, and path based
// ls/cat over the io/fs view.
//
// Each tool writes its report to an io.Writer. Damage confined to one
// file or entry is logged and skipped; the tool only fails when the walk
// it drives fails.
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

// Header identifies the host and time a listing was made at. The zero
// value uses the local host name and the current time.
type Header struct {
	Host string
	Now  time.Time
}

func (h Header) host() string {
	if h.Host != "" {
		return h.Host
	}
	name, err := os.Hostname()
	if err != nil {
		log.Debugf("cmd: getting host name: %v", err)
		return "unknown"
	}
	return name
}

func (h Header) now() int64 {
	if h.Now.IsZero() {
		return time.Now().Unix()
	}
	return h.Now.Unix()
}

// InodeAddr is an inode address as given on the command line:
// "inum", "inum-type" or "inum-type-id". Type and ID select an NTFS
// attribute.
type InodeAddr struct {
	Inum    uint64
	Type    uint32
	ID      uint16
	HasType bool
	HasID   bool
}

// ParseInodeAddr parses an InodeAddr.
func ParseInodeAddr(s string) (InodeAddr, error) {
	var a InodeAddr
	parts := strings.Split(s, "-")
	if len(parts) > 3 {
		return a, fsys.Errorf(fsys.ErrArgument, "parse_inum", "invalid inode address: %s", s)
	}
	var err error
	if a.Inum, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
		return a, fsys.Errorf(fsys.ErrArgument, "parse_inum", "invalid inode address: %s", s)
	}
	if len(parts) > 1 {
		t, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return a, fsys.Errorf(fsys.ErrArgument, "parse_inum", "invalid attribute type: %s", s)
		}
		a.Type, a.HasType = uint32(t), true
	}
	if len(parts) > 2 {
		id, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return a, fsys.Errorf(fsys.ErrArgument, "parse_inum", "invalid attribute id: %s", s)
		}
		a.ID, a.HasID = uint16(id), true
	}
	return a, nil
}

// FileFlags returns the file walk flags that select the attribute a
// names: without an id the default one of the type is used.
func (a InodeAddr) FileFlags() fsys.FileFlag {
	if a.HasID {
		return 0
	}
	return fsys.FileNoID
}

func (a InodeAddr) String() string {
	switch {
	case a.HasID:
		return fmt.Sprintf("%d-%d-%d", a.Inum, a.Type, a.ID)
	case a.HasType:
		return fmt.Sprintf("%d-%d", a.Inum, a.Type)
	}
	return strconv.FormatUint(a.Inum, 10)
}

// skewed applies a clock correction of skew seconds.
func skewed(t time.Time, skew int32) time.Time {
	if t.IsZero() || skew == 0 {
		return t
	}
	return t.Add(-time.Duration(skew) * time.Second)
}

// seconds renders t as the 32-bit Unix time body files carry.
func seconds(t time.Time, skew int32) uint32 {
	return uint32(fsys.UnixSeconds(skewed(t, skew)))
}

// formatTime renders t as "2006.01.02 15:04:05 (UTC)".
func formatTime(t time.Time) string {
	if t.IsZero() || t.Unix() <= 0 {
		return "0000.00.00 00:00:00 (UTC)"
	}
	return t.UTC().Format("2006.01.02 15:04:05") + " (UTC)"
}

// formatDay renders the date of t only; FAT keeps no access time of day.
func formatDay(t time.Time) string {
	if t.IsZero() || t.Unix() <= 0 {
		return "0000.00.00 00:00:00 (UTC)"
	}
	return t.UTC().Format("2006.01.02") + " 00:00:00 (UTC)"
}
