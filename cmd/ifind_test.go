package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/rawhide/fsys"
)

func TestIfindBlock(t *testing.T) {
	f := newMemFS()
	tests := []struct {
		addr  uint64
		all   bool
		want  string
		found bool
	}{
		{addr: 3, want: "3\n", found: true},
		{addr: 5, want: "4\n", found: true},
		{addr: 7, want: "6\n", found: true},
		{addr: 1, want: "Meta Data\n"},
		{addr: 12, want: "Inode not found\n"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		found, err := IfindBlock(f, &out, tt.addr, tt.all)
		require.NoError(t, err)
		assert.Equal(t, tt.found, found, "block %d", tt.addr)
		assert.Equal(t, tt.want, out.String(), "block %d", tt.addr)
	}

	// a block shared by two files is reported twice with all
	f.inodes[5].Direct = []uint64{2}
	var out bytes.Buffer
	_, err := IfindBlock(f, &out, 2, true)
	require.NoError(t, err)
	assert.Equal(t, "3\n5\n", out.String())
	out.Reset()
	_, err = IfindBlock(f, &out, 2, false)
	require.NoError(t, err)
	assert.Equal(t, "3\n", out.String())

	_, err = IfindBlock(f, &out, 16, false)
	assert.ErrorIs(t, err, fsys.ErrArgument)
}

func TestIfindPath(t *testing.T) {
	f := newMemFS()
	tests := []struct {
		path  string
		want  string
		found bool
	}{
		{"/sub/data.bin", "5\n", true},
		{"/", "2\n", true},
		{"/deleted.txt", "6\n", true},
		{"/nope", "File not found: nope\n", false},
		{"/hello.txt/x", "Invalid path (hello.txt is a file)\n", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		found, err := IfindPath(f, &out, tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.found, found, tt.path)
		assert.Equal(t, tt.want, out.String(), tt.path)
	}
}

func TestIfindParent(t *testing.T) {
	f := newMemFS()
	var out bytes.Buffer
	require.NoError(t, IfindParent(f, &out, 2, false))
	assert.Equal(t, "r/r * 6:\tdeleted.txt\n", out.String())

	out.Reset()
	require.NoError(t, IfindParent(f, &out, 2, true))
	assert.Equal(t, "r/r * 6:\tdeleted.txt\t2004.05.06 07:08:09 (UTC)\t2004.05.07 10:11:12 (UTC)"+
		"\t2004.05.08 13:14:15 (UTC)\t100\t100\t1000\n", out.String())

	out.Reset()
	require.NoError(t, IfindParent(f, &out, 4, false))
	assert.Empty(t, out.String())
}
