package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/rawhide/fsys"
	"github.com/lvdlvd/rawhide/fsys/part"
)

func TestLs(t *testing.T) {
	root := fsys.NewFS(newMemFS())

	var out bytes.Buffer
	require.NoError(t, Ls(root, "/", &out, LsOptions{}))
	assert.Equal(t, "hello.txt\nsub/\n", out.String())

	out.Reset()
	require.NoError(t, Ls(root, "/", &out, LsOptions{Long: true}))
	assert.Equal(t,
		"       3 -rw-r--r--          700 May  6 2004 07:08 hello.txt\n"+
			"       4 drwxr-xr-x          512 May  6 2004 07:08 sub\n",
		out.String())

	out.Reset()
	require.NoError(t, Ls(root, "sub/data.bin", &out, LsOptions{}))
	assert.Equal(t, "data.bin\n", out.String())

	assert.Error(t, Ls(root, "/missing", &out, LsOptions{}))
}

func TestCat(t *testing.T) {
	root := fsys.NewFS(newMemFS())

	var out bytes.Buffer
	require.NoError(t, Cat(root, "/hello.txt", &out))
	assert.Equal(t, strings.Repeat("c", memBS)+strings.Repeat("d", 700-memBS), out.String())

	out.Reset()
	require.NoError(t, Cat(root, "sub/data.bin", &out))
	assert.Equal(t, strings.Repeat("g", memBS), out.String())

	assert.ErrorContains(t, Cat(root, "sub", &out), "is a directory")
}

func TestCatVolume(t *testing.T) {
	vs := mmlsDisk(t)
	root := part.NewFS(vs)

	var out bytes.Buffer
	require.NoError(t, Ls(root, "", &out, LsOptions{}))
	assert.Equal(t, "p0\np1\n", out.String())

	out.Reset()
	require.NoError(t, Cat(root, "p1", &out))
	assert.Equal(t, 37*part.SectorSize, out.Len())
}

func TestStat(t *testing.T) {
	root := fsys.NewFS(newMemFS())
	var out bytes.Buffer
	require.NoError(t, Stat(root, "/hello.txt", &out))
	assert.Equal(t, "   File: hello.txt\n"+
		"   Size: 700\n"+
		"   Mode: -rw-r--r--\n"+
		"ModTime: 2004.05.06 07:08:09 (UTC)\n"+
		"  Inode: 3\n",
		out.String())
}
