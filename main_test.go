package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/rawhide/fsys"
)

// writeImage writes four sectors filled with 'a', 'b', 'c' and 'd'.
func writeImage(t *testing.T) string {
	t.Helper()
	var b []byte
	for c := byte('a'); c <= 'd'; c++ {
		b = append(b, bytes.Repeat([]byte{c}, 512)...)
	}
	p := filepath.Join(t.TempDir(), "disk.dd")
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p
}

func writeConfig(t *testing.T, s string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rawhide.ini")
	require.NoError(t, os.WriteFile(p, []byte(s), 0o644))
	return p
}

func runTool(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := run(args, &out, &errOut)
	return out.String(), err
}

func TestSplitTrailing(t *testing.T) {
	images, tail := splitTrailing([]string{"a.dd", "12", "4"}, 2, isNumber)
	assert.Equal(t, []string{"a.dd"}, images)
	assert.Equal(t, []string{"12", "4"}, tail)

	images, tail = splitTrailing([]string{"1", "2"}, 2, isNumber)
	assert.Equal(t, []string{"1"}, images)
	assert.Equal(t, []string{"2"}, tail)

	images, tail = splitTrailing([]string{"a.001", "a.002"}, 1, isNumber)
	assert.Equal(t, []string{"a.001", "a.002"}, images)
	assert.Empty(t, tail)
}

func TestParseOffset(t *testing.T) {
	for s, want := range map[string]int64{"": 0, "0": 0, "63": 63 * 512, "8@4096": 8 * 4096, "0x10": 16 * 512} {
		got, err := parseOffset(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	for _, s := range []string{"x", "-1", "4@0", "4@x"} {
		_, err := parseOffset(s)
		assert.ErrorIs(t, err, fsys.ErrArgument, s)
	}
}

func TestParseRange(t *testing.T) {
	start, end, err := parseRange("5-9")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), start)
	assert.Equal(t, uint64(9), end)

	start, end, err = parseRange("7")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), start)
	assert.Equal(t, uint64(7), end)

	_, _, err = parseRange("9-5")
	assert.ErrorIs(t, err, fsys.ErrArgument)
	assert.False(t, isRange("disk.dd"))
}

func TestConfig(t *testing.T) {
	file, err := loadConfig(writeConfig(t, "[default]\nfstype = raw\nverbose\n\n[DCAT]\nOffset = 2\n"))
	require.NoError(t, err)

	c := config{file: file, tool: "dcat"}
	assert.Equal(t, "raw", c.str("fstype", ""))
	assert.Equal(t, "2", c.str("offset", "0"))
	assert.True(t, c.boolean("verbose", false))
	assert.Equal(t, 7, c.integer("skew", 7))

	c = config{file: file, tool: "dls"}
	assert.Equal(t, "0", c.str("offset", "0"))

	file, err = loadConfig(filepath.Join(t.TempDir(), "missing.ini"))
	require.NoError(t, err)
	assert.Equal(t, "x", config{file: file, tool: "dcat"}.str("fstype", "x"))
}

func TestConfigPath(t *testing.T) {
	t.Setenv(configEnv, "")
	assert.Equal(t, configFile, configPath(""))
	t.Setenv(configEnv, "/etc/rawhide.ini")
	assert.Equal(t, "/etc/rawhide.ini", configPath(""))
	assert.Equal(t, "my.ini", configPath("my.ini"))
}

func TestRunDcat(t *testing.T) {
	img := writeImage(t)
	conf := writeConfig(t, "")

	out, err := runTool(t, "-c", conf, "dcat", "-f", "raw", img, "1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 512), out)

	out, err = runTool(t, "-c", conf, "dcat", "-fstype", "raw", img, "2", "2")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("c", 512)+strings.Repeat("d", 512), out)

	out, err = runTool(t, "-c", conf, "dcat", "-f", "raw", "-s", img)
	require.NoError(t, err)
	assert.Equal(t, "512: Size of Addressable Unit\n", out)

	_, err = runTool(t, "-c", conf, "dcat", "-f", "raw", img)
	assert.ErrorIs(t, err, fsys.ErrArgument)
}

func TestRunConfigDefaults(t *testing.T) {
	img := writeImage(t)
	conf := writeConfig(t, "[default]\nfstype = raw\n\n[dcat]\noffset = 1\n")

	out, err := runTool(t, "-c", conf, "dcat", img, "0")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 512), out)

	out, err = runTool(t, "-c", conf, "dcat", "-o", "0", img, "0")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 512), out)

	t.Setenv(configEnv, conf)
	out, err = runTool(t, "dcat", img, "2")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("d", 512), out)
}

func TestRunImgStat(t *testing.T) {
	img := writeImage(t)
	out, err := runTool(t, "-c", writeConfig(t, ""), "img_stat", img)
	require.NoError(t, err)
	assert.Contains(t, out, "Image Type: raw\n")
	assert.Contains(t, out, "Size in bytes: 2048\n")
}

func TestRunMmls(t *testing.T) {
	b := make([]byte, 100*512)
	e := b[446:]
	e[4] = 0x83
	binary.LittleEndian.PutUint32(e[8:], 2)
	binary.LittleEndian.PutUint32(e[12:], 98)
	binary.LittleEndian.PutUint16(b[510:], 0xAA55)
	p := filepath.Join(t.TempDir(), "mbr.dd")
	require.NoError(t, os.WriteFile(p, b, 0o644))
	conf := writeConfig(t, "")

	out, err := runTool(t, "-c", conf, "mmls", "-a", p)
	require.NoError(t, err)
	assert.Contains(t, out, "DOS Partition Table\n")
	assert.Contains(t, out, "00:00   0000000002   0000000099   0000000098   Linux (0x83)\n")
	assert.NotContains(t, out, "Unallocated")

	out, err = runTool(t, "-c", conf, "ls", "-t", "dos", "/", p)
	require.NoError(t, err)
	assert.Equal(t, "p0\n", out)
}

func TestRunLists(t *testing.T) {
	conf := writeConfig(t, "")
	out, err := runTool(t, "-c", conf, "fsstat", "-f", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Supported file system types:\n")
	assert.Contains(t, out, "ntfs")

	out, err = runTool(t, "-c", conf, "mmls", "-t", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "DOS Partition Table")

	out, err = runTool(t, "-c", conf, "img_stat", "-i", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "split (Split raw files)")
}

func TestRunErrors(t *testing.T) {
	conf := writeConfig(t, "")
	_, err := runTool(t, "-c", conf)
	assert.ErrorContains(t, err, "missing tool name")

	_, err = runTool(t, "-c", conf, "frobnicate")
	assert.ErrorContains(t, err, "unknown tool")

	_, err = runTool(t, "-c", conf, "fsstat", "-f", "nosuchfs", "x.dd")
	assert.ErrorIs(t, err, fsys.ErrUnsupported)

	_, err = runTool(t, "-c", conf, "ifind", "-f", "raw", "x.dd")
	assert.ErrorIs(t, err, fsys.ErrArgument)
}
