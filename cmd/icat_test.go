package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/rawhide/fsys"
)

func TestIcat(t *testing.T) {
	f := newMemFS()

	var out bytes.Buffer
	require.NoError(t, Icat(f, &out, 3, 0, 0, fsys.FileNoID))
	assert.Equal(t, strings.Repeat("c", memBS)+strings.Repeat("d", 700-memBS), out.String())

	out.Reset()
	require.NoError(t, Icat(f, &out, 3, 0, 0, fsys.FileNoID|fsys.FileSlack))
	assert.Equal(t, 2*memBS, out.Len())

	out.Reset()
	require.NoError(t, Icat(f, &out, 6, 0, 0, fsys.FileNoID), "deleted content is recovered")
	assert.Equal(t, strings.Repeat("h", 100), out.String())

	assert.ErrorIs(t, Icat(f, &out, 9, 0, 0, 0), fsys.ErrArgument)
	assert.ErrorIs(t, Icat(f, &out, 0, 0, 0, 0), fsys.ErrArgument)
}
