package mmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapZeroed(t *testing.T) {
	data, err := Map(64 * 1024)
	require.NoError(t, err)
	require.Len(t, data, 64*1024)

	for i := range data {
		require.Zero(t, data[i])
	}

	data[0] = 1
	data[len(data)-1] = 2
	require.NoError(t, Unmap(data))
}
