package shmio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeapFactoryProvisionsRequestedSize(t *testing.T) {
	f := HeapFactory{}
	region, err := f.New(4096)
	require.NoError(t, err)
	defer region.Close()

	require.Len(t, region.Bytes(), 4096)
	require.Equal(t, -1, region.FD())
}

func TestHeapFactoryRejectsNonPositiveSize(t *testing.T) {
	f := HeapFactory{}
	_, err := f.New(0)
	require.Error(t, err)
}

func TestHeapRegionBytesAreWritable(t *testing.T) {
	f := HeapFactory{}
	region, err := f.New(16)
	require.NoError(t, err)
	defer region.Close()

	b := region.Bytes()
	b[0] = 0xAB
	require.Equal(t, byte(0xAB), region.Bytes()[0])
}
