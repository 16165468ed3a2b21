package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferRoundtrip(t *testing.T) {
	dev, err := Open(WithMaxResidentBlocks(4))
	require.NoError(t, err)
	defer dev.Close()

	buf, err := NewBuffer[uint32](dev, 8)
	require.NoError(t, err)
	defer buf.Release()

	src := []uint32{5, 4, 3, 2, 1}
	require.NoError(t, buf.Upload(nil, src))

	dst := make([]uint32, 5)
	require.NoError(t, buf.Download(nil, dst))
	assert.Equal(t, src, dst)

	t.Run("oversized transfers rejected", func(t *testing.T) {
		assert.Error(t, buf.Upload(nil, make([]uint32, 9)))
		assert.Error(t, buf.Download(nil, make([]uint32, 9)))
	})
}

func TestBufferResize(t *testing.T) {
	dev, err := Open(WithMaxResidentBlocks(4))
	require.NoError(t, err)
	defer dev.Close()

	buf, err := NewBuffer[uint32](dev, 4)
	require.NoError(t, err)
	defer buf.Release()

	require.NoError(t, buf.Upload(nil, []uint32{1, 2, 3, 4}))
	require.NoError(t, buf.Resize(6))
	assert.Equal(t, 6, buf.Len())

	got := make([]uint32, 6)
	require.NoError(t, buf.Download(nil, got))
	assert.Equal(t, []uint32{1, 2, 3, 4, 0, 0}, got, "prefix preserved, tail zeroed")

	require.NoError(t, buf.Resize(2))
	assert.Equal(t, 2, buf.Len())

	assert.Error(t, buf.Resize(-1))
}

func TestBufferFillAndCopy(t *testing.T) {
	dev, err := Open(WithMaxResidentBlocks(4))
	require.NoError(t, err)
	defer dev.Close()

	src, err := NewBuffer[uint32](dev, 4)
	require.NoError(t, err)
	dst, err := NewBuffer[uint32](dev, 4)
	require.NoError(t, err)

	require.NoError(t, src.Fill(nil, 9, 3))
	require.NoError(t, src.CopyTo(nil, dst, 4))
	require.NoError(t, dev.DefaultStream().Sync())

	got := make([]uint32, 4)
	require.NoError(t, dst.Download(nil, got))
	assert.Equal(t, []uint32{9, 9, 9, 0}, got)

	assert.Error(t, src.CopyTo(nil, dst, 5))
	assert.Error(t, src.Fill(nil, 1, 5))
}

func TestBufferRelease(t *testing.T) {
	dev, err := Open(WithMaxResidentBlocks(4))
	require.NoError(t, err)
	defer dev.Close()

	buf, err := NewBuffer[uint32](dev, 4)
	require.NoError(t, err)

	buf.Release()
	buf.Release() // idempotent

	assert.Equal(t, 0, buf.Len())
	assert.ErrorIs(t, buf.Upload(nil, []uint32{1}), ErrReleased)
	assert.ErrorIs(t, buf.Download(nil, make([]uint32, 1)), ErrReleased)
	assert.ErrorIs(t, buf.Resize(8), ErrReleased)
	assert.ErrorIs(t, buf.Fill(nil, 0, 0), ErrReleased)
}

func TestNewBufferValidation(t *testing.T) {
	dev, err := Open(WithMaxResidentBlocks(4))
	require.NoError(t, err)
	defer dev.Close()

	_, err = NewBuffer[uint32](dev, -1)
	assert.Error(t, err)

	empty, err := NewBuffer[uint32](dev, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}
