package fallback

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBeforeInitialize(t *testing.T) {
	s := New()
	_, err := s.Open()
	require.ErrorIs(t, err, ErrNotReady)
	assert.False(t, s.Available())
}

func TestLoopReaderNeverEOFs(t *testing.T) {
	clip := []byte("0123456789")
	s := New()
	s.SetClip(clip)
	require.True(t, s.Available())

	r, err := s.Open()
	require.NoError(t, err)
	defer r.Close()

	// read well past the clip length; the reader must wrap, never EOF
	buf := make([]byte, 7)
	var got bytes.Buffer
	for got.Len() < len(clip)*5 {
		n, err := r.Read(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		got.Write(buf[:n])
	}

	expected := bytes.Repeat(clip, 6)[:got.Len()]
	assert.Equal(t, expected, got.Bytes())
}

func TestConcurrentReadersAreIndependent(t *testing.T) {
	clip := []byte("ABCDEFGH")
	s := New()
	s.SetClip(clip)

	r1, err := s.Open()
	require.NoError(t, err)
	r2, err := s.Open()
	require.NoError(t, err)

	buf1 := make([]byte, 4)
	_, err = r1.Read(buf1)
	require.NoError(t, err)

	// the second reader still starts at the beginning
	buf2 := make([]byte, 4)
	_, err = r2.Read(buf2)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCD"), buf2)
}

func TestReadAfterClose(t *testing.T) {
	s := New()
	s.SetClip([]byte("data"))

	r, err := s.Open()
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Read(make([]byte, 4))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestInitializeFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slate.ts")
	require.NoError(t, os.WriteFile(path, []byte("pretend mpegts payload"), 0644))

	s := New()
	require.NoError(t, s.Initialize(context.Background(), path))
	assert.True(t, s.Available())
}

func TestInitializeFromMissingFile(t *testing.T) {
	s := New()
	err := s.Initialize(context.Background(), filepath.Join(t.TempDir(), "missing.ts"))
	require.Error(t, err)
}

func TestInitializeFromEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.ts")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	s := New()
	require.Error(t, s.Initialize(context.Background(), path))
}
