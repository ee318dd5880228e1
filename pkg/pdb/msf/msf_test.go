package msf

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, blockSize uint32, streams ...[]byte) []byte {
	t.Helper()
	w, err := NewWriter(blockSize)
	require.NoError(t, err)
	for _, s := range streams {
		w.AddStream(s)
	}
	var buf bytes.Buffer
	_, err = w.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	large := bytes.Repeat([]byte{0xA5, 0x5A, 0x01}, 3000)
	streams := [][]byte{{}, []byte("info"), large, nil, []byte("tail")}

	data := build(t, 512, streams...)
	m, err := New(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, uint32(512), m.BlockSize())
	assert.Equal(t, int64(len(data)), m.SuperBlock().FileSize())
	require.Equal(t, len(streams), m.NumStreams())
	for i, want := range streams {
		got, err := m.ReadStream(i)
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got), "stream %d", i)
		if len(want) > 0 {
			assert.Equal(t, want, got, "stream %d", i)
		}
	}

	_, err = m.Stream(len(streams))
	assert.Error(t, err)
}

func TestStreamReaderSeek(t *testing.T) {
	payload := make([]byte, 1500)
	for i := range payload {
		payload[i] = byte(i)
	}
	m, err := New(bytes.NewReader(build(t, 512, payload)))
	require.NoError(t, err)

	r, err := m.StreamReader(0)
	require.NoError(t, err)
	pos, err := r.Seek(510, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(510), pos)

	buf := make([]byte, 4)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, payload[510:514], buf)

	pos, err = r.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(1498), pos)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload[1498:], rest)
}

func TestFreeBlockMapBlocksAreSkipped(t *testing.T) {
	// Enough data to cross into the second interval of 512 blocks.
	big := bytes.Repeat([]byte{7}, 512*600)
	data := build(t, 512, big)

	m, err := New(bytes.NewReader(data))
	require.NoError(t, err)
	s, err := m.Stream(0)
	require.NoError(t, err)
	for _, b := range s.Blocks() {
		assert.NotContains(t, []uint32{0, 1, 2, 513, 514}, b)
	}
	got, err := s.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestDeterministic(t *testing.T) {
	a := build(t, 4096, []byte("x"), []byte("yy"))
	b := build(t, 4096, []byte("x"), []byte("yy"))
	assert.Equal(t, a, b)
}

func TestRejectsInvalidInput(t *testing.T) {
	_, err := NewWriter(1000)
	assert.Error(t, err)

	_, err = New(bytes.NewReader([]byte("Microsoft C/C++ program database 2.00\r\n")))
	assert.Error(t, err)

	data := build(t, 512, []byte("abc"))
	data[32] = 0x01 // block size 513
	_, err = New(bytes.NewReader(data))
	assert.Error(t, err)
}
