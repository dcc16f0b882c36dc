package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRetainsTailWhenUnderCapacity(t *testing.T) {
	w := New(16)
	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", w.String())
}

func TestWriterDiscardsOldestBytesOnceFull(t *testing.T) {
	w := New(4)
	_, err := w.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, "efgh", w.String())
}

func TestWriterAcrossMultipleWrites(t *testing.T) {
	w := New(4)
	_, _ = w.Write([]byte("ab"))
	_, _ = w.Write([]byte("cdef"))
	assert.Equal(t, "cdef", w.String())
}

func TestNewClampsNonPositiveSize(t *testing.T) {
	w := New(0)
	_, err := w.Write([]byte("xy"))
	require.NoError(t, err)
	assert.Equal(t, "y", w.String())
}

func TestTruncateLeavesShortStringsUntouched(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 100))
}

func TestTruncateKeepsTailWhenLimitBelowMarkerLength(t *testing.T) {
	s := "0123456789"
	out := Truncate(s, 5)
	assert.Less(t, len(out), len(s)+len("...[truncated]...\n"))
	assert.Contains(t, out, "9")
	assert.NotContains(t, out, "0")
}
