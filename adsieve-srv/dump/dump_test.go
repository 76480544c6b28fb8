package dump

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestWriter_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dumps")
	w, err := NewWriter(dir, true)
	require.NoError(t, err)
	w.now = fixedClock(time.Date(2026, 3, 4, 5, 6, 7, 890123000, time.Local))

	path, err := w.Save(Request, []byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2026-03-04T050607.890123_request.dump"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"Timestamp: 2026-03-04T050607.890123\nDirection: request\n\nGET / HTTP/1.1\r\n\r\n",
		string(content))
}

func TestWriter_SameTimestamp(t *testing.T) {
	w, err := NewWriter(t.TempDir(), true)
	require.NoError(t, err)
	w.now = fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.Local))

	first, err := w.Save(Response, []byte("a"))
	require.NoError(t, err)
	second, err := w.Save(Response, []byte("b"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, "2026-01-01T000000.000000_response-1.dump", filepath.Base(second))
}

func TestWriter_Disabled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never")
	w, err := NewWriter(dir, false)
	require.NoError(t, err)
	assert.False(t, w.Enabled())

	w.Write(Blocked, []byte("x"))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	var nilWriter *Writer
	assert.False(t, nilWriter.Enabled())
	nilWriter.Write(Request, []byte("x"))
}

func TestWriter_WriteLogsFailure(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, true)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	// Must not panic or block.
	w.Write(Request, []byte("x"))
}
