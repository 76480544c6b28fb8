// Package dump writes proxied payload chunks to disk as an audit trail.
package dump

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/codefionn/adsieve/adsieve-srv/logger"
)

// Direction labels the flow a dumped chunk belongs to.
type Direction string

const (
	Request  Direction = "request"
	Response Direction = "response"
	Blocked  Direction = "blocked"
)

// timestampLayout is ISO-8601 local time with microseconds and the colons
// removed, so it is safe in file names.
const timestampLayout = "2006-01-02T150405.000000"

// Writer stores chunks as <timestamp>_<direction>.dump files. A nil or
// disabled Writer drops everything.
type Writer struct {
	dir     string
	enabled atomic.Bool
	now     func() time.Time
}

// NewWriter creates the dump directory when enabled.
func NewWriter(dir string, enabled bool) (*Writer, error) {
	w := &Writer{dir: dir, now: time.Now}
	if enabled {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create dump directory %s: %w", dir, err)
		}
	}
	w.enabled.Store(enabled)
	return w, nil
}

// Enabled reports whether chunks are written.
func (w *Writer) Enabled() bool {
	return w != nil && w.enabled.Load()
}

// Directory returns the dump directory.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Write records data, logging instead of returning failures.
func (w *Writer) Write(direction Direction, data []byte) {
	if !w.Enabled() {
		return
	}
	if _, err := w.Save(direction, data); err != nil {
		logger.Warn("Failed to write %s dump: %v", direction, err)
	}
}

// Save writes one dump file and returns its path.
func (w *Writer) Save(direction Direction, data []byte) (string, error) {
	ts := w.now().Format(timestampLayout)
	header := fmt.Sprintf("Timestamp: %s\nDirection: %s\n\n", ts, direction)

	name := fmt.Sprintf("%s_%s.dump", ts, direction)
	for i := 1; ; i++ {
		path := filepath.Join(w.dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			// Two chunks in the same microsecond.
			name = fmt.Sprintf("%s_%s-%d.dump", ts, direction, i)
			continue
		}
		if err != nil {
			return "", err
		}

		_, werr := f.WriteString(header)
		if werr == nil {
			_, werr = f.Write(data)
		}
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return "", werr
		}
		logger.Trace("Dump saved: %s", path)
		return path, nil
	}
}
