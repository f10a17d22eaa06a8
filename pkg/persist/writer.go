// Package persist writes the authoritative frpc config to disk so the next
// start of the proxy and of frpc boots from the last applied state.
package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
)

var ErrEmpty = errors.New("refusing to persist empty config")

// Writer overwrites a single config file in place. The destination is
// opened and truncated rather than replaced, so symlinks, ownership, mode
// and single-file bind mounts survive a save.
type Writer struct {
	fs     afero.Fs
	path   string
	mode   os.FileMode
	logger hclog.Logger
}

// NewWriter returns a Writer for path on fs. A nil fs means the OS filesystem.
func NewWriter(fs afero.Fs, path string, logger hclog.Logger) *Writer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Writer{fs: fs, path: path, mode: 0o600, logger: logger}
}

// Save writes data to the destination and reports whether it did. Failures
// are logged. Empty data and an unopenable destination leave the prior
// content untouched.
func (w *Writer) Save(data []byte) bool {
	if err := w.Write(data); err != nil {
		w.logger.Error("config save failed", "path", w.path, "error", err)
		return false
	}
	w.logger.Info("config saved", "path", w.path, "bytes", len(data))
	return true
}

// Write truncates the destination, writes data and syncs it. The file is
// closed on every path and a close error is reported. A new file is created
// with mode 0600; an existing file keeps its mode.
func (w *Writer) Write(data []byte) (err error) {
	if len(data) == 0 {
		return ErrEmpty
	}
	dir := filepath.Dir(w.path)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := w.fs.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, w.mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", w.path, cerr)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", w.path, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", w.path, err)
	}
	return nil
}
