//go:build !unix

package storage

import (
	"io"
	"os"
)

// mapPageFile has no portable equivalent outside unix; it degrades to an
// ordinary read into a plain buffer, with syncPageFile writing the dirty
// range back explicitly. Same graceful-fallback spirit as the Windows/JS
// builds of filelock.
func mapPageFile(f *os.File, size int) ([]byte, error) {
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

func unmapPageFile(_ []byte) error { return nil }

func syncPageFile(f *os.File, data []byte, offset, length int) error {
	if _, err := f.WriteAt(data[offset:offset+length], int64(offset)); err != nil {
		return err
	}
	return f.Sync()
}
