//go:build !linux

package storage

// adviseHugePage is a no-op outside Linux: transparent huge pages are a
// Linux-specific facility and no advisory primitive is available
// elsewhere, so the anonymous variant silently falls back to regular
// pages, per spec §9.
func adviseHugePage(_ []byte, _ int) bool { return false }
