//go:build linux

package storage

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const hugePageSizeFile = "/sys/kernel/mm/transparent_hugepage/hpage_pmd_size"

// adviseHugePage advises the kernel that an anonymous page buffer is a
// good transparent-huge-page candidate, per spec §4.1/§9: only attempted
// when the platform reports an alignment that divides the configured
// page size. Returns false (silently) whenever the advisory isn't
// applicable, matching the spec's "fall back silently" guidance.
func adviseHugePage(data []byte, pageSize int) bool {
	hp := hugePageSize()
	if hp <= 0 || pageSize%hp != 0 {
		return false
	}
	if err := unix.Madvise(data, unix.MADV_HUGEPAGE); err != nil {
		return false
	}
	return true
}

func hugePageSize() int {
	raw, err := os.ReadFile(hugePageSizeFile)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return n
}
