//go:build !unix

package storage

// allocAnonPage degrades to a plain heap allocation where anonymous
// mmap isn't available. It is still page-sized and zeroed; it just
// isn't eligible for the huge-page advisory.
func allocAnonPage(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeAnonPage(_ []byte) error { return nil }
