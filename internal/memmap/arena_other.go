//go:build !unix

package memmap

func allocHostMemory(size uint64) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
