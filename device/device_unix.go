//go:build !windows

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

// openFileDirect opens path for direct I/O when the platform supports
// O_DIRECT, following the unix/windows build-tag split used for mmap in
// hupe1980-vecgo/internal/mmap. On failure to open with O_DIRECT (common on
// tmpfs and some overlay filesystems) it falls back to a normal open and the
// caller logs a warning.
func openFileDirect(path string, truncate bool, size uint64) (*os.File, bool, error) {
	flags := os.O_RDWR | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags|unix.O_DIRECT, 0644)
	direct := true
	if err != nil {
		direct = false
		f, err = os.OpenFile(path, flags, 0644)
		if err != nil {
			return nil, false, err
		}
	}
	if truncate || size > 0 {
		if st, statErr := f.Stat(); statErr == nil && uint64(st.Size()) < size {
			if err := f.Truncate(int64(size)); err != nil {
				f.Close()
				return nil, false, err
			}
		}
	}
	return f, direct, nil
}

// allocAligned returns a size-byte slice whose address is a multiple of
// alignment, required for O_DIRECT reads/writes.
func allocAligned(size int, alignment int) []byte {
	if alignment <= 1 {
		return make([]byte, size)
	}
	buf := make([]byte, size+alignment)
	addr := int(uintptr(unalignedAddr(buf)))
	offset := (alignment - addr%alignment) % alignment
	return buf[offset : offset+size]
}
