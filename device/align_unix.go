//go:build !windows

package device

import "unsafe"

func unalignedAddr(buf []byte) unsafe.Pointer {
	if len(buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&buf[0])
}
