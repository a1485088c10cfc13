package ftl

import "unsafe"

// Bytes returns the memory of w as a byte slice. The bytes are in host
// order and alias w.
func Bytes(w []uint32) []byte {
	if len(w) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&w[0])), len(w)*4)
}

// Words reinterprets b as 32-bit words without copying. It fails when b is
// not 4-byte aligned or its length is not a multiple of 4.
func Words(b []byte) ([]uint32, bool) {
	if len(b)%4 != 0 || !Aligned(b) {
		return nil, false
	}
	if len(b) == 0 {
		return nil, true
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4), true
}

// Aligned reports whether the first byte of b sits on a 4-byte boundary.
func Aligned(b []byte) bool {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))%4 == 0
}
