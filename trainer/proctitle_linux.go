//go:build linux

package trainer

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setProcTitle renames the worker so process listings show which rank a
// process serves. PR_SET_NAME caps the name at 15 bytes plus NUL; the tail
// of longer titles is dropped.
func setProcTitle(title string) {
	b := make([]byte, 16)
	copy(b[:15], title)
	unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
