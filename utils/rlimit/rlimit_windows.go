//go:build windows

package rlimit

// On unix, we need to raise the limit on the number of open files.
// Nothing similar seems to be required on windows, so this is a no-op.
func Raise() {
}
