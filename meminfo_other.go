//go:build !linux

package parallax

// systemMemory returns total system memory in bytes. Without a portable
// probe, assume a reasonable workstation.
func systemMemory() uint64 {
	return defaultSystemMemory
}
