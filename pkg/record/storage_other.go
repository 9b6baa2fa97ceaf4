//go:build !linux

package record

// freeDiskBytes is unavailable off Linux; status reports 0 for unknown.
func freeDiskBytes(string) int64 { return 0 }
