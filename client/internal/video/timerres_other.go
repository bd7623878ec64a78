//go:build !windows

package video

// RequestTimerResolution is a no-op outside Windows: Linux and macOS
// scheduler tick resolution is already fine enough for Pacer's spin-wait
// tail to compensate.
func RequestTimerResolution() {}
