//go:build windows

package video

import "golang.org/x/sys/windows"

var winmm = windows.NewLazySystemDLL("winmm.dll")
var procTimeBeginPeriod = winmm.NewProc("timeBeginPeriod")

// RequestTimerResolution asks the OS scheduler for 1 ms timer granularity,
// best-effort, so Pacer's time.Sleep calls land close to their requested
// duration instead of the platform's 10-15 ms default. No-op on failure.
func RequestTimerResolution() {
	procTimeBeginPeriod.Call(uintptr(1))
}
