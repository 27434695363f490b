// SPDX-License-Identifier: MIT

//go:build windows

package power

import (
	"fmt"
	"syscall"
)

const (
	esContinuous     = 0x80000000
	esSystemRequired = 0x00000001
)

var (
	kernel32                    = syscall.NewLazyDLL("kernel32.dll")
	procSetThreadExecutionState = kernel32.NewProc("SetThreadExecutionState")
)

func inhibitSleep(on bool) error {
	flags := uintptr(esContinuous)
	if on {
		flags |= esSystemRequired
	}
	ret, _, err := procSetThreadExecutionState.Call(flags)
	if ret == 0 {
		return fmt.Errorf("SetThreadExecutionState: %w", err)
	}
	return nil
}
