// SPDX-License-Identifier: MIT

// Package power keeps the machine awake while dubbing jobs run. Only
// Windows has an implementation; elsewhere the inhibitor is a no-op.
package power

import (
	"sync"

	"github.com/ManuGH/vodub/internal/log"
)

// Inhibitor is a reference-counted sleep inhibitor. The platform hook is
// engaged on the first acquire and released on the last release.
type Inhibitor struct {
	mu    sync.Mutex
	count int
}

// Acquire increments the reference count, engaging the platform hook on the
// first holder.
func (i *Inhibitor) Acquire() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.count++
	if i.count == 1 {
		logger := log.WithComponent("power")
		if err := inhibitSleep(true); err != nil {
			logger.Warn().Err(err).Msg("could not inhibit system sleep")
			return
		}
		logger.Debug().Msg("system sleep inhibited")
	}
}

// Release decrements the reference count, releasing the platform hook with
// the last holder. Releasing an unheld inhibitor is a no-op.
func (i *Inhibitor) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.count == 0 {
		return
	}
	i.count--
	if i.count == 0 {
		logger := log.WithComponent("power")
		if err := inhibitSleep(false); err != nil {
			logger.Warn().Err(err).Msg("could not restore sleep policy")
			return
		}
		logger.Debug().Msg("system sleep restored")
	}
}
