// SPDX-License-Identifier: MIT

package models

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ManuGH/vodub/internal/log"
	"github.com/ManuGH/vodub/internal/model"
)

// ProbeMode selects how multi-GPU free memory is aggregated.
type ProbeMode string

const (
	ProbeSum ProbeMode = "sum" // default
	ProbeMax ProbeMode = "max"
)

// CommandRunner abstracts the probe subprocess for tests.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Prober reads free GPU memory via nvidia-smi.
type Prober struct {
	Mode ProbeMode
	Run  CommandRunner // nil means real nvidia-smi
}

// FreeMiB returns the free GPU memory in MiB. A probe failure returns
// (0, err) with kind GPU_PROBE_FAILED; callers treat that as zero memory
// and fall through to the smallest model rather than failing the job.
func (p Prober) FreeMiB(ctx context.Context) (uint64, error) {
	run := p.Run
	if run == nil {
		run = execRunner
	}

	out, err := run(ctx, "nvidia-smi",
		"--query-gpu=memory.free", "--format=csv,noheader,nounits")
	if err != nil {
		return 0, model.WrapE(model.KindGPUProbeFailed, err, "nvidia-smi probe")
	}

	logger := log.WithComponent("models")
	var sum, max uint64
	parsed := false
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		v, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			logger.Warn().
				Str("line", line).
				Msg("unparseable nvidia-smi output line")
			continue
		}
		parsed = true
		sum += v
		if v > max {
			max = v
		}
	}
	if !parsed {
		return 0, model.E(model.KindGPUProbeFailed, "nvidia-smi produced no memory values")
	}

	if p.Mode == ProbeMax {
		return max, nil
	}
	return sum, nil
}
