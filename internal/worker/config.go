// SPDX-License-Identifier: MIT

package worker

import (
	"encoding/json"
	"os"

	"github.com/ManuGH/vodub/internal/model"
)

// Envelope is embedded in every worker config. Workers must respect
// OutputDir and tag their progress lines with ProgressTag.
type Envelope struct {
	OutputDir   string `json:"output_dir"`
	ProgressTag string `json:"progress_tag"`
}

// WriteConfig marshals a worker config to a temp JSON file and returns its
// path. The caller removes the file on worker success; failures keep it
// around for diagnostics, bounded by the runner deleting on the next
// successful run of the same stage.
func WriteConfig(v any) (string, error) {
	f, err := os.CreateTemp("", "vodub-worker-*.json")
	if err != nil {
		return "", model.WrapE(model.KindWorkerSpawnFailed, err, "create worker config")
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", model.WrapE(model.KindWorkerSpawnFailed, err, "encode worker config")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", model.WrapE(model.KindWorkerSpawnFailed, err, "close worker config")
	}
	return f.Name(), nil
}
