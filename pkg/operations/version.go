package operations

import (
	"context"
	"encoding/json"

	"github.com/circuitstudio/backend/pkg/dispatch"
)

// VersionResult is the result of version.
type VersionResult struct {
	Version string `json:"version"`
}

// Version reports the backend version.
func Version(version string) dispatch.Operation {
	return dispatch.NewFunc("version", nil, func(context.Context, json.RawMessage) (any, error) {
		return VersionResult{Version: version}, nil
	})
}
