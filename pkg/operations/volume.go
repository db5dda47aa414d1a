package operations

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/circuitstudio/backend/pkg/dispatch"
	"github.com/circuitstudio/backend/pkg/nrrd"
	"github.com/circuitstudio/backend/pkg/sandbox"
)

// CodeFileNotFound is returned by volume-parse-header for a missing file.
const CodeFileNotFound = 1

// VolumeParseHeader returns the header fields of an NRRD file.
func VolumeParseHeader(sb *sandbox.Sandbox) dispatch.Operation {
	return dispatch.Typed("volume-parse-header", []string{"path"}, func(_ context.Context, p pathParams) (any, error) {
		raw, err := p.require()
		if err != nil {
			return nil, err
		}
		path, err := resolve(sb, raw)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, dispatch.Failf(CodeFileNotFound, "File not found: %q", path)
			}
			return nil, err
		}
		defer f.Close()
		return nrrd.ReadHeader(f)
	})
}
