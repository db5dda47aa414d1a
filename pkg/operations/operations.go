// Package operations implements the named operations served to callers.
package operations

import (
	"fmt"

	"github.com/circuitstudio/backend/pkg/dispatch"
	"github.com/circuitstudio/backend/pkg/jsonrpc"
	"github.com/circuitstudio/backend/pkg/sandbox"
	"github.com/circuitstudio/backend/pkg/session"
)

// Deps are the collaborators shared by the operations.
type Deps struct {
	Version  string
	Sandbox  *sandbox.Sandbox
	Session  *session.Store
	Renderer *Renderer
}

// Register adds every operation to reg. Renderer operations are skipped
// when no renderer is configured.
func Register(reg *dispatch.Registry, deps Deps) error {
	if deps.Sandbox == nil {
		return fmt.Errorf("sandbox is required")
	}
	store := deps.Session
	if store == nil {
		store = session.NewStore()
	}
	ops := []dispatch.Operation{
		Version(deps.Version),
		FsGetRoot(deps.Sandbox),
		FsExists(deps.Sandbox),
		FsListDir(deps.Sandbox),
		FsSetContent(deps.Sandbox),
		StorageSessionGet(store),
		StorageSessionSet(store),
		VolumeParseHeader(deps.Sandbox),
	}
	if deps.Renderer != nil {
		ops = append(ops, deps.Renderer.AddressOperation(), deps.Renderer.ExecOperation())
	}
	for _, op := range ops {
		if err := reg.Register(op); err != nil {
			return err
		}
	}
	return nil
}

// resolve maps sandbox violations onto the OutOfSandbox code.
func resolve(sb *sandbox.Sandbox, path string) (string, error) {
	abs, err := sb.Resolve(path)
	if err != nil {
		return "", dispatch.Fail(jsonrpc.CodeOutOfSandbox, err.Error())
	}
	return abs, nil
}
