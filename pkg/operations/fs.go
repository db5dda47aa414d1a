package operations

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/circuitstudio/backend/pkg/dispatch"
	"github.com/circuitstudio/backend/pkg/sandbox"
	"github.com/zeebo/blake3"
)

// Operation-scoped codes for the filesystem operations.
const (
	CodePermissionDenied = 2
	CodeUnexpected       = 3
	CodeNotADirectory    = 4
	CodeInvalidBase64    = 5
	CodeWriteFailed      = 6
)

type pathParams struct {
	Path *string `json:"path"`
}

func (p pathParams) require() (string, error) {
	if p.Path == nil {
		return "", dispatch.Fail(CodeUnexpected, `Argument "path" is missing!`)
	}
	return *p.Path, nil
}

// FsGetRoot returns the sandbox root.
func FsGetRoot(sb *sandbox.Sandbox) dispatch.Operation {
	return dispatch.NewFunc("fs-get-root", nil, func(context.Context, json.RawMessage) (any, error) {
		return sb.Root(), nil
	})
}

// ExistsResult is the result of fs-exists.
type ExistsResult struct {
	Type string `json:"type"`
}

// FsExists reports whether a path is a file, a directory, or absent.
func FsExists(sb *sandbox.Sandbox) dispatch.Operation {
	return dispatch.Typed("fs-exists", []string{"path"}, func(_ context.Context, p pathParams) (any, error) {
		raw, err := p.require()
		if err != nil {
			return nil, err
		}
		path, err := resolve(sb, raw)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		switch {
		case err != nil:
			return ExistsResult{Type: "none"}, nil
		case info.IsDir():
			return ExistsResult{Type: "directory"}, nil
		case info.Mode().IsRegular():
			return ExistsResult{Type: "file"}, nil
		default:
			return ExistsResult{Type: "none"}, nil
		}
	})
}

// FileList holds parallel name and size slices.
type FileList struct {
	Names []string `json:"names"`
	Sizes []int64  `json:"sizes"`
}

// ListDirResult is the result of fs-list-dir.
type ListDirResult struct {
	Dirs  []string `json:"dirs"`
	Files FileList `json:"files"`
}

// FsListDir lists the readable subdirectories and the files of a directory.
func FsListDir(sb *sandbox.Sandbox) dispatch.Operation {
	return dispatch.Typed("fs-list-dir", []string{"path"}, func(_ context.Context, p pathParams) (any, error) {
		raw, err := p.require()
		if err != nil {
			return nil, err
		}
		path, err := resolve(sb, raw)
		if err != nil {
			return nil, err
		}
		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			return nil, dispatch.Failf(CodeNotADirectory, "Path not found, or not a directory: %q", path)
		}
		return listDir(path)
	})
}

func listDir(path string) (*ListDirResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, dispatch.Fail(CodePermissionDenied, err.Error())
		}
		return nil, dispatch.Fail(CodeUnexpected, err.Error())
	}

	out := &ListDirResult{
		Dirs:  []string{},
		Files: FileList{Names: []string{}, Sizes: []int64{}},
	}
	for _, entry := range entries {
		full := filepath.Join(path, entry.Name())
		isDir := entry.IsDir()
		if entry.Type()&fs.ModeSymlink != 0 {
			if target, err := os.Stat(full); err == nil {
				isDir = target.IsDir()
			}
		}
		if isDir {
			// Directories the caller cannot open are hidden.
			if _, err := os.ReadDir(full); err == nil {
				out.Dirs = append(out.Dirs, entry.Name())
			}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out.Files.Names = append(out.Files.Names, entry.Name())
		out.Files.Sizes = append(out.Files.Sizes, info.Size())
	}
	return out, nil
}

type setContentParams struct {
	Path    string `json:"path"`
	Base64  bool   `json:"base64"`
	Content string `json:"content"`
}

// SetContentResult is the result of fs-set-content.
type SetContentResult struct {
	Size   int    `json:"size"`
	Blake3 string `json:"blake3"`
}

// FsSetContent writes text or base64-decoded bytes to a file.
func FsSetContent(sb *sandbox.Sandbox) dispatch.Operation {
	return dispatch.Typed("fs-set-content", []string{"path", "base64", "content"}, func(_ context.Context, p setContentParams) (any, error) {
		path, err := resolve(sb, p.Path)
		if err != nil {
			return nil, err
		}
		data := []byte(p.Content)
		if p.Base64 {
			data, err = base64.StdEncoding.DecodeString(p.Content)
			if err != nil {
				return nil, dispatch.Failf(CodeInvalidBase64, "Invalid base64 content: %v", err)
			}
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, dispatch.Fail(CodeWriteFailed, fmt.Sprintf("Unable to write %q: %v", path, err))
		}
		sum := blake3.Sum256(data)
		return SetContentResult{Size: len(data), Blake3: hex.EncodeToString(sum[:])}, nil
	})
}
