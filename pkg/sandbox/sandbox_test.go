package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		root    string
		want    string
		wantErr bool
	}{
		{name: "root itself", path: "/data", root: "/data", want: "/data"},
		{name: "root with trailing separator", path: "/data/", root: "/data", want: "/data"},
		{name: "trailing separator on root", path: "/data", root: "/data/", want: "/data"},
		{name: "nested file", path: "/data/a/b.nrrd", root: "/data", want: "/data/a/b.nrrd"},
		{name: "dot segments inside", path: "/data/a/../b", root: "/data", want: "/data/b"},
		{name: "traversal out", path: "/root/../etc/passwd", root: "/root", wantErr: true},
		{name: "parent", path: "/data/..", root: "/data", wantErr: true},
		{name: "sibling sharing prefix", path: "/data2/x", root: "/data", wantErr: true},
		{name: "unrelated", path: "/etc", root: "/data", wantErr: true},
		{name: "dotdot-named child", path: "/data/..hidden", root: "/data", want: "/data/..hidden"},
		{name: "filesystem root sandbox", path: "/anything/at/all", root: "/", want: "/anything/at/all"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.path, tt.root)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Resolve(%q, %q) = %q, want error", tt.path, tt.root, got)
				}
				if !errors.Is(err, ErrOutOfSandbox) {
					t.Fatalf("error %v does not wrap ErrOutOfSandbox", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q, %q) error = %v", tt.path, tt.root, err)
			}
			if got != tt.want {
				t.Fatalf("Resolve(%q, %q) = %q, want %q", tt.path, tt.root, got, tt.want)
			}
		})
	}
}

func TestResolveErrorCarriesNormalizedPath(t *testing.T) {
	_, err := Resolve("/root/../etc/passwd", "/root")
	var sbErr *Error
	if !errors.As(err, &sbErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if sbErr.Path != "/etc/passwd" {
		t.Errorf("Path = %q, want /etc/passwd", sbErr.Path)
	}
	if sbErr.Root != "/root" {
		t.Errorf("Root = %q, want /root", sbErr.Root)
	}
}

func TestRelativePathsUseWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	sb, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := sb.Resolve("sub/file.txt")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want, _ := filepath.Abs("sub/file.txt")
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
	if sb.Contains("../escape") {
		t.Error("Contains(../escape) = true, want false")
	}
}

func TestNewRejectsEmptyRoot(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestIsFilesystemRoot(t *testing.T) {
	if !IsFilesystemRoot("/") {
		t.Error("IsFilesystemRoot(/) = false")
	}
	if IsFilesystemRoot("/data") {
		t.Error("IsFilesystemRoot(/data) = true")
	}
}
