package nrrd

import (
	"bytes"
	"strings"
	"testing"
)

func TestHeaderBytesBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		want  string
	}{
		{"lf", "NRRD0004\ntype: float\n\nBINARY", "NRRD0004\ntype: float"},
		{"crlf", "NRRD0004\r\ntype: float\r\n\r\nBINARY", "NRRD0004\r\ntype: float"},
		{"cr", "NRRD0004\rtype: float\r\rBINARY", "NRRD0004\rtype: float"},
		{"no terminator", "NRRD0004\ntype: float\n", "NRRD0004\ntype: float\n"},
		{"earliest wins", "a: 1\r\rb: 2\n\nc: 3", "a: 1"},
		{"terminator first", "\n\nrest", ""},
		{"single crlf is not a boundary", "a: 1\r\nb: 2", "a: 1\r\nb: 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(HeaderBytes([]byte(tt.chunk)))
			if got != tt.want {
				t.Errorf("HeaderBytes(%q) = %q, want %q", tt.chunk, got, tt.want)
			}
		})
	}
}

func TestReadHeader(t *testing.T) {
	raw := "NRRD0004\n" +
		"# Complete NRRD file format specification at:\n" +
		"type: unsigned char\n" +
		"dimension: 3\n" +
		"sizes:  64 64 32 \n" +
		"space directions: (1,0,0) (0,1,0) (0,0,1)\n" +
		"encoding: raw\n" +
		"\n" +
		"\x00\x01\x02binary: payload"

	fields, err := ReadHeader(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	want := map[string]string{
		"NRRD version":     "0004",
		"type":             "unsigned char",
		"dimension":        "3",
		"sizes":            "64 64 32",
		"space directions": "(1,0,0) (0,1,0) (0,0,1)",
		"encoding":         "raw",
	}
	if len(fields) != len(want) {
		t.Fatalf("ReadHeader() = %v, want %v", fields, want)
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%q] = %q, want %q", k, fields[k], v)
		}
	}
}

func TestReadHeaderOnlyInspectsFirstKilobyte(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("NRRD0005\n")
	buf.WriteString("# " + strings.Repeat("x", MaxHeaderBytes) + "\n")
	buf.WriteString("type: float\n")

	fields, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if _, ok := fields["type"]; ok {
		t.Error("field beyond the first kilobyte should not be parsed")
	}
	if fields[VersionKey] != "0005" {
		t.Errorf("version = %q, want 0005", fields[VersionKey])
	}
}

func TestReadHeaderEmpty(t *testing.T) {
	fields, err := ReadHeader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("ReadHeader(empty) = %v, want no fields", fields)
	}
}

func TestParseHeaderSkipsLinesWithoutColon(t *testing.T) {
	fields := ParseHeader([]byte("NRRD0004\r\ngarbage line\r\nkind: domain"))
	if len(fields) != 2 || fields["kind"] != "domain" {
		t.Errorf("ParseHeader() = %v", fields)
	}
}
