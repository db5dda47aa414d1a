// Package nrrd reads the text header of NRRD volume files.
package nrrd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxHeaderBytes bounds how much of a file is inspected.
const MaxHeaderBytes = 1024

// VersionKey holds the magic line's version, e.g. "0004" for "NRRD0004".
const VersionKey = "NRRD version"

var headerTerminators = [][]byte{
	[]byte("\n\n"),
	[]byte("\r\n\r\n"),
	[]byte("\r\r"),
}

// ReadHeader reads at most MaxHeaderBytes from r and parses the header
// fields found before the first blank line.
func ReadHeader(r io.Reader) (map[string]string, error) {
	buf := make([]byte, MaxHeaderBytes)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	return ParseHeader(HeaderBytes(buf[:n])), nil
}

// HeaderBytes returns chunk up to, not including, the first blank line.
// Without a blank line the whole chunk is returned.
func HeaderBytes(chunk []byte) []byte {
	end := len(chunk)
	for _, term := range headerTerminators {
		if i := bytes.Index(chunk, term); i >= 0 && i < end {
			end = i
		}
	}
	return chunk[:end]
}

// ParseHeader splits header into fields. Comment lines start with '#'; lines
// without a colon other than the magic line are ignored.
func ParseHeader(header []byte) map[string]string {
	fields := make(map[string]string)
	lines := strings.FieldsFunc(string(header), func(r rune) bool {
		return r == '\n' || r == '\r'
	})
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "NRRD") {
			fields[VersionKey] = line[len("NRRD"):]
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return fields
}
