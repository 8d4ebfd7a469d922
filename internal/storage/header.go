// Handles the self-describing header line of a table file.

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/goccy/go-json"
)

// currentVersion is the current version of the table file format.
const currentVersion = "1.0"

var errNoHeader = errors.New("missing header line")

// Serializer names the encoding of the payload.
type Serializer string

const (
	JSON Serializer = "json"
	BSON Serializer = "bson"
)

// Serializers lists the supported serializers.
var Serializers = []Serializer{JSON, BSON}

// Valid reports whether s is supported.
func (s Serializer) Valid() bool {
	return slices.Contains(Serializers, s)
}

// Compression names the compression applied to the serialized payload.
type Compression string

const (
	None   Compression = "none"
	Gzip   Compression = "gzip"
	Brotli Compression = "brotli"
	Zstd   Compression = "zstd"
	Snappy Compression = "snappy"
)

// Compressions lists the supported compression algorithms.
var Compressions = []Compression{None, Gzip, Brotli, Zstd, Snappy}

// Valid reports whether c is supported.
func (c Compression) Valid() bool {
	return slices.Contains(Compressions, c)
}

// Column describes one field of the stored records.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Header is the first line of a table file.
type Header struct {
	Version     string      `json:"version"`
	Serializer  Serializer  `json:"serializer"`
	Compression Compression `json:"compression"`
	Columns     []Column    `json:"columns"`
}

// Validate checks that the header is well-formed and supported.
func (h *Header) Validate() error {
	if h.Version != currentVersion {
		return fmt.Errorf("unsupported version %q", h.Version)
	}
	if !h.Serializer.Valid() {
		return fmt.Errorf("unsupported serializer %q", h.Serializer)
	}
	if !h.Compression.Valid() {
		return fmt.Errorf("unsupported compression %q", h.Compression)
	}
	for i, col := range h.Columns {
		if col.Name == "" {
			return fmt.Errorf("column %d: name is required", i)
		}
		if col.Type == "" {
			return fmt.Errorf("column %d: type is required", i)
		}
	}
	return nil
}

// splitHeader parses the header line of data and returns the remaining bytes.
func splitHeader(data []byte) (Header, []byte, error) {
	line, rest, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return Header{}, nil, errNoHeader
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return Header{}, nil, fmt.Errorf("failed to parse header: %w", err)
	}
	if err := h.Validate(); err != nil {
		return Header{}, nil, fmt.Errorf("invalid header: %w", err)
	}
	return h, rest, nil
}
