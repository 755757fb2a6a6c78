// Package sink holds the destinations aggregated records are forwarded to.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cuongbtq/metals-aggregator/internal/aggregator"
)

// Sink types accepted by Open
const (
	TypeStdout = "stdout"
	TypeFile   = "file"
)

// JSONLines writes each record as one JSON object per line
type JSONLines struct {
	w   *bufio.Writer
	enc *json.Encoder
}

// NewJSONLines wraps w
func NewJSONLines(w io.Writer) *JSONLines {
	bw := bufio.NewWriter(w)
	return &JSONLines{w: bw, enc: json.NewEncoder(bw)}
}

// Push encodes record and flushes it so partial runs stay readable
func (s *JSONLines) Push(_ context.Context, record aggregator.Record) error {
	if err := s.enc.Encode(record); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.w.Flush()
}

// Memory keeps records in arrival order
type Memory struct {
	Records []aggregator.Record
}

// Push appends record
func (s *Memory) Push(_ context.Context, record aggregator.Record) error {
	s.Records = append(s.Records, record)
	return nil
}

// Open returns a stream sink for stdout or an append-only file. The closer
// is a no-op for stdout.
func Open(sinkType, path string) (aggregator.Sink, io.Closer, error) {
	switch sinkType {
	case TypeStdout, "":
		return NewJSONLines(os.Stdout), io.NopCloser(nil), nil
	case TypeFile:
		if path == "" {
			return nil, nil, fmt.Errorf("file sink requires a path")
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sink file: %w", err)
		}
		return NewJSONLines(f), f, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sink type %q", sinkType)
	}
}
