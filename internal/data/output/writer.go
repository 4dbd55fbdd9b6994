// Package output writes converted feature records as chunked JSON files.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	domainErrors "citystid/internal/core/errors"
	"citystid/internal/engine/feature"
)

const (
	DefaultChunkSize = 50
	DefaultSuffix    = "_stid"
)

// Writer lays out records as <Dir>/<safe name>_part<N>.json with at most
// ChunkSize records per file.
type Writer struct {
	Dir       string
	ChunkSize int
	Suffix    string
}

// Result lists the chunk files written for one input.
type Result struct {
	Paths        []string
	StaleRemoved int
}

type entry struct {
	ID         string             `json:"id"`
	STIDSet    []string           `json:"stid_set"`
	Attributes feature.Attributes `json:"attributes"`
}

var separators = strings.NewReplacer("/", "_", "\\", "_")

// SafeName flattens an input path into a file name stem.
func SafeName(name, suffix string) string {
	return separators.Replace(name) + suffix
}

func (w Writer) chunkSize() int {
	if w.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return w.ChunkSize
}

func (w Writer) stem(name string) string {
	suffix := w.Suffix
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return SafeName(name, suffix)
}

// ChunkPath returns the path of part (1-based) for name.
func (w Writer) ChunkPath(name string, part int) string {
	return filepath.Join(w.Dir, fmt.Sprintf("%s_part%d.json", w.stem(name), part))
}

// Write replaces the chunks for name with records. Every chunk is encoded and
// written to a temp file before any is renamed into place, so an encode or
// write failure leaves the previous chunks untouched. A failed rename is not
// rolled back: parts renamed before it already hold the new records.
func (w Writer) Write(name string, records []feature.Record) (Result, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return Result{}, writeError(err, w.Dir, "create output directory")
	}

	size := w.chunkSize()
	var temps []string
	cleanup := func() {
		for _, tmp := range temps {
			_ = os.Remove(tmp)
		}
	}

	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		data, err := encodeChunk(records[start:end])
		if err != nil {
			cleanup()
			return Result{}, writeError(err, name, "encode chunk")
		}
		tmp, err := writeTemp(w.Dir, w.stem(name), data)
		if err != nil {
			cleanup()
			return Result{}, writeError(err, w.Dir, "write chunk")
		}
		temps = append(temps, tmp)
	}

	res := Result{Paths: make([]string, 0, len(temps))}
	for i, tmp := range temps {
		final := w.ChunkPath(name, i+1)
		if err := os.Rename(tmp, final); err != nil {
			temps = temps[i:]
			cleanup()
			return Result{}, writeError(err, final, "replace chunk")
		}
		res.Paths = append(res.Paths, final)
	}

	removed, err := w.removeStale(name, len(temps))
	if err != nil {
		return res, writeError(err, w.Dir, "remove stale chunks")
	}
	res.StaleRemoved = removed
	return res, nil
}

// Exists reports whether the first chunk for name is present.
func (w Writer) Exists(name string) bool {
	info, err := os.Stat(w.ChunkPath(name, 1))
	return err == nil && info.Mode().IsRegular()
}

func (w Writer) removeStale(name string, keep int) (int, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return 0, err
	}
	prefix := w.stem(name) + "_part"
	removed := 0
	for _, e := range entries {
		fileName := e.Name()
		if e.IsDir() || !strings.HasPrefix(fileName, prefix) || !strings.HasSuffix(fileName, ".json") {
			continue
		}
		part, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fileName, prefix), ".json"))
		if err != nil || part <= keep {
			continue
		}
		if err := os.Remove(filepath.Join(w.Dir, fileName)); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// encodeChunk renders records as an object keyed by sequence number, in
// sequence order.
func encodeChunk(records []feature.Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, rec := range records {
		if i > 0 {
			buf.WriteString(",")
		}
		value, err := json.MarshalIndent(entry{
			ID:         rec.ID,
			STIDSet:    rec.Footprint.Strings(),
			Attributes: rec.Attributes,
		}, "  ", "  ")
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "\n  %q: ", strconv.Itoa(rec.Seq))
		buf.Write(value)
	}
	if len(records) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func writeTemp(dir, stem string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "."+stem+"-*.tmp")
	if err != nil {
		return "", err
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func writeError(err error, path, msg string) error {
	return domainErrors.AddContext(
		domainErrors.Wrap(err, domainErrors.CodeOutputWrite, msg),
		domainErrors.CtxPath, path)
}
