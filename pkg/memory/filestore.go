package memory

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileFormat selects how a FileStore serialises its namespaces to disk.
type FileFormat string

const (
	FileFormatJSON FileFormat = "json"
	FileFormatCSV  FileFormat = "csv"
)

// FileStore is a Store backend that persists to a single file, loaded
// once at construction and rewritten after every mutating call (§4.7
// "file" mode). It delegates the in-process bookkeeping to a MemStore
// and adds load/flush around it, so the two backends stay
// bit-for-bit consistent on read semantics.
type FileStore struct {
	mem    *MemStore
	path   string
	format FileFormat
}

// NewFileStore loads path (if it exists) into a new FileStore using
// format, inferring the format from the file extension when format is
// empty (".csv" => csv, anything else => json).
func NewFileStore(path string, format FileFormat) (*FileStore, error) {
	if format == "" {
		if filepath.Ext(path) == ".csv" {
			format = FileFormatCSV
		} else {
			format = FileFormatJSON
		}
	}
	fs := &FileStore{mem: NewMemStore(), path: path, format: format}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("memory: read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	switch f.format {
	case FileFormatCSV:
		return f.loadCSV(data)
	default:
		return f.loadJSON(data)
	}
}

func (f *FileStore) loadJSON(data []byte) error {
	var doc map[string]map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("memory: parse %s: %w", f.path, err)
	}
	f.mem.data = doc
	return nil
}

func (f *FileStore) loadCSV(data []byte) error {
	r := csv.NewReader(bytes.NewReader(data))
	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("memory: parse %s: %w", f.path, err)
	}
	for _, rec := range records {
		if len(rec) != 3 {
			continue
		}
		ns, key, encoded := rec[0], rec[1], rec[2]
		var v interface{}
		if err := json.Unmarshal([]byte(encoded), &v); err != nil {
			v = encoded
		}
		f.mem.bucket(ns)[key] = v
	}
	return nil
}

func (f *FileStore) flush() error {
	var data []byte
	var err error
	switch f.format {
	case FileFormatCSV:
		data, err = f.dumpCSV()
	default:
		data, err = json.MarshalIndent(f.mem.data, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("memory: encode %s: %w", f.path, err)
	}
	if dir := filepath.Dir(f.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("memory: mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("memory: write %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStore) dumpCSV() ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	for ns, bucket := range f.mem.data {
		for key, v := range bucket {
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			if err := w.Write([]string{ns, key, string(encoded)}); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *FileStore) Get(ctx context.Context, ns, key string) (interface{}, bool, error) {
	return f.mem.Get(ctx, ns, key)
}

func (f *FileStore) Set(ctx context.Context, ns, key string, value interface{}) error {
	f.mem.mu.Lock()
	f.mem.bucket(ns)[key] = value
	f.mem.mu.Unlock()
	return f.flush()
}

func (f *FileStore) Append(ctx context.Context, ns, key string, value interface{}) error {
	if err := f.mem.Append(ctx, ns, key, value); err != nil {
		return err
	}
	return f.flush()
}

func (f *FileStore) Increment(ctx context.Context, ns, key string, amount float64) (float64, error) {
	total, err := f.mem.Increment(ctx, ns, key, amount)
	if err != nil {
		return 0, err
	}
	return total, f.flush()
}

func (f *FileStore) Delete(ctx context.Context, ns, key string) error {
	if err := f.mem.Delete(ctx, ns, key); err != nil {
		return err
	}
	return f.flush()
}

func (f *FileStore) Clear(ctx context.Context, ns string) error {
	if err := f.mem.Clear(ctx, ns); err != nil {
		return err
	}
	return f.flush()
}

func (f *FileStore) List(ctx context.Context, ns string) ([]string, error) {
	return f.mem.List(ctx, ns)
}

func (f *FileStore) GetAll(ctx context.Context, ns string) (map[string]interface{}, error) {
	return f.mem.GetAll(ctx, ns)
}

func (f *FileStore) Has(ctx context.Context, ns, key string) (bool, error) {
	return f.mem.Has(ctx, ns, key)
}

func (f *FileStore) Close() error { return nil }
