package hclgraph

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/exp/mmap"
)

// dataRef is the data_file, data_offset and data_length attributes of a node block.
type dataRef struct {
	file   string
	offset int64
	// length 0 means the size of the constant.
	length int64
}

func (ref dataRef) String() string {
	return fmt.Sprintf("%q at offset %d", ref.file, ref.offset)
}

// weightFiles serves constant payloads from files next to the graph description. Each file is
// mapped once, on first use, since all the constants of a model are usually packed in one file.
type weightFiles struct {
	dir string

	mu     sync.Mutex
	mapped map[string]*mmap.ReaderAt
	closed bool
}

func newWeightFiles(dir string) *weightFiles {
	return &weightFiles{dir: dir, mapped: make(map[string]*mmap.ReaderAt)}
}

// resolve returns the path of file, which must stay inside the description's directory.
func (w *weightFiles) resolve(file string) (string, error) {
	if w.dir == "" {
		return "", errors.Errorf("data_file %q: descriptions parsed without a directory cannot reference data files", file)
	}
	if filepath.IsAbs(file) {
		return "", errors.Errorf("data_file %q must be relative to the description", file)
	}
	path := filepath.Join(w.dir, file)
	if rel, err := filepath.Rel(w.dir, path); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("data_file %q points outside of %s", file, w.dir)
	}
	return path, nil
}

func (w *weightFiles) open(file string) (*mmap.ReaderAt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errors.Errorf("data_file %q: weight files already released", file)
	}
	if m, found := w.mapped[file]; found {
		return m, nil
	}
	path, err := w.resolve(file)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "data_file %q: cannot map", file)
	}
	w.mapped[file] = m
	return m, nil
}

// load fills dst, the raw bytes of a constant tensor, from ref.
func (w *weightFiles) load(ref dataRef, dst []byte) error {
	if ref.length > 0 && ref.length != int64(len(dst)) {
		return errors.Errorf("data_file %s: data_length is %d bytes, the constant takes %d", ref, ref.length, len(dst))
	}
	m, err := w.open(ref.file)
	if err != nil {
		return err
	}
	if end := ref.offset + int64(len(dst)); ref.offset < 0 || end > int64(m.Len()) {
		return errors.Errorf("data_file %s: needs bytes [%d, %d) but the file has %d", ref, ref.offset, end, m.Len())
	}
	if _, err := m.ReadAt(dst, ref.offset); err != nil && err != io.EOF {
		return errors.Wrapf(err, "data_file %s", ref)
	}
	return nil
}

// Close unmaps every file.
func (w *weightFiles) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var err error
	for file, m := range w.mapped {
		if closeErr := m.Close(); closeErr != nil {
			err = multierr.Append(err, errors.Wrapf(closeErr, "data_file %q", file))
		}
	}
	w.mapped = nil
	w.closed = true
	return err
}
