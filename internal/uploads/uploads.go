// Package uploads stores uploaded files on local disk. A file's ID is a
// generated name inside the upload directory and doubles as its file name.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"skillora/ingest-service/internal/model"
)

// ErrNotFound is returned for unknown file IDs.
var ErrNotFound = errors.New("file not found")

// ErrTooLarge is returned when an upload exceeds the size limit.
var ErrTooLarge = errors.New("file too large")

// ErrUnsupportedType is returned for extensions the parser cannot read.
var ErrUnsupportedType = errors.New("unsupported file type")

var allowedExt = map[string]bool{".csv": true, ".txt": true, ".xlsx": true, ".xlsm": true}

// Store writes uploads under a single directory.
type Store struct {
	dir     string
	maxSize int64
}

// NewStore creates dir if needed. maxSize <= 0 disables the limit.
func NewStore(dir string, maxSize int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &Store{dir: dir, maxSize: maxSize}, nil
}

// Dir is the upload directory.
func (s *Store) Dir() string { return s.dir }

// Save copies r into a new file named after a fresh ID that keeps the
// extension of name.
func (s *Store) Save(name, contentType string, r io.Reader) (model.FileReference, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExt[ext] {
		return model.FileReference{}, fmt.Errorf("%w %q", ErrUnsupportedType, ext)
	}

	id := uuid.NewString() + ext
	path := filepath.Join(s.dir, id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return model.FileReference{}, fmt.Errorf("create %s: %w", path, err)
	}

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxSize > 0 && n > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return model.FileReference{}, err
		}
		return model.FileReference{}, fmt.Errorf("write %s: %w", path, err)
	}

	return model.FileReference{ID: id, Path: path, Size: n, ContentType: contentType}, nil
}

// Get resolves id to a file reference.
func (s *Store) Get(id string) (model.FileReference, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return model.FileReference{}, ErrNotFound
	}
	path := filepath.Join(s.dir, id)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return model.FileReference{}, ErrNotFound
	}
	if err != nil {
		return model.FileReference{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return model.FileReference{}, ErrNotFound
	}
	return model.FileReference{ID: id, Path: path, Size: info.Size()}, nil
}
