// Package storage keeps certified documents on the local filesystem.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const stagingDir = ".staging"

// FileStore saves documents as <companyId>_<certId>_<unixMillis><ext> under
// its root directory.
type FileStore struct {
	root   string
	logger *zap.Logger
	now    func() time.Time
}

// Staged is an upload held in a temporary file until the request ends.
type Staged struct {
	Filename string
	Path     string
	Size     int64
	logger   *zap.Logger
}

func NewFileStore(root string, logger *zap.Logger) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("upload directory is required")
	}
	if err := os.MkdirAll(filepath.Join(root, stagingDir), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &FileStore{
		root:   root,
		logger: logger.Named("file_store"),
		now:    time.Now,
	}, nil
}

// Stage copies r into a temporary file. The caller must Remove it.
func (s *FileStore) Stage(r io.Reader, filename string) (*Staged, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, stagingDir), "upload-"+uuid.NewString()+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage upload: %w", err)
	}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(f.Name())
		if copyErr != nil {
			return nil, fmt.Errorf("failed to stage upload: %w", copyErr)
		}
		return nil, fmt.Errorf("failed to stage upload: %w", closeErr)
	}
	return &Staged{
		Filename: filepath.Base(filename),
		Path:     f.Name(),
		Size:     n,
		logger:   s.logger,
	}, nil
}

// Save copies a staged upload to its permanent name and returns the path.
func (s *FileStore) Save(companyID, certificationID uuid.UUID, staged *Staged) (string, error) {
	name := fmt.Sprintf("%s_%s_%d%s", companyID, certificationID, s.now().UnixMilli(),
		strings.ToLower(filepath.Ext(staged.Filename)))
	dst := filepath.Join(s.root, name)

	src, err := staged.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create document file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("failed to write document file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("failed to write document file: %w", err)
	}
	return dst, nil
}

// Remove deletes a saved document. A missing file is not an error.
func (s *FileStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove document", zap.String("path", path), zap.Error(err))
		return err
	}
	return nil
}

func (st *Staged) Open() (io.ReadCloser, error) {
	f, err := os.Open(st.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open staged upload: %w", err)
	}
	return f, nil
}

// Remove deletes the temporary file. It is safe to call more than once.
func (st *Staged) Remove() {
	if err := os.Remove(st.Path); err != nil && !os.IsNotExist(err) && st.logger != nil {
		st.logger.Warn("Failed to remove staged upload", zap.String("path", st.Path), zap.Error(err))
	}
}
