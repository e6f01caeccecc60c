package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/gartstein/certoil/internal/certification/storage"
)

// DefaultMaxUploadSize bounds uploaded documents.
const DefaultMaxUploadSize = 10 << 20

const maxFieldSize = 1 << 20

var errNotMultipart = fmt.Errorf("%w: file is required (as multipart/form-data)", e.ErrInvalidInput)

// upload is a parsed multipart request whose file, if any, is staged on disk.
type upload struct {
	fields map[string]string
	file   *storage.Staged
}

func (u *upload) cleanup() {
	if u.file != nil {
		u.file.Remove()
	}
}

// readUpload streams a multipart body, staging the first part named
// fileField. The caller owns the staged file.
func (h *CertificationHandler) readUpload(r *http.Request, fileField string) (*upload, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errNotMultipart
	}

	up := &upload{fields: map[string]string{}}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return up, nil
		}
		if err != nil {
			up.cleanup()
			return nil, fmt.Errorf("%w: malformed multipart body: %v", e.ErrInvalidInput, err)
		}

		if part.FileName() != "" {
			if part.FormName() != fileField || up.file != nil {
				_ = part.Close()
				continue
			}
			limited := &io.LimitedReader{R: part, N: h.maxUpload + 1}
			staged, err := h.files.Stage(limited, part.FileName())
			_ = part.Close()
			if err != nil {
				up.cleanup()
				return nil, err
			}
			up.file = staged
			if limited.N == 0 {
				up.cleanup()
				return nil, fmt.Errorf("%w: limit is %d bytes", errFileTooLarge, h.maxUpload)
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
		_ = part.Close()
		if err != nil {
			up.cleanup()
			return nil, fmt.Errorf("%w: malformed multipart body: %v", e.ErrInvalidInput, err)
		}
		if len(data) > maxFieldSize {
			up.cleanup()
			return nil, fmt.Errorf("%w: field %s", errFileTooLarge, part.FormName())
		}
		up.fields[part.FormName()] = string(data)
	}
}
