package fetcher

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/example/face-similarity/internal/envelope"
)

// MaxUploadSize is the largest accepted upload.
const MaxUploadSize = 20 << 20

const (
	ErrUnsupportedExtension = envelope.ValidationError("unsupported file type: only JPG, JPEG, PNG, GIF, BMP and WEBP files are allowed")
	ErrUploadTooLarge       = envelope.ValidationError("file is too large: at most 20MB is allowed")
	ErrEmptyUpload          = envelope.ValidationError("file is empty")
)

var allowedExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".webp": {},
}

// ValidateUpload checks the name and declared size of an upload before any
// byte is read. A negative size means unknown and is not checked here.
func ValidateUpload(filename string, size int64) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExtensions[ext]; !ok {
		return fmt.Errorf("%w (%q)", ErrUnsupportedExtension, ext)
	}
	if size > MaxUploadSize {
		return ErrUploadTooLarge
	}
	return nil
}

// ReadUpload validates and reads an uploaded file. The size limit is enforced
// again while reading, so a wrong declared size cannot bypass it.
func ReadUpload(filename string, r io.Reader, size int64) ([]byte, error) {
	if err := ValidateUpload(filename, size); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload %s: %w", filename, err)
	}
	if len(data) > MaxUploadSize {
		return nil, ErrUploadTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}
	return data, nil
}
