// Package uploads validates incoming image files and keeps them on disk.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxBytes is the default upload limit (16 MiB).
const DefaultMaxBytes int64 = 16 << 20

var (
	// ErrUnsupportedFileType is returned for files outside the image allow-list.
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrFileTooLarge is returned for files above the size limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrMissingFile is returned when a request carries no file.
	ErrMissingFile = errors.New("no file provided")
	// ErrInvalidName is returned for stored names that could escape the directory.
	ErrInvalidName = errors.New("invalid file name")
)

var allowedTypes = map[string]struct{}{
	"image/jpeg":     {},
	"image/jpg":      {},
	"image/pjpeg":    {},
	"image/png":      {},
	"image/bmp":      {},
	"image/x-bmp":    {},
	"image/x-ms-bmp": {},
	"image/tiff":     {},
	"image/gif":      {},
	"image/webp":     {},
}

// allowedExtensions maps each accepted extension to the type it is served as.
var allowedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// sniffedExtensions maps http.DetectContentType results to a stored extension.
var sniffedExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
	"image/webp": ".webp",
}

// CheckType accepts a declared content type in the allow-list. When the type
// is missing or generic (application/octet-stream), the file extension
// decides instead. A file name carrying an extension outside the allow-list
// is rejected whatever the declared type.
func CheckType(contentType, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" {
		if _, ok := allowedExtensions[ext]; !ok {
			return fmt.Errorf("%w: %q", ErrUnsupportedFileType, filename)
		}
	}

	mediaType := ""
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return fmt.Errorf("%w: malformed content type %q", ErrUnsupportedFileType, contentType)
		}
		mediaType = strings.ToLower(mt)
	}

	if mediaType != "" && mediaType != "application/octet-stream" {
		if _, ok := allowedTypes[mediaType]; !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedFileType, mediaType)
		}
		return nil
	}

	if ext == "" {
		return fmt.Errorf("%w: %q has no extension", ErrUnsupportedFileType, filename)
	}
	return nil
}

// ContentType returns the image type a stored name is served as. Names
// without an image extension report false.
func ContentType(name string) (string, bool) {
	ct, ok := allowedExtensions[strings.ToLower(filepath.Ext(name))]
	return ct, ok
}

// storedName sanitizes originalName and makes sure it ends in an image
// extension, sniffed from data when the client name lacks one.
func storedName(originalName string, data []byte) string {
	name := SanitizeName(originalName)
	if _, ok := ContentType(name); ok {
		return name
	}
	ext, ok := sniffedExtensions[http.DetectContentType(data)]
	if !ok {
		ext = ".img"
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ext
}

// CheckSize rejects sizes above maxBytes (<= 0 uses DefaultMaxBytes).
func CheckSize(size, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if size > maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrFileTooLarge, size, maxBytes)
	}
	return nil
}

// ReadPart validates a multipart file's type and declared size, then reads
// at most maxBytes+1 bytes of it.
func ReadPart(fh *multipart.FileHeader, maxBytes int64) ([]byte, error) {
	if fh == nil {
		return nil, ErrMissingFile
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := CheckType(fh.Header.Get("Content-Type"), fh.Filename); err != nil {
		return nil, err
	}
	if err := CheckSize(fh.Size, maxBytes); err != nil {
		return nil, err
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if err := CheckSize(int64(len(data)), maxBytes); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrMissingFile)
	}
	return data, nil
}

// SanitizeName reduces a client file name to a safe base name made of
// letters, digits, dots, hyphens and underscores.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b.WriteRune(c)
		case c == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "upload"
	}
	if len(out) > 100 {
		ext := filepath.Ext(out)
		if len(ext) > 10 {
			ext = ""
		}
		out = out[:100-len(ext)] + ext
	}
	return out
}

// Dir stores uploads under a root directory.
type Dir struct {
	root string
	now  func() time.Time
}

// NewDir creates root if needed.
func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("upload directory cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &Dir{root: root, now: time.Now}, nil
}

// Root returns the storage directory.
func (d *Dir) Root() string {
	return d.root
}

// Save writes data under a unique name of the form
// YYYYMMDD_HHMMSS_<8 hex>_<sanitized original name> and returns that name.
// The stored name always ends in an image extension.
func (d *Dir) Save(originalName string, data []byte) (string, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := fmt.Sprintf("%s_%s_%s", d.now().Format("20060102_150405"), id, storedName(originalName, data))

	path := filepath.Join(d.root, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return name, nil
}

// Path resolves a stored name to its full path.
func (d *Dir) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(d.root, name), nil
}

// Remove deletes a stored upload. Removing a missing file is not an error.
func (d *Dir) Remove(name string) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}

// RemoveOlderThan deletes stored uploads last modified before cutoff and
// returns how many were removed.
func (d *Dir) RemoveOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, fmt.Errorf("read upload directory: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := d.Remove(e.Name()); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
