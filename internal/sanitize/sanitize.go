// Package sanitize admits uploads into the content store. It refuses
// executables and scripts, enforces the size ceiling, and hashes the bytes
// while they stream to storage.
package sanitize

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"file-relay/internal/content"
	"file-relay/internal/metrics"
	"file-relay/internal/registry"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrInvalidUpload   = errors.New("invalid upload")
)

// DefaultMaxFileSize is 25 MiB.
const DefaultMaxFileSize int64 = 25 << 20

const (
	// sniffLen matches the default read limit of mimetype.Detect.
	sniffLen    = 3072
	maxExtLen   = 10
	maxNameLen  = 255
	unnamedFile = "unnamed"
)

// Rejection reasons, as exported in metrics.
const (
	reasonExtension  = "extension"
	reasonMimeType   = "mime_type"
	reasonExecutable = "executable"
	reasonTooLarge   = "too_large"
	reasonInvalid    = "invalid"
)

// Upload is an inbound file as the transport layer hands it over.
type Upload struct {
	// Name is the client supplied file name; display only.
	Name string
	// MimeType is the declared Content-Type of the part.
	MimeType string
	// Size is the declared length, or <= 0 when unknown.
	Size int64
	Body io.Reader
}

// Options configures a Sanitizer.
type Options struct {
	MaxFileSize      int64
	AllowedMimeTypes []string
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// Sanitizer validates uploads and writes accepted bytes to a content.Store.
type Sanitizer struct {
	store   content.Store
	maxSize int64
	allowed map[string]bool
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(store content.Store, opts Options) *Sanitizer {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if len(opts.AllowedMimeTypes) == 0 {
		opts.AllowedMimeTypes = DefaultAllowedMimeTypes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(opts.AllowedMimeTypes))
	for _, t := range opts.AllowedMimeTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return &Sanitizer{
		store:   store,
		maxSize: opts.MaxFileSize,
		allowed: allowed,
		log:     opts.Logger.Named("sanitize"),
		metrics: opts.Metrics,
	}
}

// MaxFileSize reports the configured ceiling.
func (s *Sanitizer) MaxFileSize() int64 {
	return s.maxSize
}

// Sanitize validates up and, if it passes, stores its bytes under a fresh
// random key. The returned descriptor is ready for registry.Create. Any
// bytes written for a rejected upload are removed on a best-effort basis.
func (s *Sanitizer) Sanitize(ctx context.Context, up Upload) (registry.NewFile, error) {
	if up.Body == nil {
		return s.reject(reasonInvalid, fmt.Errorf("%w: missing body", ErrInvalidUpload))
	}

	name := CleanName(up.Name)
	if deniedName(name) {
		return s.reject(reasonExtension, fmt.Errorf("%w: extension not allowed", ErrUnsupportedType))
	}

	mimeType, err := s.checkMimeType(up.MimeType)
	if err != nil {
		return s.reject(reasonMimeType, err)
	}

	if up.Size > s.maxSize {
		return s.reject(reasonTooLarge, fmt.Errorf("%w: declared %d bytes, limit %d", ErrTooLarge, up.Size, s.maxSize))
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(up.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return s.reject(reasonInvalid, fmt.Errorf("%w: read body: %v", ErrInvalidUpload, err))
	}
	head = head[:n]
	if n == 0 {
		return s.reject(reasonInvalid, fmt.Errorf("%w: empty file", ErrInvalidUpload))
	}

	if hasExecutableMagic(head) {
		return s.reject(reasonExecutable, fmt.Errorf("%w: executable content", ErrUnsupportedType))
	}
	if detected, blocked := blockedType(head); blocked {
		return s.reject(reasonExecutable, fmt.Errorf("%w: detected %s", ErrUnsupportedType, detected))
	}

	key := newStorageKey(name)
	hasher := sha256.New()
	body := &limitedReader{r: io.MultiReader(bytes.NewReader(head), up.Body), remaining: s.maxSize}

	written, err := s.store.Put(ctx, key, io.TeeReader(body, hasher))
	if body.exceeded {
		s.discard(key)
		return s.reject(reasonTooLarge, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, s.maxSize))
	}
	if err != nil {
		s.discard(key)
		return registry.NewFile{}, fmt.Errorf("store upload: %w", err)
	}
	if up.Size > 0 && written != up.Size {
		s.discard(key)
		return s.reject(reasonInvalid, fmt.Errorf("%w: declared %d bytes, received %d", ErrInvalidUpload, up.Size, written))
	}

	return registry.NewFile{
		OriginalName: name,
		StorageKey:   key,
		MimeType:     mimeType,
		SizeBytes:    written,
		ContentHash:  hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func (s *Sanitizer) checkMimeType(declared string) (string, error) {
	if strings.TrimSpace(declared) == "" {
		return "", fmt.Errorf("%w: missing content type", ErrUnsupportedType)
	}
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return "", fmt.Errorf("%w: malformed content type", ErrUnsupportedType)
	}
	if !s.allowed[mt] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mt)
	}
	return mt, nil
}

func (s *Sanitizer) reject(reason string, err error) (registry.NewFile, error) {
	s.metrics.RecordRejection(reason)
	s.log.Info("upload rejected", zap.String("reason", reason), zap.Error(err))
	return registry.NewFile{}, err
}

// discard removes partially written bytes. Failures are logged so they never
// mask the rejection itself.
func (s *Sanitizer) discard(key string) {
	if err := s.store.Delete(context.Background(), key); err != nil {
		s.log.Warn("cleanup of rejected upload failed", zap.String("storage_key", key), zap.Error(err))
	}
}

// CleanName strips path components and control characters from a client
// supplied name. The result is for display only.
func CleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, " .")

	if len(name) > maxNameLen {
		ext := filepath.Ext(name)
		if len(ext) > maxExtLen+1 {
			ext = ""
		}
		name = strings.ToValidUTF8(name[:maxNameLen-len(ext)], "") + ext
	}
	if name == "" || name == "/" {
		name = unnamedFile
	}
	return name
}

// newStorageKey is a random 32 hex digit key plus the validated extension of
// name. It shares nothing with the record id.
func newStorageKey(name string) string {
	u := uuid.New()
	return hex.EncodeToString(u[:]) + storageExt(name)
}

// limitedReader fails once more than remaining bytes have been read.
type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrTooLarge
	}
	// Read one byte past the limit so an exact-size body still succeeds.
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	if int64(n) > l.remaining {
		l.exceeded = true
		return 0, ErrTooLarge
	}
	l.remaining -= int64(n)
	return n, err
}
