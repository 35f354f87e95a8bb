package codec

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"archrender/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// decodeChunkSize bounds each base64 decode step. It must stay a multiple of 4
// so every slice but the last decodes without padding.
const decodeChunkSize = 64 * 1024

// BlobStore materializes decoded image bytes as files and hands out file://
// handles for them.
type BlobStore struct {
	dir    string
	logger *logging.Logger
}

// NewBlobStore creates the blob directory if needed.
func NewBlobStore(dir string, logger *logging.Logger) (*BlobStore, error) {
	if dir == "" {
		dir = "blobs"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("codec: failed to resolve blob directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("codec: failed to create blob directory: %w", err)
	}
	return &BlobStore{dir: abs, logger: logger.Named("blobs")}, nil
}

// Dir returns the absolute blob directory.
func (s *BlobStore) Dir() string {
	return s.dir
}

// BytesToResource decodes a base64 payload into a blob and returns its
// file:// handle. Any failure degrades to returning a data URI built from the
// original payload, so callers always get something displayable.
func (s *BlobStore) BytesToResource(b64, contentType string) string {
	data, err := DecodeBase64(b64)
	if err == nil {
		var ref string
		ref, err = s.Save(data, contentType)
		if err == nil {
			return ref
		}
	}

	s.logger.Warn("falling back to data URI", zap.Error(err), zap.Int("payload_len", len(b64)))
	if contentType == "" {
		contentType = "image/png"
	}
	return dataURIPrefix + contentType + ";base64," + stripWhitespace(b64)
}

// Save writes data as a new blob and returns its file:// handle.
func (s *BlobStore) Save(data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyPayload
	}
	path := filepath.Join(s.dir, uuid.NewString()+ExtensionFor(contentType, data))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("codec: failed to write blob: %w", err)
	}
	s.logger.Debug("blob stored", zap.String("path", path), zap.Int("bytes", len(data)))
	return fileURIPrefix + filepath.ToSlash(path), nil
}

// Release removes a blob previously returned by Save. Handles outside the blob
// directory are left alone.
func (s *BlobStore) Release(ref string) error {
	path, err := FilePath(ref)
	if err != nil {
		return err
	}
	if filepath.Dir(path) != s.dir {
		return ErrNotLocal
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("codec: failed to remove blob: %w", err)
	}
	return nil
}

// DecodeBase64 decodes a standard or URL-safe base64 payload in bounded
// slices. Whitespace is ignored and missing padding is tolerated.
func DecodeBase64(b64 string) ([]byte, error) {
	payload := stripWhitespace(b64)
	if payload == "" {
		return nil, ErrEmptyPayload
	}

	enc := base64.StdEncoding
	if strings.ContainsAny(payload, "-_") {
		enc = base64.URLEncoding
	}
	if rem := len(payload) % 4; rem != 0 {
		payload += strings.Repeat("=", 4-rem)
	}

	out := make([]byte, 0, enc.DecodedLen(len(payload)))
	buf := make([]byte, enc.DecodedLen(decodeChunkSize))
	for start := 0; start < len(payload); start += decodeChunkSize {
		end := min(start+decodeChunkSize, len(payload))
		n, err := enc.Decode(buf, []byte(payload[start:end]))
		if err != nil {
			return nil, fmt.Errorf("%w at offset %d: %v", ErrInvalidEncoding, start, err)
		}
		out = append(out, buf[:n]...)
	}
	return out, nil
}

func stripWhitespace(s string) string {
	if !strings.ContainsAny(s, " \t\r\n") {
		return s
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}
