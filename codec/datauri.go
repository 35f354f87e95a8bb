// Package codec converts between base64 encoded image payloads and locally
// addressable resources: data URIs and file:// handles under a blob directory.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	dataURIPrefix = "data:"
	fileURIPrefix = "file://"
)

// Errors returned by the resource helpers.
var (
	ErrNotDataURI      = errors.New("codec: not a data URI")
	ErrNotLocal        = errors.New("codec: resource is not local")
	ErrEmptyPayload    = errors.New("codec: empty payload")
	ErrInvalidEncoding = errors.New("codec: invalid base64 payload")
)

// EncodeDataURI returns data as a base64 data URI. An empty content type is
// sniffed from the bytes.
func EncodeDataURI(contentType string, data []byte) string {
	if contentType == "" {
		contentType = DetectContentType(data)
	}
	return dataURIPrefix + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI splits a base64 data URI into its bytes and content type.
func DecodeDataURI(uri string) ([]byte, string, error) {
	if !IsDataURI(uri) {
		return nil, "", ErrNotDataURI
	}
	header, payload, ok := strings.Cut(uri[len(dataURIPrefix):], ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: missing payload separator", ErrNotDataURI)
	}
	contentType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("codec: failed to unescape data URI: %w", err)
		}
		return []byte(decoded), contentType, nil
	}
	data, err := DecodeBase64(payload)
	if err != nil {
		return nil, "", err
	}
	if contentType == "" {
		contentType = DetectContentType(data)
	}
	return data, contentType, nil
}

// IsDataURI reports whether ref is an inline data URI.
func IsDataURI(ref string) bool {
	return strings.HasPrefix(ref, dataURIPrefix)
}

// IsLocal reports whether ref can be read without a network fetch.
func IsLocal(ref string) bool {
	return IsDataURI(ref) || strings.HasPrefix(ref, fileURIPrefix)
}

// FilePath returns the filesystem path behind a file:// resource.
func FilePath(ref string) (string, error) {
	if !strings.HasPrefix(ref, fileURIPrefix) {
		return "", ErrNotLocal
	}
	return filepath.FromSlash(strings.TrimPrefix(ref, fileURIPrefix)), nil
}

// ReadLocal returns the bytes and content type of a data URI or file:// resource.
func ReadLocal(ref string) ([]byte, string, error) {
	if IsDataURI(ref) {
		return DecodeDataURI(ref)
	}
	path, err := FilePath(ref)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("codec: failed to read %s: %w", path, err)
	}
	return data, DetectContentType(data), nil
}

// DetectContentType sniffs the MIME type of data, without parameters.
func DetectContentType(data []byte) string {
	mt := mimetype.Detect(data).String()
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}

// ExtensionFor returns a file extension (with dot) for a content type, or
// sniffs one from data when the content type is unknown.
func ExtensionFor(contentType string, data []byte) string {
	if contentType != "" {
		if i := strings.IndexByte(contentType, ';'); i >= 0 {
			contentType = contentType[:i]
		}
		if mt := mimetype.Lookup(strings.TrimSpace(strings.ToLower(contentType))); mt != nil && mt.Extension() != "" {
			return mt.Extension()
		}
	}
	if len(data) > 0 {
		if ext := mimetype.Detect(data).Extension(); ext != "" {
			return ext
		}
	}
	return ".bin"
}
