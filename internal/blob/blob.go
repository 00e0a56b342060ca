// Package blob stores uploaded files under content-addressed keys. Identical
// bytes map to the same key, so a second upload of the same content reuses the
// stored object.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"mime"
	"path/filepath"
	"strings"
)

var ErrEmpty = errors.New("empty upload")

type Object struct {
	URL    string
	Key    string
	Hash   string
	Reused bool
}

type Store interface {
	Put(ctx context.Context, data []byte, ext string) (Object, error)
	Ping(ctx context.Context) error
}

// Fingerprint is the SHA-256 digest of data as lowercase hex.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ext returns the lowercased extension of filename including the dot.
func Ext(filename string) string {
	return strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
}

// SameExt compares extensions case-insensitively.
func SameExt(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func objectKey(hash, ext string) string {
	return "manuscripts/" + hash[:2] + "/" + hash + strings.ToLower(ext)
}

func contentType(ext string) string {
	if value := mime.TypeByExtension(strings.ToLower(ext)); value != "" {
		return value
	}
	return "application/octet-stream"
}

func joinURL(base, bucket, key string) string {
	return strings.TrimRight(base, "/") + "/" + bucket + "/" + key
}
