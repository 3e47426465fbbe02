package ingest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// digestChunkSize bounds memory use while hashing arbitrarily large files.
const digestChunkSize = 4096

// ContentDigest computes the MD5 hex digest of the file at path, reading it
// in fixed-size chunks. MD5 is used as a dedup key, not for integrity.
func ContentDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, digestChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StableName derives a file name suitable for manifest records: the base name
// without extension, with spaces replaced by underscores.
func StableName(path string) string {
	base := strings.ReplaceAll(filepath.Base(path), " ", "_")
	return strings.TrimSuffix(base, filepath.Ext(base))
}
