// Package fingerprint produces deterministic hashes for documents, names and
// source files.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Generate creates a deterministic fingerprint for a document.
// The fingerprint is a SHA256 hash of the canonicalized JSON.
func Generate(data map[string]any) string {
	return Text(canonicalize(data))
}

// Value fingerprints any JSON compatible value.
func Value(v any) string {
	return Text(canonicalize(v))
}

// Text hashes a string.
func Text(s string) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:])
}

// Short returns the first n hex characters of the text hash.
func Short(s string, n int) string {
	h := Text(s)
	if n <= 0 || n > len(h) {
		return h
	}
	return h[:n]
}

// File fingerprints a source file by path, modification time and size.
// Content is not read; a touched file is treated as changed.
func File(path string, info fs.FileInfo) string {
	return Text(fmt.Sprintf("%s|%d|%d", path, info.ModTime().UnixNano(), info.Size()))
}

// HasChanged compares two fingerprints to detect changes
func HasChanged(oldFingerprint, newFingerprint string) bool {
	return oldFingerprint != newFingerprint
}

// canonicalize renders data with sorted map keys so equal documents hash equally.
func canonicalize(data any) string {
	var b strings.Builder
	writeCanonical(&b, data)
	return b.String()
}

func writeCanonical(b *strings.Builder, data any) {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			b.Write(keyJSON)
			b.WriteByte(':')
			writeCanonical(b, v[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		out, _ := json.Marshal(v)
		b.Write(out)
	}
}
