// internal/imaging/datauri.go
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"strings"
)

// EncodePNGDataURI encodes img as an embedded PNG data URI.
func EncodePNGDataURI(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode PNG: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// IsDataURI reports whether s is an inline-encoded image.
func IsDataURI(s string) bool {
	return strings.HasPrefix(s, "data:image")
}

// StripDataURI returns the raw base64 payload of a data URI, or s unchanged
// when it carries no data prefix. The image upstream expects the bare payload.
func StripDataURI(s string) string {
	if !IsDataURI(s) {
		return s
	}
	if idx := strings.Index(s, ","); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// DecodeDataURI decodes an image data URI into raw bytes.
func DecodeDataURI(s string) ([]byte, error) {
	if !IsDataURI(s) {
		return nil, fmt.Errorf("not an image data URI")
	}
	idx := strings.Index(s, ",")
	if idx < 0 {
		return nil, fmt.Errorf("malformed data URI")
	}
	data, err := base64.StdEncoding.DecodeString(s[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
	}
	return data, nil
}
