package document

import (
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
)

// ErrMalformedDataURI is returned for data: URLs that cannot be decoded.
var ErrMalformedDataURI = errors.New("document: malformed data URI")

// IsDataURI reports whether u uses the data: scheme.
func IsDataURI(u string) bool {
	return len(u) >= 5 && strings.EqualFold(u[:5], "data:")
}

// ParseDataURI decodes a data: URL into its bytes and media type.
// Parameters other than ";base64" are dropped from the returned type.
func ParseDataURI(u string) ([]byte, string, error) {
	if !IsDataURI(u) {
		return nil, "", ErrMalformedDataURI
	}
	meta, payload, ok := strings.Cut(u[5:], ",")
	if !ok {
		return nil, "", ErrMalformedDataURI
	}

	isBase64 := false
	params := strings.Split(meta, ";")
	mediaType := strings.TrimSpace(params[0])
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}

	if isBase64 {
		payload = strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
				return -1
			}
			return r
		}, payload)
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
			if err != nil {
				return nil, "", ErrMalformedDataURI
			}
		}
		return data, mediaType, nil
	}

	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, "", ErrMalformedDataURI
	}
	return []byte(decoded), mediaType, nil
}

// EncodeDataURI builds a base64 data: URL.
func EncodeDataURI(data []byte, contentType string) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
