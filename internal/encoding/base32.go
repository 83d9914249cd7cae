package encoding

import (
	"encoding/base32"
	"fmt"
	"strings"
)

// MaxLabelLen is the maximum length of a single DNS label per RFC 1035.
const MaxLabelLen = 63

// Encode encodes arbitrary bytes into the wire form: RFC 4648 Base32,
// lowercased, with the `=` padding stripped.
func Encode(data []byte) string {
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(data))
}

// Decode reverses Encode: the text is uppercased and right-padded with `=`
// to a multiple of 8 before decoding.
func Decode(s string) ([]byte, error) {
	padded := strings.ToUpper(s)
	if rem := len(padded) % 8; rem != 0 {
		padded += strings.Repeat("=", 8-rem)
	}
	data, err := base32.StdEncoding.DecodeString(padded)
	if err != nil {
		return nil, fmt.Errorf("invalid base32 text: %w", err)
	}
	return data, nil
}

// SplitIntoLabels splits a string into DNS labels of at most maxLen
// characters, walking left to right.
func SplitIntoLabels(s string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxLabelLen
	}
	var labels []string
	for len(s) > 0 {
		end := maxLen
		if end > len(s) {
			end = len(s)
		}
		labels = append(labels, s[:end])
		s = s[end:]
	}
	return labels
}

// JoinLabels joins DNS labels back into a single string.
func JoinLabels(labels []string) string {
	return strings.Join(labels, "")
}
