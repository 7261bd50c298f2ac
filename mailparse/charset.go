package mailparse

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// DecodeCharset wraps a reader so its output is UTF-8. Unknown charsets fall
// back to Latin-1, which maps every byte and therefore never fails.
func DecodeCharset(r io.Reader, charset string) (io.Reader, error) {
	name := strings.ToLower(strings.TrimSpace(charset))
	switch name {
	case "", "utf-8", "utf8", "ascii", "us-ascii":
		return r, nil
	case "latin1", "latin-1", "iso-8859-1":
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder()), nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder()), nil
	}
	dec := enc.NewDecoder()
	if dec == nil {
		return nil, fmt.Errorf("mailparse: charset %q has no decoder", charset)
	}
	return transform.NewReader(r, dec), nil
}
