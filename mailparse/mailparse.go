// Package mailparse turns raw RFC 5322 bytes into the in-memory mail shape
// the ingestion pipeline consumes: decoded headers, text and HTML bodies and
// the flattened list of leaf MIME parts with transfer-decoded content.
package mailparse

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"
)

// Disposition values as they appear on leaf parts.
const (
	DispositionInline     = "inline"
	DispositionAttachment = "attachment"
)

type (
	// Address is one decoded mailbox.
	Address struct {
		Name  string
		Email string
	}

	// Part is a leaf MIME part with its content transfer-decoded. Charset
	// decoding is applied to text bodies only; binary parts keep their
	// raw decoded bytes.
	Part struct {
		MediaType   string
		Params      map[string]string
		Disposition string
		Filename    string
		ContentID   string
		Content     []byte
	}

	// Mail is a parsed message plus the raw bytes it came from.
	Mail struct {
		MessageID string
		From      Address
		To        []Address
		Cc        []Address
		Subject   string
		Date      time.Time
		TextBody  string
		HTMLBody  string
		Parts     []Part
		Raw       []byte
		Size      int64

		// SkippedParts counts leaf parts dropped because their transfer
		// encoding could not be decoded.
		SkippedParts int
	}
)

// Body returns the best plain-text rendering of the mail: the text body when
// present, otherwise the HTML body stripped to text.
func (m *Mail) Body() string {
	if m.TextBody != "" {
		return m.TextBody
	}
	if m.HTMLBody != "" {
		return HTMLToText(strings.NewReader(m.HTMLBody))
	}
	return ""
}

// Parse reads raw RFC 5322 bytes into a Mail. Header decoding follows
// RFC 2047; bodies are charset-decoded to UTF-8. A part that fails transfer
// decoding is skipped, never failing the whole message.
func Parse(raw []byte) (*Mail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("mailparse: read message: %w", err)
	}

	m := &Mail{
		Raw:     raw,
		Size:    int64(len(raw)),
		Subject: decodeHeader(msg.Header.Get("Subject")),
		To:      parseAddressList(msg.Header.Get("To")),
		Cc:      parseAddressList(msg.Header.Get("Cc")),
	}
	if from := parseAddressList(msg.Header.Get("From")); len(from) > 0 {
		m.From = from[0]
	}
	if id := strings.TrimSpace(msg.Header.Get("Message-Id")); id != "" {
		m.MessageID = id
	}
	if dateStr := msg.Header.Get("Date"); dateStr != "" {
		if t, err := mail.ParseDate(dateStr); err == nil {
			m.Date = t.UTC()
		}
	}

	mediaType, params := parseContentType(msg.Header.Get("Content-Type"))
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("mailparse: read body: %w", err)
	}

	walkPart(m, mediaType, params, textHeader(msg.Header), body)
	return m, nil
}

// textHeader adapts a message header to the lookup shape walkPart uses for
// multipart sub-headers.
type headerGetter interface {
	Get(key string) string
}

func textHeader(h mail.Header) headerGetter { return h }

// walkPart descends into multipart containers and records leaf parts,
// filling the text and HTML bodies along the way.
func walkPart(m *Mail, mediaType string, params map[string]string, header headerGetter, body []byte) {
	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return
		}
		mr := multipart.NewReader(bytes.NewReader(body), boundary)
		for {
			p, err := mr.NextPart()
			if err != nil {
				return
			}
			subType, subParams := parseContentType(p.Header.Get("Content-Type"))
			subBody, err := io.ReadAll(p)
			if err != nil {
				m.SkippedParts++
				continue
			}
			walkPart(m, subType, subParams, p.Header, subBody)
		}
	}

	decoded, err := decodeTransfer(body, header.Get("Content-Transfer-Encoding"))
	if err != nil {
		m.SkippedParts++
		return
	}

	part := Part{
		MediaType:   mediaType,
		Params:      params,
		Disposition: "",
		ContentID:   strings.Trim(strings.TrimSpace(header.Get("Content-Id")), "<>"),
		Content:     decoded,
	}
	if disp := header.Get("Content-Disposition"); disp != "" {
		dispType, dispParams, err := mime.ParseMediaType(disp)
		if err == nil {
			part.Disposition = dispType
			part.Filename = decodeHeader(dispParams["filename"])
		}
	}
	if part.Filename == "" {
		part.Filename = decodeHeader(params["name"])
	}

	isBody := (mediaType == "text/plain" || mediaType == "text/html") &&
		part.Disposition != DispositionAttachment
	if isBody {
		text := decodeText(decoded, params["charset"])
		switch mediaType {
		case "text/plain":
			m.TextBody = appendBody(m.TextBody, text)
		case "text/html":
			m.HTMLBody = appendBody(m.HTMLBody, text)
		}
	}

	m.Parts = append(m.Parts, part)
}

func appendBody(existing, text string) string {
	if existing == "" {
		return text
	}
	return existing + "\n" + text
}

// decodeTransfer applies the Content-Transfer-Encoding of a part.
func decodeTransfer(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "7bit", "8bit", "binary":
		return body, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("mailparse: quoted-printable: %w", err)
		}
		return decoded, nil
	case "base64":
		decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, newLineStripper(body)))
		if err != nil {
			return nil, fmt.Errorf("mailparse: base64: %w", err)
		}
		return decoded, nil
	default:
		// Unknown encodings pass through untouched rather than losing the
		// part entirely.
		return body, nil
	}
}

func newLineStripper(body []byte) io.Reader {
	cleaned := make([]byte, 0, len(body))
	for _, b := range body {
		if b == '\r' || b == '\n' {
			continue
		}
		cleaned = append(cleaned, b)
	}
	return bytes.NewReader(cleaned)
}

// decodeHeader decodes RFC 2047 encoded words, resolving non-UTF-8 charsets.
func decodeHeader(s string) string {
	if s == "" {
		return ""
	}
	dec := &mime.WordDecoder{
		CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
			return DecodeCharset(input, charset)
		},
	}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func parseAddressList(s string) []Address {
	if s == "" {
		return nil
	}
	parser := mail.AddressParser{WordDecoder: &mime.WordDecoder{
		CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
			return DecodeCharset(input, charset)
		},
	}}
	addrs, err := parser.ParseList(s)
	if err != nil {
		// Malformed lists still often carry a usable bare address.
		s = strings.TrimSpace(s)
		if strings.Contains(s, "@") {
			return []Address{{Email: strings.Trim(s, "<> ")}}
		}
		return nil
	}
	result := make([]Address, len(addrs))
	for i, addr := range addrs {
		result[i] = Address{Name: addr.Name, Email: addr.Address}
	}
	return result
}

func parseContentType(contentType string) (string, map[string]string) {
	if contentType == "" {
		return "text/plain", nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "text/plain", nil
	}
	return strings.ToLower(mediaType), params
}

func decodeText(body []byte, charset string) string {
	r, err := DecodeCharset(bytes.NewReader(body), charset)
	if err != nil {
		return string(body)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}
