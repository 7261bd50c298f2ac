package mailparse

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestParsePlainText(t *testing.T) {
	raw := crlf(
		"Message-Id: <m1@example.com>",
		"From: Ada Lovelace <ada@example.com>",
		"To: ops@example.com, Grace <grace@example.com>",
		"Subject: Server maintenance window",
		"Date: Mon, 24 Aug 2026 10:00:00 +0200",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Maintenance starts at 22:00 UTC.",
	)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "<m1@example.com>", m.MessageID)
	assert.Equal(t, Address{Name: "Ada Lovelace", Email: "ada@example.com"}, m.From)
	require.Len(t, m.To, 2)
	assert.Equal(t, "grace@example.com", m.To[1].Email)
	assert.Equal(t, "Server maintenance window", m.Subject)
	assert.Equal(t, 8, m.Date.UTC().Hour())
	assert.Contains(t, m.TextBody, "Maintenance starts")
	assert.Equal(t, m.TextBody, m.Body())
	assert.Equal(t, int64(len(raw)), m.Size)
}

func TestParseRFC2047Subject(t *testing.T) {
	raw := crlf(
		"Message-Id: <m2@example.com>",
		"From: a@example.com",
		"Subject: =?ISO-8859-1?Q?Caf=E9_r=E9servation?=",
		"",
		"body",
	)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Café réservation", m.Subject)
}

func TestParseMultipartAlternativePrefersText(t *testing.T) {
	raw := crlf(
		"Message-Id: <m3@example.com>",
		"From: a@example.com",
		"Content-Type: multipart/alternative; boundary=BOUND",
		"",
		"--BOUND",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain rendering",
		"--BOUND",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html <b>rendering</b></p>",
		"--BOUND--",
	)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Contains(t, m.TextBody, "plain rendering")
	assert.Contains(t, m.HTMLBody, "<b>rendering</b>")
	assert.Equal(t, m.TextBody, m.Body())
	assert.Len(t, m.Parts, 2)
}

func TestParseHTMLOnlyDerivesText(t *testing.T) {
	raw := crlf(
		"Message-Id: <m4@example.com>",
		"From: a@example.com",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><head><style>p{color:red}</style></head>",
		"<body><p>First line</p><script>alert(1)</script><p>Second&nbsp;line</p></body></html>",
	)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, m.TextBody)
	body := m.Body()
	assert.Contains(t, body, "First line")
	assert.Contains(t, body, "Second")
	assert.NotContains(t, body, "alert")
	assert.NotContains(t, body, "color:red")
}

func TestParseAttachmentsAndInlineImages(t *testing.T) {
	pdf := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake"))
	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG fake"))
	raw := crlf(
		"Message-Id: <m5@example.com>",
		"From: a@example.com",
		"Content-Type: multipart/mixed; boundary=OUTER",
		"",
		"--OUTER",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"see attachment",
		"--OUTER",
		"Content-Type: application/pdf; name=report.pdf",
		"Content-Transfer-Encoding: base64",
		"Content-Disposition: attachment; filename=report.pdf",
		"",
		pdf,
		"--OUTER",
		"Content-Type: image/png",
		"Content-Transfer-Encoding: base64",
		"Content-Disposition: inline",
		"Content-Id: <logo@example.com>",
		"",
		png,
		"--OUTER--",
	)

	m, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, m.Parts, 3)

	att := m.Parts[1]
	assert.Equal(t, "application/pdf", att.MediaType)
	assert.Equal(t, DispositionAttachment, att.Disposition)
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, []byte("%PDF-1.4 fake"), att.Content)

	inline := m.Parts[2]
	assert.Equal(t, DispositionInline, inline.Disposition)
	assert.Equal(t, "logo@example.com", inline.ContentID)
	assert.Equal(t, []byte("\x89PNG fake"), inline.Content)
}

func TestQuotedPrintableBody(t *testing.T) {
	raw := crlf(
		"Message-Id: <m6@example.com>",
		"From: a@example.com",
		"Content-Type: text/plain; charset=iso-8859-1",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"caf=E9 au lait",
	)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Contains(t, m.TextBody, "café au lait")
}

func TestBrokenPartIsSkippedNotFatal(t *testing.T) {
	raw := crlf(
		"Message-Id: <m7@example.com>",
		"From: a@example.com",
		"Content-Type: multipart/mixed; boundary=OUTER",
		"",
		"--OUTER",
		"Content-Type: text/plain",
		"",
		"good part",
		"--OUTER",
		"Content-Type: application/octet-stream",
		"Content-Transfer-Encoding: base64",
		"Content-Disposition: attachment; filename=bad.bin",
		"",
		"!!!! not base64 !!!!",
		"--OUTER--",
	)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Contains(t, m.TextBody, "good part")
	assert.Len(t, m.Parts, 1)
	assert.Equal(t, 1, m.SkippedParts)
}

func TestMalformedAddressListFallsBackToBareAddress(t *testing.T) {
	addrs := parseAddressList("Undisclosed recipients <broken@@example.com")
	require.Len(t, addrs, 1)
	assert.Contains(t, addrs[0].Email, "@")
}

func TestHTMLToTextCollapsesWhitespace(t *testing.T) {
	out := HTMLToText(strings.NewReader("<div>  a   b\n\n c </div><p>next</p>"))
	assert.Equal(t, "a b c\nnext", out)
}
