package mailparse

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// skipTags hold content that must never surface in a text rendering.
var skipTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
	"title":    true,
}

// breakTags introduce a line break in the text rendering.
var breakTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "table": true,
}

// HTMLToText renders an HTML stream as plain text. Script and style content
// is dropped, block boundaries become newlines and runs of whitespace
// collapse to a single space. Used when a mail carries only an HTML body.
func HTMLToText(r io.Reader) string {
	var (
		b         strings.Builder
		tokenizer = html.NewTokenizer(r)
		skipDepth int
		// pending is the separator to emit before the next visible rune.
		pending byte
	)

	sep := func(c byte) {
		// A line break outranks a space.
		if pending != '\n' {
			pending = c
		}
	}
	writeText := func(text string) {
		for _, c := range text {
			switch c {
			case ' ', '\t', '\n', '\r', '\f':
				sep(' ')
			default:
				if pending != 0 && b.Len() > 0 {
					b.WriteByte(pending)
				}
				pending = 0
				b.WriteRune(c)
			}
		}
	}

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if skipTags[tag] {
				skipDepth++
				continue
			}
			if breakTags[tag] {
				sep('\n')
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if skipTags[tag] && skipDepth > 0 {
				skipDepth--
				continue
			}
			if breakTags[tag] {
				sep('\n')
			}
		case html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			if breakTags[string(name)] {
				sep('\n')
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			writeText(string(tokenizer.Text()))
		}
	}
}
