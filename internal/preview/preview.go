// Package preview turns message bodies into the one-line preview shown in
// ticket lists.
package preview

import (
	"bytes"
	"net/url"
	"strings"
	"unicode/utf8"

	readability "codeberg.org/readeck/go-readability/v2"
	"golang.org/x/net/html"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/pkg/protocol"
)

// MaxLen is the preview length in runes.
const MaxLen = 160

// Bodies at least this large go through readability first, which drops
// newsletter chrome. Short mails are plain enough for the tokenizer.
const readabilityMinSize = 4096

var baseURL = &url.URL{Scheme: "https", Host: "mail.invalid"}

// FromMessage returns the preview for m: its plain text when present,
// else text extracted from the HTML body.
func FromMessage(m protocol.Message) string {
	if strings.TrimSpace(m.Text) != "" {
		return Truncate(collapse(m.Text), MaxLen)
	}
	return Text(m.HTML, MaxLen)
}

// Text extracts readable text from an HTML body, truncated to max runes.
func Text(body string, max int) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	if len(body) >= readabilityMinSize {
		if text := articleText(body); text != "" {
			return Truncate(text, max)
		}
	}
	return Truncate(PlainText(body), max)
}

func articleText(body string) string {
	article, err := readability.FromReader(strings.NewReader(body), baseURL)
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		return ""
	}
	return collapse(buf.String())
}

// skipped elements contribute no preview text. Quoted history is dropped
// so the preview shows what is new in the message.
var skipped = map[string]bool{
	"script":     true,
	"style":      true,
	"head":       true,
	"title":      true,
	"blockquote": true,
}

// PlainText strips tags with the x/net/html tokenizer and collapses
// whitespace.
func PlainText(body string) string {
	z := html.NewTokenizer(strings.NewReader(body))
	var sb strings.Builder
	depth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or malformed input: keep what was read
			return collapse(sb.String())
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if skipped[tag] || (tag == "div" && hasAttr && isQuoteDiv(z)) {
				depth++
				continue
			}
			if depth > 0 && tag == "div" {
				depth++
				continue
			}
			sb.WriteByte(' ')
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if depth > 0 && (skipped[tag] || tag == "div") {
				depth--
				if depth == 0 {
					sb.WriteByte(' ')
				}
				continue
			}
			sb.WriteByte(' ')
		case html.SelfClosingTagToken:
			sb.WriteByte(' ')
		case html.TextToken:
			if depth == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

// isQuoteDiv reports whether the current start tag is a mail client's
// quoted-history container.
func isQuoteDiv(z *html.Tokenizer) bool {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "class" {
			for _, c := range strings.Fields(string(val)) {
				switch c {
				case "gmail_quote", "moz-cite-prefix", "yahoo_quoted":
					return true
				}
			}
		}
		if !more {
			return false
		}
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max-1])) + "…"
}
