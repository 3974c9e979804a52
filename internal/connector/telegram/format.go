package telegram

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	reInlineCode = regexp.MustCompile("`([^`\n]+)`")
	reBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reLink       = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)
)

// MarkdownToTelegramHTML converts notification Markdown to Telegram's
// HTML subset. Only code spans, bold and links are recognized; single
// asterisks are left alone since customer text uses them freely.
func MarkdownToTelegramHTML(md string) string {
	var codes []string
	md = reInlineCode.ReplaceAllStringFunc(md, func(m string) string {
		codes = append(codes, "<code>"+html.EscapeString(m[1:len(m)-1])+"</code>")
		return codeMarker(len(codes) - 1)
	})

	out := escapeText(md)
	out = reBold.ReplaceAllString(out, "<b>$1</b>")
	out = reLink.ReplaceAllStringFunc(out, func(m string) string {
		sub := reLink.FindStringSubmatch(m)
		return `<a href="` + strings.ReplaceAll(sub[2], `"`, "&quot;") + `">` + sub[1] + "</a>"
	})

	for i, c := range codes {
		out = strings.Replace(out, codeMarker(i), c, 1)
	}
	return out
}

func codeMarker(i int) string { return "\x00" + strconv.Itoa(i) + "\x00" }

// escapeText escapes the three characters Telegram's HTML mode requires.
func escapeText(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

// StripMarkdown removes the recognized Markdown, returning plain text.
func StripMarkdown(md string) string {
	out := reInlineCode.ReplaceAllString(md, "$1")
	out = reBold.ReplaceAllString(out, "$1")
	return reLink.ReplaceAllString(out, "$1 ($2)")
}
