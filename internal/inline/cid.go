package inline

import (
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// cidAttrs matches the elements that can point at inline content.
var cidAttrs = cascadia.MustCompile("img[src], source[src], input[src], [background], a[href], object[data]")

var (
	// cidToken is a cid: reference as it appears in markup or CSS.
	cidToken = regexp.MustCompile(`(?i)cid:(?:<[^"'\s()<>]*>(?::\d+)?|[^"'\s()<>]+)`)
	// cssURL finds references inside style attributes and style blocks.
	cssURL = regexp.MustCompile(`(?i)url\(\s*['"]?(cid:[^'")\s]+)`)
	// portSuffix is the numeric suffix some clients append after a colon.
	portSuffix = regexp.MustCompile(`:\d+$`)
)

// References returns the distinct cid: references in body, in document
// order.
func References(body string) []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if !hasCIDPrefix(ref) || seen[ref] {
			return
		}
		seen[ref] = true
		refs = append(refs, ref)
	}

	doc, err := html.Parse(strings.NewReader(body))
	if err == nil {
		for _, n := range cidAttrs.MatchAll(doc) {
			for _, a := range n.Attr {
				switch a.Key {
				case "src", "background", "href", "data":
					add(a.Val)
				}
			}
		}
	}
	// style attributes and style blocks
	for _, m := range cssURL.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return refs
}

func hasCIDPrefix(s string) bool {
	return len(s) > 4 && strings.EqualFold(s[:4], "cid:")
}

// Normalize strips the cid: scheme, enclosing angle brackets and a
// trailing :<digits> suffix.
func Normalize(ref string) string {
	s := strings.TrimSpace(ref)
	if hasCIDPrefix(s) {
		s = s[4:]
	}
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return portSuffix.ReplaceAllString(s, "")
}

// localPart is the part of a content id before '@' or ':'.
func localPart(id string) string {
	if i := strings.IndexAny(id, "@:"); i >= 0 {
		return id[:i]
	}
	return id
}

// rewrite replaces each reference in body that has an entry in repl.
func rewrite(body string, repl map[string]string) string {
	if len(repl) == 0 {
		return body
	}
	return cidToken.ReplaceAllStringFunc(body, func(tok string) string {
		if to, ok := repl[tok]; ok {
			return to
		}
		return tok
	})
}
