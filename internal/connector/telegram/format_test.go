package telegram

import "testing"

func TestMarkdownToTelegramHTML(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"bold", "This is **bold** text", "This is <b>bold</b> text"},
		{"single asterisk kept", "5 * 3 = 15", "5 * 3 = 15"},
		{"escapes", "Ana <ana@example.com> & co", "Ana &lt;ana@example.com&gt; &amp; co"},
		{"inline code", "Use `a<b` here", "Use <code>a&lt;b</code> here"},
		{"code keeps markdown", "`**x**` and **y**", "<code>**x**</code> and <b>y</b>"},
		{"link", "[Open](https://helpdesk.example.com/t/1)", `<a href="https://helpdesk.example.com/t/1">Open</a>`},
		{"header", "**#42 Printer jammed**\nFrom: Ana", "<b>#42 Printer jammed</b>\nFrom: Ana"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MarkdownToTelegramHTML(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripMarkdown(t *testing.T) {
	got := StripMarkdown("**#1 Hi** see `code` and [docs](https://x.io)")
	want := "#1 Hi see code and docs (https://x.io)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
