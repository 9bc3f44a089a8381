package markdown

import (
	"strings"
	"testing"
)

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string // substrings the output must contain
		deny []string // substrings the output must not contain
	}{
		{
			name: "bold and italic",
			in:   "some **bold** and *italic* text",
			want: []string{"<b>bold</b>", "<i>italic</i>"},
			deny: []string{"<strong>", "<em>"},
		},
		{
			name: "inline code",
			in:   "run `go version` first",
			want: []string{"<code>go version</code>"},
		},
		{
			name: "list becomes bullets",
			in:   "- first\n- second",
			want: []string{"• first", "• second"},
			deny: []string{"<ul>", "<li>"},
		},
		{
			name: "heading tags stripped",
			in:   "# Title",
			want: []string{"Title"},
			deny: []string{"<h1>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToTelegramHTML(tt.in)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("output %q missing %q", got, w)
				}
			}
			for _, d := range tt.deny {
				if strings.Contains(got, d) {
					t.Errorf("output %q contains rejected %q", got, d)
				}
			}
		})
	}
}

func TestToTelegramHTMLEmpty(t *testing.T) {
	if got := ToTelegramHTML(""); got != "" {
		t.Errorf("empty input produced %q", got)
	}
}
