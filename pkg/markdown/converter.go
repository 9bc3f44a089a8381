package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var (
	paragraphRE = regexp.MustCompile(`<p>(.*?)</p>`)
	codeBlockRE = regexp.MustCompile(`<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	tagRE       = regexp.MustCompile(`</?([a-zA-Z]+)(?:\s[^>]*)?>`)
	tagNameRE   = regexp.MustCompile(`</?([a-zA-Z]+)`)
	newlinesRE  = regexp.MustCompile(`\n{3,}`)
)

// Telegram supports only a small HTML subset in message text.
var supportedTags = map[string]bool{
	"b": true, "i": true, "u": true, "s": true,
	"code": true, "pre": true, "a": true, "br": true,
}

// ToTelegramHTML converts markdown to Telegram-compatible HTML.
func ToTelegramHTML(md string) string {
	if md == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(md), blackfriday.WithExtensions(blackfriday.CommonExtensions)))
	return sanitize(html)
}

func sanitize(html string) string {
	html = paragraphRE.ReplaceAllString(html, "$1\n")

	replacer := strings.NewReplacer(
		"<strong>", "<b>", "</strong>", "</b>",
		"<em>", "<i>", "</em>", "</i>",
		"<ul>", "", "</ul>", "",
		"<ol>", "", "</ol>", "",
		"<li>", "• ", "</li>", "\n",
	)
	html = replacer.Replace(html)

	html = codeBlockRE.ReplaceAllString(html, "<pre>$1</pre>")

	// Strip everything Telegram would reject
	html = tagRE.ReplaceAllStringFunc(html, func(match string) string {
		m := tagNameRE.FindStringSubmatch(match)
		if len(m) > 1 && supportedTags[strings.ToLower(m[1])] {
			return match
		}
		return ""
	})

	html = newlinesRE.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
