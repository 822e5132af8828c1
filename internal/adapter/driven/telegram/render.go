package telegram

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// MaxMessageLength is Telegram's limit for one text message.
const MaxMessageLength = 4096

var (
	mdRenderer    goldmark.Markdown
	htmlSanitizer *bluemonday.Policy

	// blockTags flattens block HTML that Telegram does not accept into text.
	blockTags = strings.NewReplacer(
		"<p>", "", "</p>", "\n",
		"<ul>\n", "", "</ul>", "",
		"<ol>\n", "", "</ol>", "",
		"<li>", "• ", "</li>", "",
		"<h1>", "<b>", "</h1>", "</b>\n",
		"<h2>", "<b>", "</h2>", "</b>\n",
		"<h3>", "<b>", "</h3>", "</b>\n",
		"<h4>", "<b>", "</h4>", "</b>\n",
		"<h5>", "<b>", "</h5>", "</b>\n",
		"<h6>", "<b>", "</h6>", "</b>\n",
		"<br>", "", "<hr>", "——",
	)

	extraNewlines = regexp.MustCompile(`\n{3,}`)
)

func init() {
	mdRenderer = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))

	// Telegram's HTML parse mode accepts only this subset.
	htmlSanitizer = bluemonday.NewPolicy()
	htmlSanitizer.AllowElements("b", "strong", "i", "em", "u", "s", "del", "code", "pre", "blockquote")
	htmlSanitizer.AllowAttrs("href").OnElements("a")
	htmlSanitizer.AllowURLSchemes("http", "https", "tg", "mailto")
	htmlSanitizer.RequireParseableURLs(true)
	htmlSanitizer.AllowAttrs("class").Matching(regexp.MustCompile(`^language-[\w+-]+$`)).OnElements("code")
}

// RenderHTML converts digest markdown to Telegram HTML.
func RenderHTML(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := mdRenderer.Convert([]byte(src), &buf); err != nil {
		return html.EscapeString(src)
	}

	out := htmlSanitizer.Sanitize(blockTags.Replace(buf.String()))
	out = extraNewlines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// RenderMessages renders src and splits it into messages of at most limit
// characters. Splits fall on markdown block boundaries, then on lines; only
// a single overlong line is cut mid-text, and that piece loses formatting.
func RenderMessages(src string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}

	whole := RenderHTML(src)
	if whole == "" {
		return nil
	}
	if runeLen(whole) <= limit {
		return []string{whole}
	}

	var pieces []string
	for _, block := range markdownBlocks(src) {
		rendered := RenderHTML(block)
		if rendered == "" {
			continue
		}
		if runeLen(rendered) <= limit {
			pieces = append(pieces, rendered)
			continue
		}
		pieces = append(pieces, splitBlock(block, limit)...)
	}
	return pack(pieces, limit)
}

// markdownBlocks splits src at blank lines outside fenced code blocks.
func markdownBlocks(src string) []string {
	var blocks []string
	var cur []string
	inFence := false

	flush := func() {
		if len(cur) > 0 {
			blocks = append(blocks, strings.Join(cur, "\n"))
			cur = nil
		}
	}

	for _, line := range strings.Split(src, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}
		if !inFence && strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return blocks
}

// splitBlock renders an overlong block line by line.
func splitBlock(block string, limit int) []string {
	var pieces []string
	for _, line := range strings.Split(block, "\n") {
		rendered := RenderHTML(line)
		if rendered == "" {
			continue
		}
		if runeLen(rendered) <= limit {
			pieces = append(pieces, rendered)
			continue
		}
		pieces = append(pieces, hardSplit(html.EscapeString(line), limit)...)
	}
	return pieces
}

// hardSplit cuts escaped text into chunks of at most limit runes without
// breaking an HTML entity.
func hardSplit(escaped string, limit int) []string {
	var chunks []string
	runes := []rune(escaped)
	for len(runes) > 0 {
		n := min(limit, len(runes))
		if amp := lastIndexRune(runes[:n], '&'); amp >= 0 && n < len(runes) && !containsRune(runes[amp:n], ';') {
			if amp > 0 {
				n = amp
			}
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

// pack joins pieces into as few messages as fit in limit.
func pack(pieces []string, limit int) []string {
	var msgs []string
	var cur strings.Builder
	for _, p := range pieces {
		if cur.Len() > 0 && runeLen(cur.String())+2+runeLen(p) > limit {
			msgs = append(msgs, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		msgs = append(msgs, cur.String())
	}
	return msgs
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

func containsRune(rs []rune, r rune) bool {
	return lastIndexRune(rs, r) >= 0
}
