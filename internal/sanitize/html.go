package sanitize

import (
	"errors"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/net/html"
)

// HTMLSanitizer walks the token stream of golang.org/x/net/html and re-emits
// only safelisted tags and attributes.
type HTMLSanitizer struct {
	fallback *RegexSanitizer
}

// NewHTML returns the parser-backed sanitizer.
func NewHTML() *HTMLSanitizer {
	return &HTMLSanitizer{fallback: NewRegex()}
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
var attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func (s *HTMLSanitizer) Sanitize(text string, strict bool) string {
	if text == "" {
		return ""
	}
	var failure error
	out := fixpoint(text, func(in string) string {
		if failure != nil {
			return in
		}
		res, err := s.pass(in, strict)
		if err != nil {
			failure = err
			return in
		}
		return res
	})
	if failure != nil {
		log.Warn("HTML sanitizer failed, using regex fallback", "err", failure)
		return s.fallback.Sanitize(text, strict)
	}
	return strings.TrimSpace(out)
}

func (s *HTMLSanitizer) pass(in string, strict bool) (string, error) {
	z := html.NewTokenizer(strings.NewReader(in))
	var b strings.Builder
	b.Grow(len(in))
	skipping, depth := "", 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return b.String(), nil
			}
			return "", z.Err()
		case html.TextToken:
			if skipping != "" {
				continue
			}
			b.WriteString(textEscaper.Replace(scrub(string(z.Text()))))
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if skipping != "" {
				if tag == skipping && tt == html.StartTagToken {
					depth++
				}
				continue
			}
			if dropContent[tag] {
				if tt == html.StartTagToken {
					skipping, depth = tag, 1
				}
				continue
			}
			if strict || !allowedTags[tag] {
				continue
			}
			b.WriteByte('<')
			b.WriteString(tag)
			if hasAttr {
				writeAttrs(&b, z, tag)
			}
			b.WriteByte('>')
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipping != "" {
				if tag == skipping {
					if depth--; depth == 0 {
						skipping = ""
					}
				}
				continue
			}
			if strict || !allowedTags[tag] || tag == "br" {
				continue
			}
			b.WriteString("</")
			b.WriteString(tag)
			b.WriteByte('>')
		}
		// Comments and doctypes are dropped.
	}
}

func writeAttrs(b *strings.Builder, z *html.Tokenizer, tag string) {
	allowed := allowedAttrs[tag]
	seen := map[string]bool{}
	for {
		key, val, more := z.TagAttr()
		k := string(key)
		if allowed[k] && !seen[k] {
			v := strings.TrimSpace(string(val))
			if k != "href" || safeHref(v) {
				seen[k] = true
				b.WriteByte(' ')
				b.WriteString(k)
				b.WriteString(`="`)
				b.WriteString(attrEscaper.Replace(scrub(v)))
				b.WriteByte('"')
			}
		}
		if !more {
			return
		}
	}
}

// safeHref accepts relative references and the http, https and mailto schemes.
func safeHref(v string) bool {
	clean := strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return -1
		}
		return r
	}, v)
	colon := strings.IndexByte(clean, ':')
	if colon < 0 {
		return true
	}
	if i := strings.IndexAny(clean, "/?#"); i >= 0 && i < colon {
		return true
	}
	switch strings.ToLower(clean[:colon]) {
	case "http", "https", "mailto":
		return true
	}
	return false
}

var _ Sanitizer = (*HTMLSanitizer)(nil)
