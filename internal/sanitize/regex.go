package sanitize

import (
	"regexp"
	"strings"
)

// RegexSanitizer is the conservative fallback used when parsing is not wanted
// or fails. Safelisted tags survive only in bare form, without attributes.
type RegexSanitizer struct{}

// NewRegex returns the regex-only sanitizer.
func NewRegex() *RegexSanitizer {
	return &RegexSanitizer{}
}

var (
	scriptBlock   = regexp.MustCompile(`(?is)<\s*script\b.*?<\s*/\s*script\s*>`)
	styleBlock    = regexp.MustCompile(`(?is)<\s*style\b.*?<\s*/\s*style\s*>`)
	unclosedBlock = regexp.MustCompile(`(?is)<\s*(?:script|style)\b.*$`)
	commentBlock  = regexp.MustCompile(`(?s)<!--.*?(?:-->|$)`)
	anyTag        = regexp.MustCompile(`<\s*(/?)\s*([a-zA-Z][a-zA-Z0-9]*)\b[^>]*>`)
	bareTag       = regexp.MustCompile(`</?(?:b|i|u|strong|em|p|br|a|ul|ol|li|blockquote|code|pre)>`)
	entity        = regexp.MustCompile(`^&(?:[a-zA-Z][a-zA-Z0-9]{1,31}|#[0-9]{1,7}|#[xX][0-9a-fA-F]{1,6});`)
	eventHandler  = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

func (s *RegexSanitizer) Sanitize(text string, strict bool) string {
	if text == "" {
		return ""
	}
	return strings.TrimSpace(fixpoint(text, func(in string) string {
		return s.pass(in, strict)
	}))
}

func (s *RegexSanitizer) pass(in string, strict bool) string {
	out := scriptBlock.ReplaceAllString(in, "")
	out = styleBlock.ReplaceAllString(out, "")
	out = unclosedBlock.ReplaceAllString(out, "")
	out = commentBlock.ReplaceAllString(out, "")
	out = anyTag.ReplaceAllStringFunc(out, func(tag string) string {
		m := anyTag.FindStringSubmatch(tag)
		name := strings.ToLower(m[2])
		if strict || !allowedTags[name] {
			return ""
		}
		if name == "br" {
			if m[1] != "" {
				return ""
			}
			return "<br>"
		}
		return "<" + m[1] + name + ">"
	})

	// Everything between the surviving bare tags is text.
	var b strings.Builder
	b.Grow(len(out))
	last := 0
	for _, loc := range bareTag.FindAllStringIndex(out, -1) {
		b.WriteString(escapeLoose(out[last:loc[0]]))
		b.WriteString(out[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(escapeLoose(out[last:]))
	return b.String()
}

// escapeLoose escapes angle brackets and any ampersand that does not already
// start a character reference, then removes scripting schemes and handlers.
func escapeLoose(text string) string {
	text = eventHandler.ReplaceAllString(scrub(text), "")
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			if entity.MatchString(text[i:]) {
				b.WriteByte(c)
			} else {
				b.WriteString("&amp;")
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

var _ Sanitizer = (*RegexSanitizer)(nil)
