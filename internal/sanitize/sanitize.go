// Package sanitize cleans user supplied message text down to a small HTML safelist.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/plannr/messaging-service/internal/model"
)

// Sanitizer cleans text. In strict mode all markup is removed.
// Implementations must be idempotent.
type Sanitizer interface {
	Sanitize(text string, strict bool) string
}

const (
	KindHTML  = "html"
	KindRegex = "regex"
)

// maxPasses bounds the fixpoint loop run by both implementations.
const maxPasses = 8

// New returns the sanitizer for the given kind.
func New(kind string) (Sanitizer, error) {
	switch kind {
	case "", KindHTML:
		return NewHTML(), nil
	case KindRegex:
		return NewRegex(), nil
	default:
		return nil, fmt.Errorf("unknown sanitizer %q; valid: [%s %s]", kind, KindHTML, KindRegex)
	}
}

var allowedTags = map[string]bool{
	"b": true, "i": true, "u": true, "strong": true, "em": true,
	"p": true, "br": true, "a": true, "ul": true, "ol": true, "li": true,
	"blockquote": true, "code": true, "pre": true,
}

var allowedAttrs = map[string]map[string]bool{
	"a": {"href": true, "target": true, "rel": true},
}

// Elements whose content is dropped along with the tag.
var dropContent = map[string]bool{
	"script": true, "style": true, "iframe": true, "noembed": true, "noframes": true,
	"noscript": true, "plaintext": true, "textarea": true, "title": true, "xmp": true,
	"object": true, "svg": true, "math": true,
}

var (
	scriptScheme = regexp.MustCompile(`(?i)(?:java|vb|live)script\s*:`)
	dataScheme   = regexp.MustCompile(`(?i)data\s*:\s*text/html`)
)

// scrub removes scripting URI schemes until none remain. Removal can join
// fragments into a new match, so it loops.
func scrub(s string) string {
	for {
		next := scriptScheme.ReplaceAllString(s, "")
		next = dataScheme.ReplaceAllString(next, "")
		if next == s {
			return s
		}
		s = next
	}
}

func fixpoint(text string, pass func(string) string) string {
	out := pass(text)
	for i := 1; i < maxPasses; i++ {
		next := pass(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

// Metadata keys holding free text that is rendered to other users.
var metadataTextFields = []string{"caption", "title", "description", "linkTitle", "linkDescription"}

// SanitizeMessage cleans the content, attachment filenames and metadata text
// fields of msg in place. Filenames are always cleaned in strict mode.
func SanitizeMessage(s Sanitizer, msg *model.Message, strict bool) {
	if msg == nil {
		return
	}
	msg.Content = s.Sanitize(msg.Content, strict)
	for i := range msg.Attachments {
		msg.Attachments[i].Filename = s.Sanitize(msg.Attachments[i].Filename, true)
	}
	for _, key := range metadataTextFields {
		if v, ok := msg.Metadata[key].(string); ok {
			msg.Metadata[key] = s.Sanitize(v, strict)
		}
	}
}

// PlainText returns text with all markup removed, as used for previews.
func PlainText(s Sanitizer, text string) string {
	return strings.TrimSpace(s.Sanitize(text, true))
}
