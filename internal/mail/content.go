package mail

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"newsletter/types"
)

var addressPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidAddress reports whether email looks like a deliverable address.
func ValidAddress(email string) bool {
	return addressPattern.MatchString(email)
}

// Normalize trims and lower-cases an address so it can be used as a key.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// placeholder matches the only tags Content substitutes.
var placeholder = regexp.MustCompile(`\{\{\s*(name|email|firstName)\s*\}\}`)

// Content is newsletter body text that may reference {{name}}, {{email}}
// and {{firstName}}. Everything else, including other brace expressions such
// as code samples, is sent as written.
type Content struct {
	src string
}

// ParseContent wraps src for personalization.
func ParseContent(src string) *Content {
	return &Content{src: src}
}

// Personalize renders the content for a single subscriber.
func (c *Content) Personalize(sub types.Subscriber) string {
	if c.src == "" {
		return ""
	}
	values := fields(sub)
	return placeholder.ReplaceAllStringFunc(c.src, func(tag string) string {
		return values[placeholder.FindStringSubmatch(tag)[1]]
	})
}

func fields(sub types.Subscriber) map[string]string {
	name, firstName := "Subscriber", "Friend"
	if sub.Name != "" {
		name = sub.Name
		if f := strings.Fields(sub.Name); len(f) > 0 {
			firstName = f[0]
		}
	}
	return map[string]string{
		"name":      name,
		"email":     sub.Email,
		"firstName": firstName,
	}
}

// AddFooter inserts footer before the closing body tag, or appends it when
// the document has none.
func AddFooter(htmlContent, footer string) string {
	if strings.Contains(htmlContent, "</body>") {
		return strings.Replace(htmlContent, "</body>", footer+"</body>", 1)
	}
	return htmlContent + footer
}

var textPolicy = bluemonday.StrictPolicy()

// StripHTML reduces an HTML document to its plain text.
func StripHTML(htmlContent string) string {
	s := html.UnescapeString(textPolicy.Sanitize(htmlContent))
	return strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " "))
}
