// Package logging configures the structured logger shared by every function.
//
// Output is JSON on stdout so CloudWatch Logs Insights can query fields
// directly. Subscriber addresses must go through Email so they are redacted
// before they reach the log stream.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a logger writing JSON to w at the given level. Unknown levels
// fall back to info.
func New(w io.Writer, level string, function string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	l := zerolog.New(w).Level(lvl).With().Timestamp()
	if function != "" {
		l = l.Str("function", function)
	}
	return l.Logger()
}

// Default returns a stdout logger configured from LOG_LEVEL.
func Default(function string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	return New(os.Stdout, os.Getenv("LOG_LEVEL"), function)
}

// Email masks an address for safe logging.
// "john.doe@example.com" becomes "jo***@example.com" and local parts of two
// characters or fewer are fully masked.
func Email(email string) string {
	name, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(name) > 2 {
		return name[:2] + "***@" + domain
	}
	return "***@" + domain
}
