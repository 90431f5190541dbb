// Package procid generates the time based identifiers that name every remote job.
package procid

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Format selects the timestamp layout used in a generated id.
type Format string

const (
	FormatDefault  Format = "default"
	FormatCompact  Format = "compact"
	FormatReadable Format = "readable"
	FormatDateOnly Format = "date_only"
)

var layouts = map[Format]string{
	FormatDefault:  "20060102_150405",
	FormatCompact:  "060102150405",
	FormatReadable: "2006-01-02_15-04-05",
	FormatDateOnly: "20060102",
}

// now and randomToken are replaced in tests.
var (
	now         = time.Now
	randomToken = func() string { return uuid.NewString()[:8] }
)

// New returns an id in the default format, e.g. 20250102_150405_1a2b3c4d.
func New() string {
	return Generate(FormatDefault, "", "")
}

// Generate builds [prefix_]TIMESTAMP_RANDOM[_suffix]. Unknown formats fall back to the default layout.
func Generate(format Format, prefix, suffix string) string {
	layout, ok := layouts[format]
	if !ok {
		layout = layouts[FormatDefault]
	}

	var b strings.Builder
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte('_')
	}
	b.WriteString(now().Format(layout))
	b.WriteByte('_')
	b.WriteString(randomToken())
	if suffix != "" {
		b.WriteByte('_')
		b.WriteString(suffix)
	}
	return b.String()
}
