// Package message renders proxy batches as Telegram HTML messages.
package message

import (
	"fmt"
	"html"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/die-net/proxyfeed/internal/proxy"
)

const (
	// MaxLength is Telegram's limit for a message text.
	MaxLength = 4096

	perLine        = 3
	separator      = " | "
	ellipsis       = "[...]"
	truncateMarker = "\n" + ellipsis
)

type Options struct {
	// Label is the visible text of every proxy link.
	Label string
	// Footer, if set, is appended after a blank line. It is raw HTML.
	Footer string
}

// Format renders batch as clickable links, three to a line, and returns the
// message together with the links that made it in. Invalid records are
// skipped. When the text would exceed MaxLength runes, trailing rows are
// replaced by an ellipsis line.
func Format(batch []proxy.Proxy, opts Options) (string, []string) {
	label := opts.Label
	if label == "" {
		label = "Proxy"
	}

	var links []string
	for _, p := range batch {
		if p.Validate() != nil {
			continue
		}
		links = append(links, p.Link())
	}

	var rows []string
	for i := 0; i < len(links); i += perLine {
		row := links[i:min(i+perLine, len(links))]
		anchors := make([]string, 0, len(row))
		for _, link := range row {
			anchors = append(anchors, fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(link), html.EscapeString(label)))
		}
		rows = append(rows, strings.Join(anchors, separator))
	}

	render := func(rows []string, cut bool) string {
		parts := slices.Clone(rows)
		if cut {
			parts = append(parts, ellipsis)
		}
		if opts.Footer != "" {
			parts = append(parts, "\n"+opts.Footer)
		}
		return strings.Join(parts, "\n")
	}

	// Drop whole rows rather than cutting through an anchor tag.
	text := render(rows, false)
	for len(rows) > 0 && utf8.RuneCountInString(text) > MaxLength {
		rows = rows[:len(rows)-1]
		text = render(rows, true)
	}

	return Truncate(text), links[:min(len(links), len(rows)*perLine)]
}

// Truncate shortens text to MaxLength runes, ending it with a marker when
// anything was cut.
func Truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxLength {
		return text
	}
	keep := MaxLength - utf8.RuneCountInString(truncateMarker)
	runes := []rune(text)
	return string(runes[:keep]) + truncateMarker
}
