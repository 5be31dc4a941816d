package message

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/proxyfeed/internal/proxy"
)

func batchOf(n int) []proxy.Proxy {
	var b []proxy.Proxy
	for i := 1; i <= n; i++ {
		b = append(b, proxy.Proxy{Host: fmt.Sprintf("h%d.example", i), Port: 443, Secret: "ee00"})
	}
	return b
}

func TestFormatGroupsThreePerLine(t *testing.T) {
	t.Parallel()

	text, links := Format(batchOf(7), Options{Label: "Connect", Footer: `<a href="https://t.me/x">x</a>`})
	require.Len(t, links, 7)

	lines := strings.Split(text, "\n")
	require.Len(t, lines, 5, "3 rows, blank line, footer")
	assert.Equal(t, 3, strings.Count(lines[0], "<a "))
	assert.Equal(t, 3, strings.Count(lines[1], "<a "))
	assert.Equal(t, 1, strings.Count(lines[2], "<a "))
	assert.Equal(t, "", lines[3])
	assert.Equal(t, `<a href="https://t.me/x">x</a>`, lines[4])

	assert.Equal(t, `<a href="https://t.me/proxy?server=h1.example&amp;port=443&amp;secret=ee00">Connect</a>`, strings.Split(lines[0], " | ")[0])
}

func TestFormatSkipsInvalid(t *testing.T) {
	t.Parallel()

	b := append(batchOf(1), proxy.Proxy{Host: "nosecret", Port: 1})
	text, links := Format(b, Options{})
	assert.Len(t, links, 1)
	assert.Contains(t, text, ">Proxy</a>")
	assert.NotContains(t, text, "nosecret")
}

func TestFormatEmpty(t *testing.T) {
	t.Parallel()

	text, links := Format(nil, Options{})
	assert.Empty(t, text)
	assert.Empty(t, links)
}

func TestFormatTruncates(t *testing.T) {
	t.Parallel()

	text, links := Format(batchOf(200), Options{Label: "پروکسی", Footer: "footer"})
	assert.LessOrEqual(t, utf8.RuneCountInString(text), MaxLength)
	assert.Greater(t, utf8.RuneCountInString(text), MaxLength-400)
	assert.True(t, strings.HasSuffix(text, "\n[...]\n\nfooter"), text[len(text)-40:])
	assert.Less(t, len(links), 200)
	assert.Zero(t, len(links)%3)
	assert.Equal(t, len(links), strings.Count(text, "<a "))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	short := strings.Repeat("a", MaxLength)
	assert.Equal(t, short, Truncate(short))

	long := strings.Repeat("é", MaxLength+1)
	got := Truncate(long)
	assert.Equal(t, MaxLength, utf8.RuneCountInString(got))
	assert.Equal(t, strings.Repeat("é", MaxLength-6)+"\n[...]", got)
}
