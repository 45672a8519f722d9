// Package tgui builds message fragments for Telegram's HTML parse mode.
package tgui

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"
)

// H is HTML that is already safe to send. Build it with the helpers below.
type H string

func (h H) String() string { return string(h) }

func Esc(s string) H { return H(html.EscapeString(s)) }

func B(s string) H    { return H("<b>" + html.EscapeString(s) + "</b>") }
func I(s string) H    { return H("<i>" + html.EscapeString(s) + "</i>") }
func Code(s string) H { return H("<code>" + html.EscapeString(s) + "</code>") }

// Field renders "<b>label:</b> value" with value formatted by %v.
func Field(label string, value any) H {
	return B(label+":") + " " + Esc(fmt.Sprint(value))
}

// Lines joins non-empty parts with newlines.
func Lines(parts ...H) H {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			out = append(out, string(p))
		}
	}
	return H(strings.Join(out, "\n"))
}

// Trunc cuts s to at most n runes, marking the cut with "…".
func Trunc(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n-1 {
			return s[:pos] + "…"
		}
		i++
	}
	return s
}
