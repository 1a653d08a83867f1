// Package android quotes arguments for /system/bin/sh (mksh), the shell
// adbd's "shell:" and "exec:" services run commands under.
package android

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// QuoteShell quotes and joins arguments for /system/bin/sh.
//
// https://cs.android.com/android/platform/superproject/main/+/main:external/mksh/src/lex.c
func QuoteShell(arg ...string) string {
	var b bytes.Buffer
	for i, a := range arg {
		if i != 0 {
			b.WriteByte(' ')
		}
		quoteWord(a, &b)
	}
	return b.String()
}

const (
	specialChars      = "\\'\"`${[|&;<>()*?!"
	extraSpecialChars = " \t\n"
	prefixChars       = "~"
)

// quoteWord is adapted from kballard/go-shellquote, tuned for mksh: prefer
// backslash-escaping a single word, but fall back to single-quoting the
// whole word on whitespace (nicer to read than an escape per character).
//
// original implementation Copyright (C) 2014 Kevin Ballard.
func quoteWord(word string, buf *bytes.Buffer) {
	origLen := buf.Len()

	if len(word) == 0 {
		buf.WriteString("''")
		return
	}

	cur, prev := word, word
	atStart := true
	for len(cur) > 0 {
		c, l := utf8.DecodeRuneInString(cur)
		cur = cur[l:]
		switch {
		case strings.ContainsRune(specialChars, c) || (atStart && strings.ContainsRune(prefixChars, c)):
			if len(cur) < len(prev) {
				buf.WriteString(prev[0 : len(prev)-len(cur)-l])
			}
			buf.WriteByte('\\')
			buf.WriteRune(c)
			prev = cur
		case strings.ContainsRune(extraSpecialChars, c):
			buf.Truncate(origLen)
			quoteWordSingle(word, buf)
			return
		}
		atStart = false
	}
	if len(prev) > 0 {
		buf.WriteString(prev)
	}
}

// quoteWordSingle wraps word in single quotes, splitting around any
// embedded single quotes since mksh has no escape inside '...'.
func quoteWordSingle(word string, buf *bytes.Buffer) {
	inQuote := false
	for len(word) > 0 {
		i := strings.IndexByte(word, '\'')
		if i == -1 {
			break
		}
		if i > 0 {
			if !inQuote {
				buf.WriteByte('\'')
				inQuote = true
			}
			buf.WriteString(word[:i])
		}
		word = word[i+1:]
		if inQuote {
			buf.WriteByte('\'')
			inQuote = false
		}
		buf.WriteString("\\'")
	}
	if len(word) > 0 {
		if !inQuote {
			buf.WriteByte('\'')
		}
		buf.WriteString(word)
		buf.WriteByte('\'')
	}
}
