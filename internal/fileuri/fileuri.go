// Package fileuri turns absolute paths into percent-encoded file:// URIs.
package fileuri

import (
	"strings"
)

const (
	// Scheme is prepended to every encoded path.
	Scheme   = "file://"
	upperhex = "0123456789ABCDEF"
)

// unreserved reports whether c may appear in a file URI path unescaped.
// The path separator is kept so the result remains a hierarchical URI.
func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '~', '/':
		return true
	}
	return false
}

// Escape percent-encodes every byte of p outside the unreserved set using
// upper-case hex digits. Multi-byte UTF-8 sequences are encoded byte by byte.
func Escape(p string) string {
	n := 0
	for i := 0; i < len(p); i++ {
		if !unreserved(p[i]) {
			n++
		}
	}
	if n == 0 {
		return p
	}

	var b strings.Builder
	b.Grow(len(p) + 2*n)
	for i := 0; i < len(p); i++ {
		c := p[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

// FromPath returns the file:// URI for an absolute path.
func FromPath(p string) string {
	return Scheme + Escape(p)
}

// FromRecords splits newline-delimited picker output into URIs, preserving
// order. Only newline-terminated records count: a trailing partial record is
// dropped, as are empty records.
func FromRecords(out []byte) []string {
	var uris []string
	s := string(out)
	for {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			return uris
		}
		line := s[:i]
		s = s[i+1:]
		if line == "" {
			continue
		}
		uris = append(uris, FromPath(line))
	}
}
