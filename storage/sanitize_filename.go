// Adapted from https://github.com/subosito/gozaru
package storage

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	characterFilter   = `[\x00-\x1F\/\\:\*\?\"<>\|]`
	unicodeWhitespace = `[[:space:]]+`

	// Leaves room for the hash suffix and extension within a 255 byte name.
	maxNameLength = 200
)

var (
	fallbackFilename = "item"

	characterFilterRx   = regexp.MustCompile(characterFilter)
	unicodeWhitespaceRx = regexp.MustCompile(unicodeWhitespace)
)

func sanitize(s string, n int, fallback string) string {
	if fallback == "" {
		fallback = fallbackFilename
	}

	sc := clean(s, fallback)
	nc := len(sc)

	if n > nc {
		return sc
	}

	if nc > maxNameLength {
		nc = maxNameLength
	}

	if n != 0 {
		nc -= n
	}

	return sc[0:nc]
}

func replace(s string, rx *regexp.Regexp, replacement string) string {
	return strings.TrimSpace(rx.ReplaceAllString(s, replacement))
}

func clean(s string, fallback string) string {
	sc := replace(s, unicodeWhitespaceRx, " ")
	sc = replace(sc, characterFilterRx, "_")
	sc = replace(sc, unicodeWhitespaceRx, " ")
	return filter(sc, fallback)
}

func filter(s string, fallback string) string {
	s = filterBlank(s, fallback)
	s = filterDot(s, fallback)

	return s
}

func filterBlank(s string, fallback string) string {
	if s == "" {
		return fallback
	}

	return s
}

func filterDot(s string, fallback string) string {
	if strings.HasPrefix(s, ".") {
		return fmt.Sprintf("%s%s", fallback, s)
	}

	return s
}
