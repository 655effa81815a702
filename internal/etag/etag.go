// Package etag derives entity tags from resource content and parses the
// conditional request headers that carry them back.
package etag

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Of returns the strong, quoted entity tag for content. The tag is the first
// 16 bytes of its BLAKE2b-256 digest.
func Of(content []byte) string {
	sum := blake2b.Sum256(content)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// Normalize quotes a bare tag and strips a weak prefix, so that values
// read from query strings and headers compare equal.
func Normalize(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	tag = strings.TrimPrefix(tag, "W/")
	if !strings.HasPrefix(tag, `"`) {
		tag = `"` + tag + `"`
	}
	return tag
}

// ParseIfNoneMatch returns the tags listed in an If-None-Match header.
// A lone "*" yields []string{"*"}.
func ParseIfNoneMatch(header string) []string {
	var out []string
	for _, part := range strings.Split(header, ",") {
		if t := Normalize(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// First returns the first tag of an If-None-Match header, or "" when the
// header is empty or a wildcard. Live waits compare against a single tag.
func First(header string) string {
	tags := ParseIfNoneMatch(header)
	if len(tags) == 0 || tags[0] == `"*"` || strings.TrimSpace(header) == "*" {
		return ""
	}
	return tags[0]
}
