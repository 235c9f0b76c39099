package sandbox

import (
	"strings"
)

const maxSlugLen = 40

// Slugify derives a DNS-safe slug from a display name: lowercase, runs of
// non-alphanumeric characters collapsed to single hyphens, trimmed, at most
// 40 characters. Returns the fallback when nothing survives.
func Slugify(name, fallback string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return fallback
	}
	return slug
}
