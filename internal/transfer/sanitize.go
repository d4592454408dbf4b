package transfer

import "strings"

// fallbackFileName is used when sanitization leaves nothing behind.
const fallbackFileName = "arquivo"

// SanitizeFileName makes a remote-supplied file name safe for the local
// filesystem: reserved characters and control code points become '_',
// surrounding whitespace is trimmed, and an empty result falls back to a
// placeholder name.
func SanitizeFileName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r < 0x20:
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return fallbackFileName
	}
	return out
}
