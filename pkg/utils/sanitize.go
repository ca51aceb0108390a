package utils

import (
	"regexp"
	"strings"
)

// PathPlaceholder replaces characters that cannot appear in a file name.
const PathPlaceholder = "_"

// Reserved characters on Windows plus '&', raw or percent-encoded.
var forbiddenPathChars = regexp.MustCompile(`[:*?"<>|&]|%(?:3[aAfFcCeE]|2[aA26]|7[cC])`)

// EscapeForbidden replaces filesystem-forbidden characters in p with PathPlaceholder.
// Slashes are kept so that p may be a multi-segment path.
func EscapeForbidden(p string) string {
	return forbiddenPathChars.ReplaceAllString(p, PathPlaceholder)
}

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)
var consecutiveUnderscores = regexp.MustCompile(`_+`)

const maxFilenameLength = 100

// SanitizeFilename cleans a string to be safe for use as a single filename component.
func SanitizeFilename(name string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")
	sanitized = consecutiveUnderscores.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_ ")

	if len(sanitized) > maxFilenameLength {
		sanitized = strings.Trim(sanitized[:maxFilenameLength], "_ ")
	}
	if sanitized == "" {
		sanitized = "untitled"
	}
	return sanitized
}
