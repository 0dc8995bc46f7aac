package ping

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// SchemaVersion is the payload schema version in submission paths.
	SchemaVersion = 1

	maxSourceTags   = 5
	reservedTagHead = "glean"
)

var (
	tagPattern     = regexp.MustCompile(`^[a-zA-Z0-9-]{1,20}$`)
	appIDSanitizer = regexp.MustCompile(`[^a-z0-9]+`)
)

// SanitizeApplicationID lowercases id and collapses every run of characters
// outside [a-z0-9] into a dash.
func SanitizeApplicationID(id string) string {
	return appIDSanitizer.ReplaceAllString(strings.ToLower(id), "-")
}

// MakePath builds the submission path of a ping document.
func MakePath(appID, docID, pingName string) string {
	return fmt.Sprintf("/submit/%s/%s/%d/%s", SanitizeApplicationID(appID), pingName, SchemaVersion, docID)
}

// ValidDebugViewTag reports whether tag can be sent as X-Debug-ID.
func ValidDebugViewTag(tag string) bool {
	return tagPattern.MatchString(tag)
}

// ValidSourceTags reports whether tags can be sent as X-Source-Tags: one to
// five tags, each a valid debug view tag not starting with "glean".
func ValidSourceTags(tags []string) bool {
	if len(tags) == 0 || len(tags) > maxSourceTags {
		return false
	}
	for _, tag := range tags {
		if !tagPattern.MatchString(tag) || strings.HasPrefix(tag, reservedTagHead) {
			return false
		}
	}
	return true
}
