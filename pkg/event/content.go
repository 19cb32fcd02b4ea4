package event

import (
	"strings"
)

const baseContentType = "application"

// ContentSubtype returns the codec name carried by contentType, e.g. "json"
// for "application/json; charset=utf-8".
func ContentSubtype(contentType string) (string, bool) {
	if !strings.HasPrefix(contentType, baseContentType+"/") {
		return "", false
	}

	subtype := contentType[len(baseContentType)+1:]
	if pos := strings.IndexByte(subtype, ';'); pos >= 0 {
		subtype = subtype[:pos]
	}

	subtype = strings.ToLower(strings.TrimSpace(subtype))
	if subtype == "" {
		return "", false
	}

	return subtype, true
}

func ContentType(contentSubtype string) string {
	return baseContentType + "/" + contentSubtype
}
