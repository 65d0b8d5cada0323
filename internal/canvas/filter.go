package canvas

import "strings"

// FilterActive removes administrative containers (name contains a denylist
// keyword) and keeps only courses tagged with a current-term marker in the
// name or term field. Pure function: safe to test without any network.
func FilterActive(courses []RemoteCourse, skipKeywords, termMarkers []string) []RemoteCourse {
	out := make([]RemoteCourse, 0, len(courses))
	for _, course := range courses {
		name := strings.ToLower(course.Name)
		term := strings.ToLower(course.Term)

		skip := false
		for _, kw := range skipKeywords {
			if strings.Contains(name, strings.ToLower(kw)) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		matched := len(termMarkers) == 0
		for _, marker := range termMarkers {
			m := strings.ToLower(marker)
			if strings.Contains(name, m) || strings.Contains(term, m) {
				matched = true
				break
			}
		}
		if matched {
			out = append(out, course)
		}
	}
	return out
}

// ShortCode derives a compact course code from a display name: the first
// token split on whitespace or a period. "CIS4930.001F25" becomes "CIS4930".
func ShortCode(name string) string {
	fields := strings.FieldsFunc(name, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '.'
	})
	if len(fields) == 0 {
		return name
	}
	return fields[0]
}
