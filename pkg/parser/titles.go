package parser

import (
	"encoding/json"
	"regexp"
	"strings"
)

// MaxTitles caps the number of title suggestions returned.
const MaxTitles = 5

var (
	titlePrefixRe = regexp.MustCompile(`^\s*(?:[-*•+]|\d+[.)]|\(\d+\))\s*`)
	titleNoiseRe  = regexp.MustCompile(`^[\s\[\]{},:]*$`)
)

// ParseTitles extracts up to MaxTitles suggestions from a title reply. The
// reply is expected to be {"suggestions": [...]}; anything else is split by
// line with list numbering removed.
func ParseTitles(raw any) []string {
	if fields, err := decodeObject(raw); err == nil {
		for _, key := range []string{"suggestions", "titles"} {
			var list []string
			if err := json.Unmarshal(fields[key], &list); err == nil && list != nil {
				return cleanTitles(list)
			}
		}
	}

	var lines []string
	for _, line := range strings.Split(fallbackText(raw), "\n") {
		if titleNoiseRe.MatchString(line) {
			continue
		}
		line = titlePrefixRe.ReplaceAllString(line, "")
		line = strings.TrimRight(strings.TrimSpace(line), ",")
		lines = append(lines, line)
	}
	return cleanTitles(lines)
}

func cleanTitles(list []string) []string {
	titles := make([]string, 0, MaxTitles)
	for _, t := range list {
		t = strings.TrimSpace(strings.Trim(strings.TrimSpace(t), "\"'`“”‘’"))
		if t == "" {
			continue
		}
		titles = append(titles, t)
		if len(titles) == MaxTitles {
			break
		}
	}
	return titles
}
