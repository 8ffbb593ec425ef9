package parser

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jwebster45206/adventure95/pkg/story"
)

// UnknownLocation is used when no location can be recovered from a reply.
const UnknownLocation = "Unknown location"

const fallbackContent = "The story continues, though the details are hazy."

type section int

const (
	sectionContent section = iota
	sectionChoices
	sectionItems
	sectionCharacters
	sectionLocation
)

var (
	headerRe      = regexp.MustCompile(`(?i)^[#*_\s]*(choices|choice|options|option|actions|action|new items|items|item|inventory|new characters|characters|character|npcs|npc|locations|location|setting)[*_\s]*:[*_\s]*(.*)$`)
	bulletRe      = regexp.MustCompile(`^\s*(?:[-*•+]|\d+[.)]|[a-zA-Z][.)])\s+(.+)$`)
	numberRe      = regexp.MustCompile(`^\s*\d+[.)]\s+(.+)$`)
	riskTagRe     = regexp.MustCompile(`(?i)\s*[(\[]\s*(low|medium|high)(?:\s+risk)?\s*[)\]]\s*`)
	locationRe    = regexp.MustCompile(`(?i)\b(?:in|at|near|inside|outside|within)\s+the\s+([a-z][a-z'\-]*(?:\s+[a-z][a-z'\-]*){0,2})`)
	sentenceEndRe = regexp.MustCompile(`[.!?](\s|$)`)
)

// Words that stop a location phrase, so "in the cave where" yields "Cave".
var locationStopWords = map[string]bool{
	"where": true, "and": true, "with": true, "while": true, "as": true, "that": true,
	"which": true, "of": true, "to": true, "for": true, "but": true, "when": true,
}

var highRiskWords = []string{"danger", "attack", "confront", "fight"}
var lowRiskWords = []string{"careful", "safe", "hide", "retreat"}
var hostileWords = []string{"enemy", "hostile", "foe", "unfriendly", "threaten"}
var friendlyWords = []string{"friend", "ally", "allied"}

// ParseText is the heuristic parser for replies that are not valid JSON. It
// buckets lines under section headers, pulls list entries out of each bucket
// and synthesizes whatever is missing. It never panics; on an internal failure
// it returns a minimal segment built from the raw text.
func ParseText(text string, isEnding bool) (gen *story.Generated) {
	defer func() {
		if r := recover(); r != nil {
			gen = minimalSegment(text, isEnding)
		}
	}()

	var (
		content   []string
		choices   []string
		items     []string
		npcs      []string
		location  string
		current   = sectionContent
		sawHeader bool
	)

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if m := headerRe.FindStringSubmatch(line); m != nil {
			current = sectionFor(m[1])
			sawHeader = sawHeader || current == sectionChoices
			rest := strings.TrimSpace(m[2])
			if rest == "" {
				continue
			}
			if current == sectionLocation {
				location = rest
				continue
			}
			line = rest
		}

		trimmed := strings.TrimSpace(line)
		switch current {
		case sectionContent:
			content = append(content, trimmed)
		case sectionLocation:
			if location == "" && trimmed != "" {
				location = stripBullet(trimmed)
			}
		default:
			entry, ok := listEntry(trimmed)
			if !ok {
				continue
			}
			switch current {
			case sectionChoices:
				choices = append(choices, entry)
			case sectionItems:
				items = append(items, entry)
			case sectionCharacters:
				npcs = append(npcs, entry)
			}
		}
	}

	// Without a choices header, trailing numbered lines are the options.
	if !sawHeader {
		content, choices = splitNumberedTail(content)
	}

	body := joinParagraphs(content)
	if body == "" {
		body = strings.TrimSpace(text)
	}
	if body == "" {
		body = fallbackContent
	}

	gen = &story.Generated{
		Content:         body,
		Options:         make([]story.Option, 0, len(choices)),
		NewItems:        make([]story.ItemUpdate, 0, len(items)),
		NewCharacters:   make([]story.NPCUpdate, 0, len(npcs)),
		LocationContext: normalizeLocation(location, body),
		Ending:          isEnding,
	}
	for _, c := range choices {
		gen.Options = append(gen.Options, optionFromText(c))
	}
	for _, entry := range items {
		name, desc := splitEntry(entry)
		gen.NewItems = append(gen.NewItems, story.ItemUpdate{Name: name, Description: desc})
	}
	for _, entry := range npcs {
		name, desc := splitEntry(entry)
		gen.NewCharacters = append(gen.NewCharacters, story.NPCUpdate{
			Name:         name,
			Description:  desc,
			Relationship: InferRelationship(entry),
		})
	}
	finalizeOptions(gen, isEnding)
	return gen
}

// DefaultOptions are the cautious, forward and bold archetypes offered when a
// reply carries no usable choices.
func DefaultOptions() []story.Option {
	return []story.Option{
		{Text: "Proceed cautiously and study your surroundings", Risk: story.RiskLow},
		{Text: "Press forward along the path ahead", Risk: story.RiskMedium},
		{Text: "Take bold, decisive action", Risk: story.RiskHigh},
	}
}

// InferRisk guesses an option's risk from its wording.
func InferRisk(text string) story.Risk {
	lower := strings.ToLower(text)
	if containsAny(lower, highRiskWords) {
		return story.RiskHigh
	}
	if containsAny(lower, lowRiskWords) {
		return story.RiskLow
	}
	return story.RiskMedium
}

// InferRelationship guesses an NPC's disposition from its description. It
// returns "" when the text gives no cue either way.
func InferRelationship(text string) story.Relationship {
	lower := strings.ToLower(text)
	if containsAny(lower, hostileWords) {
		return story.RelationshipHostile
	}
	if containsAny(lower, friendlyWords) {
		return story.RelationshipFriendly
	}
	return ""
}

func minimalSegment(text string, isEnding bool) *story.Generated {
	content := strings.TrimSpace(text)
	if content == "" {
		content = fallbackContent
	}
	gen := &story.Generated{
		Content:         content,
		Options:         []story.Option{},
		NewItems:        []story.ItemUpdate{},
		NewCharacters:   []story.NPCUpdate{},
		LocationContext: UnknownLocation,
		Ending:          isEnding,
	}
	if !isEnding {
		gen.Options = []story.Option{
			{Text: "Continue onward", Risk: story.RiskMedium},
			{Text: "Look around carefully", Risk: story.RiskLow},
		}
	}
	return gen
}

func sectionFor(header string) section {
	switch h := strings.ToLower(header); {
	case strings.HasPrefix(h, "choice"), strings.HasPrefix(h, "option"), strings.HasPrefix(h, "action"):
		return sectionChoices
	case strings.Contains(h, "item"), h == "inventory":
		return sectionItems
	case strings.Contains(h, "character"), strings.HasPrefix(h, "npc"):
		return sectionCharacters
	default:
		return sectionLocation
	}
}

func listEntry(line string) (string, bool) {
	m := bulletRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	entry := strings.TrimSpace(strings.Trim(m[1], "*_"))
	return entry, entry != ""
}

func stripBullet(line string) string {
	if entry, ok := listEntry(line); ok {
		return entry
	}
	return line
}

// splitNumberedTail moves a trailing run of numbered lines out of the content.
func splitNumberedTail(lines []string) ([]string, []string) {
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	start := end
	for start > 0 && numberRe.MatchString(lines[start-1]) {
		start--
	}
	if start == end {
		return lines, nil
	}
	var choices []string
	for _, l := range lines[start:end] {
		choices = append(choices, strings.TrimSpace(numberRe.FindStringSubmatch(l)[1]))
	}
	return lines[:start], choices
}

func optionFromText(text string) story.Option {
	if m := riskTagRe.FindStringSubmatch(text); m != nil {
		cleaned := strings.TrimSpace(riskTagRe.ReplaceAllString(text, " "))
		return story.Option{Text: cleaned, Risk: story.ParseRisk(m[1])}
	}
	return story.Option{Text: text, Risk: InferRisk(text)}
}

// splitEntry separates "Name - description" style list entries.
func splitEntry(entry string) (string, string) {
	for _, sep := range []string{" - ", " – ", " — ", ": "} {
		if name, desc, ok := strings.Cut(entry, sep); ok {
			return strings.TrimSpace(name), strings.TrimSpace(desc)
		}
	}
	return strings.TrimSpace(entry), ""
}

func joinParagraphs(lines []string) string {
	var paragraphs []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			paragraphs = append(paragraphs, strings.Join(current, " "))
			current = nil
		}
	}
	for _, l := range lines {
		if l == "" {
			flush()
			continue
		}
		current = append(current, l)
	}
	flush()
	return strings.Join(paragraphs, "\n\n")
}

// normalizeLocation keeps an explicit location, otherwise looks for
// "in the X" style phrases in the first sentence of the narrative.
func normalizeLocation(explicit, body string) string {
	if loc := limitWords(strings.Trim(explicit, " .*_\"'"), 3); loc != "" {
		return loc
	}
	first := body
	if idx := sentenceEndRe.FindStringIndex(body); idx != nil {
		first = body[:idx[0]]
	}
	m := locationRe.FindStringSubmatch(first)
	if m == nil {
		return UnknownLocation
	}
	var words []string
	for _, w := range strings.Fields(m[1]) {
		if locationStopWords[strings.ToLower(w)] {
			break
		}
		words = append(words, w)
	}
	if len(words) == 0 {
		return UnknownLocation
	}
	// A Caser holds state and cannot be shared between goroutines.
	caser := cases.Title(language.English)
	return caser.String(strings.Join(words, " "))
}

func limitWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
