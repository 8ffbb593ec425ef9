// Package parser turns raw LLM replies into normalized story segments.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jwebster45206/adventure95/pkg/story"
)

// requiredKeys must all be present for a reply to take the JSON path.
var requiredKeys = []string{"content", "options", "newItems", "newCharacters", "locationContext"}

var (
	ErrNotJSON     = errors.New("reply is not a JSON object")
	ErrMissingKeys = errors.New("reply is missing required keys")
)

// Parse normalizes a model reply. raw may be a string, []byte, json.RawMessage
// or an already decoded map. JSON replies are validated and normalized; anything
// else goes through the line-oriented text parser. Parse always produces a
// segment; the error result is reserved and currently always nil.
func Parse(raw any, isEnding bool) (*story.Generated, error) {
	gen, err := ParseJSON(raw, isEnding)
	if err == nil {
		return gen, nil
	}
	return ParseText(fallbackText(raw), isEnding), nil
}

// ParseJSON runs only the strict JSON path.
func ParseJSON(raw any, isEnding bool) (*story.Generated, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingKeys, strings.Join(missing, ", "))
	}

	var content, location string
	if err := json.Unmarshal(fields["content"], &content); err != nil {
		return nil, fmt.Errorf("content is not a string: %w", err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrMissingKeys)
	}
	// A null location is tolerated and recovered from the content.
	_ = json.Unmarshal(fields["locationContext"], &location)
	location = normalizeLocation(location, content)

	options, err := decodeOptions(fields["options"])
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(fields["newItems"])
	if err != nil {
		return nil, err
	}
	npcs, err := decodeNPCs(fields["newCharacters"])
	if err != nil {
		return nil, err
	}

	gen := &story.Generated{
		Content:         content,
		Options:         options,
		NewItems:        items,
		NewCharacters:   npcs,
		LocationContext: location,
		Ending:          isEnding,
	}
	finalizeOptions(gen, isEnding)
	return gen, nil
}

// finalizeOptions enforces the option invariant: empty exactly when the segment ends.
func finalizeOptions(gen *story.Generated, isEnding bool) {
	if isEnding {
		gen.Options = []story.Option{}
		return
	}
	if len(gen.Options) == 0 {
		gen.Options = DefaultOptions()
	}
}

// decodeObject extracts a JSON object from raw, tolerating surrounding prose
// and markdown code fences.
func decodeObject(raw any) (map[string]json.RawMessage, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, ErrNotJSON
	case string:
		data = []byte(extractJSON(v))
	case []byte:
		data = []byte(extractJSON(string(v)))
	case json.RawMessage:
		data = []byte(extractJSON(string(v)))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
		}
		data = b
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	if fields == nil {
		return nil, ErrNotJSON
	}
	return fields, nil
}

// extractJSON strips code fences and any prose around the outermost object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// fallbackText picks the best text to feed the heuristic parser. A JSON object
// that failed validation still contributes its content field when it has one.
func fallbackText(raw any) string {
	if fields, err := decodeObject(raw); err == nil {
		var content string
		if err := json.Unmarshal(fields["content"], &content); err == nil && strings.TrimSpace(content) != "" {
			return content
		}
	}
	switch v := raw.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

type rawOption struct {
	Text        string `json:"text"`
	Description string `json:"description"`
	Risk        string `json:"risk"`
}

func decodeOptions(data json.RawMessage) ([]story.Option, error) {
	var elems []json.RawMessage
	if err := unmarshalList(data, &elems); err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}
	options := make([]story.Option, 0, len(elems))
	for _, elem := range elems {
		var text string
		if err := json.Unmarshal(elem, &text); err == nil {
			text = strings.TrimSpace(text)
			if text != "" {
				options = append(options, story.Option{Text: text, Risk: story.RiskMedium})
			}
			continue
		}
		var ro rawOption
		if err := json.Unmarshal(elem, &ro); err != nil {
			return nil, fmt.Errorf("options: %w", err)
		}
		text = strings.TrimSpace(ro.Text)
		if text == "" {
			text = strings.TrimSpace(ro.Description)
		}
		if text == "" {
			continue
		}
		options = append(options, story.Option{Text: text, Risk: story.ParseRisk(ro.Risk)})
	}
	return options, nil
}

func decodeItems(data json.RawMessage) ([]story.ItemUpdate, error) {
	var elems []json.RawMessage
	if err := unmarshalList(data, &elems); err != nil {
		return nil, fmt.Errorf("newItems: %w", err)
	}
	items := make([]story.ItemUpdate, 0, len(elems))
	for _, elem := range elems {
		var name string
		if err := json.Unmarshal(elem, &name); err == nil {
			if name = strings.TrimSpace(name); name != "" {
				items = append(items, story.ItemUpdate{Name: name})
			}
			continue
		}
		var item story.ItemUpdate
		if err := json.Unmarshal(elem, &item); err != nil {
			return nil, fmt.Errorf("newItems: %w", err)
		}
		item.Name = strings.TrimSpace(item.Name)
		item.Description = strings.TrimSpace(item.Description)
		item.State = strings.TrimSpace(item.State)
		if item.State != "" {
			item.State = string(story.ParseItemState(item.State))
		}
		if item.Name != "" {
			items = append(items, item)
		}
	}
	return items, nil
}

type rawNPC struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Relationship string `json:"relationship"`
	State        string `json:"state"`
}

func decodeNPCs(data json.RawMessage) ([]story.NPCUpdate, error) {
	var elems []json.RawMessage
	if err := unmarshalList(data, &elems); err != nil {
		return nil, fmt.Errorf("newCharacters: %w", err)
	}
	npcs := make([]story.NPCUpdate, 0, len(elems))
	for _, elem := range elems {
		var name string
		if err := json.Unmarshal(elem, &name); err == nil {
			if name = strings.TrimSpace(name); name != "" {
				npcs = append(npcs, story.NPCUpdate{Name: name})
			}
			continue
		}
		var rn rawNPC
		if err := json.Unmarshal(elem, &rn); err != nil {
			return nil, fmt.Errorf("newCharacters: %w", err)
		}
		npc := story.NPCUpdate{
			Name:         strings.TrimSpace(rn.Name),
			Description:  strings.TrimSpace(rn.Description),
			Relationship: parseStatedRelationship(rn.Relationship),
			State:        strings.TrimSpace(rn.State),
		}
		if npc.Name != "" {
			npcs = append(npcs, npc)
		}
	}
	return npcs, nil
}

// unmarshalList accepts a JSON array or null.
func unmarshalList(data json.RawMessage, out *[]json.RawMessage) error {
	if len(data) == 0 || string(data) == "null" {
		*out = nil
		return nil
	}
	return json.Unmarshal(data, out)
}

// parseStatedRelationship keeps a missing relationship empty so a re-mention
// does not reset the character; anything stated but unrecognized is NEUTRAL.
func parseStatedRelationship(s string) story.Relationship {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return story.ParseRelationship(s)
}
