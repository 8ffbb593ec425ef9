package parser

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/adventure95/pkg/story"
)

const wellFormed = `{
  "content": "  You stand at the mouth of a cave.  ",
  "options": [
    {"text": " Enter the cave ", "risk": "high"},
    {"text": "Wait outside", "risk": "bogus"},
    {"text": "Search the ground"}
  ],
  "newItems": [{"name": " Lantern ", "description": "dented brass"}, "Rope"],
  "newCharacters": [
    {"name": "Old Hermit", "description": "watches you", "relationship": "friendly"},
    {"name": "Wolf", "relationship": "ANGRY"}
  ],
  "locationContext": " Cave Mouth "
}`

func TestParse_JSONNormalization(t *testing.T) {
	gen, err := Parse(wellFormed, false)
	require.NoError(t, err)

	assert.Equal(t, "You stand at the mouth of a cave.", gen.Content)
	assert.Equal(t, "Cave Mouth", gen.LocationContext)
	require.Len(t, gen.Options, 3)
	assert.Equal(t, story.Option{Text: "Enter the cave", Risk: story.RiskHigh}, gen.Options[0])
	assert.Equal(t, story.RiskMedium, gen.Options[1].Risk)
	assert.Equal(t, story.RiskMedium, gen.Options[2].Risk)

	require.Len(t, gen.NewItems, 2)
	assert.Equal(t, "Lantern", gen.NewItems[0].Name)
	assert.Equal(t, "Rope", gen.NewItems[1].Name)

	require.Len(t, gen.NewCharacters, 2)
	assert.Equal(t, story.RelationshipFriendly, gen.NewCharacters[0].Relationship)
	assert.Equal(t, story.RelationshipNeutral, gen.NewCharacters[1].Relationship)
	assert.False(t, gen.Ending)
}

func TestParse_EndingForcesNoOptions(t *testing.T) {
	gen, err := Parse(wellFormed, true)
	require.NoError(t, err)
	assert.NotNil(t, gen.Options)
	assert.Empty(t, gen.Options)
	assert.True(t, gen.Ending)
}

func TestParse_OptionsEmptyIffEnding(t *testing.T) {
	inputs := []any{
		wellFormed,
		[]byte(wellFormed),
		json.RawMessage(wellFormed),
		map[string]any{
			"content": "A quiet road.", "options": []any{}, "newItems": nil,
			"newCharacters": []any{}, "locationContext": "",
		},
		"```json\n" + wellFormed + "\n```",
	}
	for i, in := range inputs {
		for _, ending := range []bool{true, false} {
			gen, err := Parse(in, ending)
			require.NoError(t, err, "input %d", i)
			assert.Equal(t, ending, len(gen.Options) == 0, "input %d ending=%v", i, ending)
			for _, o := range gen.Options {
				assert.Contains(t, []story.Risk{story.RiskLow, story.RiskMedium, story.RiskHigh}, o.Risk)
			}
		}
	}
}

func TestParse_MissingKeyFallsBack(t *testing.T) {
	raw := `{"content": "The bridge creaks beneath you.", "options": ["Cross quickly"]}`
	_, err := ParseJSON(raw, false)
	require.ErrorIs(t, err, ErrMissingKeys)

	gen, err := Parse(raw, false)
	require.NoError(t, err)
	assert.Equal(t, "The bridge creaks beneath you.", gen.Content)
	assert.Len(t, gen.Options, 3)
}

func TestParse_NullLocationDefaults(t *testing.T) {
	raw := `{"content":"x","options":[],"newItems":[],"newCharacters":[],"locationContext":null}`
	gen, err := Parse(raw, false)
	require.NoError(t, err)
	assert.Equal(t, UnknownLocation, gen.LocationContext)
	assert.Equal(t, DefaultOptions(), gen.Options)
}

func TestParseText_Sections(t *testing.T) {
	text := `You creep through the damp tunnel, torch flickering.

The walls are slick with moss.

**CHOICES:**
1. Attack the goblin (HIGH risk)
2. Hide behind the rocks
3. Talk to the stranger [low]

Items:
- Rusty Key - opens something old
- Torch

New Characters:
* Grix: a hostile goblin guard
* Mara - a friendly smuggler

Location: Goblin Tunnels`

	gen := ParseText(text, false)
	assert.Equal(t, "You creep through the damp tunnel, torch flickering.\n\nThe walls are slick with moss.", gen.Content)
	assert.Equal(t, "Goblin Tunnels", gen.LocationContext)

	require.Len(t, gen.Options, 3)
	assert.Equal(t, story.Option{Text: "Attack the goblin", Risk: story.RiskHigh}, gen.Options[0])
	assert.Equal(t, story.Option{Text: "Hide behind the rocks", Risk: story.RiskLow}, gen.Options[1])
	assert.Equal(t, story.Option{Text: "Talk to the stranger", Risk: story.RiskLow}, gen.Options[2])

	require.Len(t, gen.NewItems, 2)
	assert.Equal(t, story.ItemUpdate{Name: "Rusty Key", Description: "opens something old"}, gen.NewItems[0])
	assert.Equal(t, "Torch", gen.NewItems[1].Name)

	require.Len(t, gen.NewCharacters, 2)
	assert.Equal(t, "Grix", gen.NewCharacters[0].Name)
	assert.Equal(t, story.RelationshipHostile, gen.NewCharacters[0].Relationship)
	assert.Equal(t, story.RelationshipFriendly, gen.NewCharacters[1].Relationship)
}

func TestParseText_NumberedTailWithoutHeader(t *testing.T) {
	text := "The storm rolls in over the harbor.\n1. Fight the sailors\n2. Retreat to the inn"
	gen := ParseText(text, false)
	assert.Equal(t, "The storm rolls in over the harbor.", gen.Content)
	require.Len(t, gen.Options, 2)
	assert.Equal(t, story.RiskHigh, gen.Options[0].Risk)
	assert.Equal(t, story.RiskLow, gen.Options[1].Risk)
}

func TestParseText_LocationFromFirstSentence(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"inside", "You wake inside the abandoned lighthouse. Gulls cry.", "Abandoned Lighthouse"},
		{"stop word", "Rain falls at the old mill where nobody works.", "Old Mill"},
		{"three words max", "You stand near the great black iron gate today.", "Great Black Iron"},
		{"later sentence ignored", "Night falls. You are in the forest.", UnknownLocation},
		{"nothing", "Something happens.", UnknownLocation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseText(tt.text, false).LocationContext)
		})
	}
}

func TestParseText_DefaultOptions(t *testing.T) {
	gen := ParseText("Just some prose with no choices at all.", false)
	require.Len(t, gen.Options, 3)
	assert.Equal(t, story.RiskLow, gen.Options[0].Risk)
	assert.Equal(t, story.RiskMedium, gen.Options[1].Risk)
	assert.Equal(t, story.RiskHigh, gen.Options[2].Risk)
}

func TestParseText_NeverEmpty(t *testing.T) {
	inputs := []string{"", "   ", "\n\n", "{not json", "CHOICES:", "Items:\n- \n", "\x00\xff"}
	for _, in := range inputs {
		for _, ending := range []bool{true, false} {
			gen, err := Parse(in, ending)
			require.NoError(t, err)
			require.NotNil(t, gen)
			assert.NotEmpty(t, gen.Content, "input %q", in)
			require.NotNil(t, gen.Options)
			assert.Equal(t, ending, len(gen.Options) == 0, "input %q ending=%v", in, ending)
		}
	}
}

func TestParse_NilInput(t *testing.T) {
	gen, err := Parse(nil, false)
	require.NoError(t, err)
	assert.NotEmpty(t, gen.Content)
	assert.Len(t, gen.Options, 3)
}

func TestInferRisk(t *testing.T) {
	assert.Equal(t, story.RiskHigh, InferRisk("Confront the guard carefully"))
	assert.Equal(t, story.RiskLow, InferRisk("Play it safe"))
	assert.Equal(t, story.RiskMedium, InferRisk("Open the door"))
}

func TestMinimalSegment(t *testing.T) {
	gen := minimalSegment("", false)
	assert.NotEmpty(t, gen.Content)
	assert.Len(t, gen.Options, 2)
	assert.Empty(t, minimalSegment("x", true).Options)
}

func TestParseTitles(t *testing.T) {
	t.Run("suggestions capped and cleaned", func(t *testing.T) {
		got := ParseTitles(map[string]any{
			"suggestions": []string{` "A" `, "'B'", "C", "“D”", "E", "F"},
		})
		assert.Equal(t, []string{"A", "B", "C", "D", "E"}, got)
	})

	t.Run("numbered text", func(t *testing.T) {
		assert.Equal(t, []string{"Foo", "Bar"}, ParseTitles("1. Foo\n2. Bar"))
	})

	t.Run("empties dropped", func(t *testing.T) {
		got := ParseTitles(`{"suggestions": ["", "  ", "Only One"]}`)
		assert.Equal(t, []string{"Only One"}, got)
	})

	t.Run("broken json", func(t *testing.T) {
		got := ParseTitles("{\n\"The Last Lantern\",\n\"Ashes of Dawn\"\n")
		assert.Equal(t, []string{"The Last Lantern", "Ashes of Dawn"}, got)
	})

	t.Run("bullets", func(t *testing.T) {
		got := ParseTitles("- One\n* Two\n\n3) Three")
		assert.Equal(t, []string{"One", "Two", "Three"}, got)
	})
}

func TestParse_JSONLocationCapped(t *testing.T) {
	raw := `{"content":"You climb.","options":[],"newItems":[],"newCharacters":[],"locationContext":" **the tall windswept northern tower** "}`
	gen, err := Parse(raw, false)
	require.NoError(t, err)
	assert.Equal(t, "the tall windswept", gen.LocationContext)

	raw = `{"content":"You wake inside the ancient crypt of kings.","options":[],"newItems":[],"newCharacters":[],"locationContext":""}`
	gen, err = Parse(raw, false)
	require.NoError(t, err)
	assert.Equal(t, "Ancient Crypt", gen.LocationContext)
}

func TestParseText_Concurrent(t *testing.T) {
	const text = "You wake inside the ancient crypt of kings. Dust hangs in the air."
	var wg sync.WaitGroup
	results := make(chan string, 16*50)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				results <- ParseText(text, false).LocationContext
			}
		}()
	}
	wg.Wait()
	close(results)
	for loc := range results {
		assert.Equal(t, "Ancient Crypt", loc)
	}
}

func TestParse_UnstatedRelationshipStaysEmpty(t *testing.T) {
	raw := `{"content":"Grix glares.","options":[],"newItems":[],"newCharacters":["Grix", {"name":"Mara"}, {"name":"Tobin","relationship":"wary"}],"locationContext":"Camp"}`
	gen, err := Parse(raw, false)
	require.NoError(t, err)
	require.Len(t, gen.NewCharacters, 3)
	assert.Empty(t, gen.NewCharacters[0].Relationship)
	assert.Empty(t, gen.NewCharacters[1].Relationship)
	assert.Equal(t, story.RelationshipNeutral, gen.NewCharacters[2].Relationship)
}
