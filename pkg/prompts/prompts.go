package prompts

import (
	"fmt"
	"strings"

	"github.com/jwebster45206/adventure95/pkg/story"
)

// SystemPrompt is sent with every story generation request.
const SystemPrompt = `You are the narrator of an interactive text adventure. You write vivid, concise second-person prose and offer the player meaningful choices.

### Output format
Respond with ONLY a JSON object, no prose before or after it:
{
  "content": "1-3 paragraphs of narrative",
  "options": [{"text": "a player action", "risk": "LOW|MEDIUM|HIGH"}],
  "newItems": [{"name": "item name", "description": "short description", "state": "optional: BROKEN|CONSUMED|GIVEN_AWAY|LOST|FOUND"}],
  "newCharacters": [{"name": "character name", "description": "short description", "relationship": "FRIENDLY|NEUTRAL|HOSTILE", "state": "optional: IDENTITY_REVEALED"}],
  "locationContext": "1-3 word location name"
}

### Rules
- Offer 3 or 4 options with a mix of risk levels, unless told to end the story.
- Only list items and characters that are new in this scene or whose state or relationship changed.
- Keep locationContext to at most three words.
- Never break the fourth wall or mention that you are an AI.`

// TitleSystemPrompt is sent with title suggestion requests.
const TitleSystemPrompt = `You suggest evocative titles for text adventure games. Respond with ONLY a JSON object of the form {"suggestions": ["Title One", "Title Two"]}. Do not number or quote the titles inside the strings.`

// EndingInstruction is appended to a continuation prompt when the next segment closes the story.
const EndingInstruction = `THIS IS THE FINAL SCENE. Bring the story to a satisfying conclusion that resolves the player's journey. Return an empty "options" array; the player will make no further choices.`

// ContinueInstruction is appended to a continuation prompt for a regular turn.
const ContinueInstruction = `Continue the story from the player's action. Describe the consequences, then offer new options.`

var genreGuidance = map[story.Genre]string{
	story.GenreFantasy:   "Magic, ancient ruins and mythical creatures. The tone is wondrous with an undercurrent of peril.",
	story.GenreMystery:   "Clues, suspects and hidden motives. Reward careful observation and deduction.",
	story.GenreSciFi:     "Advanced technology, distant worlds and the unknown. Ground the wonder in plausible detail.",
	story.GenreHorror:    "Dread that builds slowly. Suggest more than you show and let tension linger.",
	story.GenreAdventure: "Daring exploration, narrow escapes and far-off places. Keep the pace brisk.",
	story.GenreWestern:   "Dusty frontier towns, outlaws and hard choices. The land is as dangerous as the people.",
}

// GenreGuidance returns the tone guidance for a genre, or "" when none is defined.
func GenreGuidance(g story.Genre) string {
	return genreGuidance[g]
}

var stageGuidance = map[story.Stage]string{
	story.StageOpening: "Establish the setting, the protagonist's situation and a hook.",
	story.StageRising:  "Complicate matters. Introduce obstacles, allies and rivals.",
	story.StageClimax:  "Raise the stakes toward a decisive confrontation.",
	story.StageEnding:  "Resolve the central conflict.",
}

// BuildInitialPrompt asks for the opening segment of game. character may be nil.
func BuildInitialPrompt(game *story.Game, character *story.PlayerCharacter) string {
	var sb strings.Builder
	writeGameHeader(&sb, game)
	writeCharacter(&sb, character)

	sb.WriteString("\n### Task\n")
	fmt.Fprintf(&sb, "Write the opening scene of this %d-turn adventure. ", game.TotalTurns)
	sb.WriteString(stageGuidance[story.StageOpening])
	sb.WriteString(" Give the scene a clear location and end with options for the player's first move.\n")
	return sb.String()
}

// BuildTitlePrompt asks for title suggestions in genre.
func BuildTitlePrompt(genre story.Genre) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Suggest 5 original titles for a %s text adventure.", genre)
	if g := GenreGuidance(genre); g != "" {
		sb.WriteString(" Genre notes: " + g)
	}
	sb.WriteString(" Each title should be 2 to 6 words.")
	return sb.String()
}

func writeGameHeader(sb *strings.Builder, game *story.Game) {
	sb.WriteString("### Game\n")
	fmt.Fprintf(sb, "Title: %s\n", game.Title)
	fmt.Fprintf(sb, "Genre: %s\n", game.Genre)
	if g := GenreGuidance(game.Genre); g != "" {
		fmt.Fprintf(sb, "Tone: %s\n", g)
	}
}

func writeCharacter(sb *strings.Builder, pc *story.PlayerCharacter) {
	if pc == nil || strings.TrimSpace(pc.Name) == "" {
		return
	}
	sb.WriteString("\n### Player Character\n")
	fmt.Fprintf(sb, "Name: %s\n", pc.Name)
	if pc.Gender != "" {
		fmt.Fprintf(sb, "Gender: %s\n", pc.Gender)
	}
	if len(pc.Traits) > 0 {
		fmt.Fprintf(sb, "Traits: %s\n", strings.Join(pc.Traits, ", "))
	}
	if pc.Bio != "" {
		fmt.Fprintf(sb, "Bio: %s\n", pc.Bio)
	}
}
