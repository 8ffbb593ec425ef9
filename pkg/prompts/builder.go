package prompts

import (
	"fmt"
	"strings"

	"github.com/jwebster45206/adventure95/pkg/story"
)

// Context is everything a continuation prompt is built from.
type Context struct {
	Game      *story.Game
	Character *story.PlayerCharacter
	Segments  []story.Segment
	Policy    HistoryPolicy
}

// Builder constructs continuation prompts using a fluent interface.
// Builders only read their inputs.
type Builder struct {
	game      *story.Game
	character *story.PlayerCharacter
	segments  []story.Segment
	policy    HistoryPolicy
	choice    string
	shouldEnd bool
}

// New creates a builder that includes the full history.
func New() *Builder {
	return &Builder{policy: FullHistory}
}

// WithGame sets the game being continued.
func (b *Builder) WithGame(g *story.Game) *Builder {
	b.game = g
	return b
}

// WithCharacter sets the optional player character.
func (b *Builder) WithCharacter(pc *story.PlayerCharacter) *Builder {
	b.character = pc
	return b
}

// WithHistory sets the segment log, in sequence order.
func (b *Builder) WithHistory(segments []story.Segment) *Builder {
	b.segments = segments
	return b
}

// WithPolicy sets the context-window policy.
func (b *Builder) WithPolicy(p HistoryPolicy) *Builder {
	b.policy = p
	return b
}

// WithChoice sets the action text the player chose.
func (b *Builder) WithChoice(text string) *Builder {
	b.choice = text
	return b
}

// Ending requests the closing segment when end is true.
func (b *Builder) Ending(end bool) *Builder {
	b.shouldEnd = end
	return b
}

// Build renders the prompt.
func (b *Builder) Build() (string, error) {
	if b.game == nil {
		return "", fmt.Errorf("game is required")
	}
	if strings.TrimSpace(b.choice) == "" {
		return "", fmt.Errorf("player choice is required")
	}

	var sb strings.Builder
	writeGameHeader(&sb, b.game)
	writeCharacter(&sb, b.character)
	b.writeHistory(&sb)
	b.writeWorld(&sb)

	sb.WriteString("\n### Player Action\n")
	sb.WriteString(strings.TrimSpace(b.choice))
	sb.WriteString("\n\n### Task\n")
	stage := story.StageFor(b.game.TurnCount+1, b.game.TotalTurns)
	if b.shouldEnd {
		stage = story.StageEnding
	}
	fmt.Fprintf(&sb, "Turn %d of %d. Narrative stage: %s. %s\n",
		b.game.TurnCount+1, b.game.TotalTurns, stage, stageGuidance[stage])
	if b.shouldEnd {
		sb.WriteString(EndingInstruction)
	} else {
		sb.WriteString(ContinueInstruction)
	}
	sb.WriteString("\n")
	return sb.String(), nil
}

func (b *Builder) writeHistory(sb *strings.Builder) {
	if len(b.segments) == 0 {
		return
	}
	kept, omitted := b.policy.Select(b.segments)
	sb.WriteString("\n### Story So Far\n")
	if omitted > 0 {
		fmt.Fprintf(sb, "(%d earlier scenes omitted)\n\n", omitted)
	}
	for _, seg := range kept {
		sb.WriteString(historyEntry(seg))
		sb.WriteString("\n")
	}
}

func (b *Builder) writeWorld(sb *strings.Builder) {
	inventory := b.game.Inventory()
	sb.WriteString("\n### Inventory\n")
	if len(inventory) == 0 {
		sb.WriteString("(empty)\n")
	} else {
		sb.WriteString(strings.Join(inventory, ", "))
		sb.WriteString("\n")
	}

	if len(b.game.NPCs) == 0 {
		return
	}
	sb.WriteString("\n### Known Characters\n")
	for _, npc := range b.game.NPCs {
		fmt.Fprintf(sb, "- %s (%s)\n", npc.Name, npc.Relationship)
	}
}

// BuildContinuationPrompt is a convenience for the common case.
func BuildContinuationPrompt(c Context, chosen string, shouldEnd bool) (string, error) {
	return New().
		WithGame(c.Game).
		WithCharacter(c.Character).
		WithHistory(c.Segments).
		WithPolicy(c.Policy).
		WithChoice(chosen).
		Ending(shouldEnd).
		Build()
}
