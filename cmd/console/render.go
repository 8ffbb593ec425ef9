package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/reflow/wordwrap"

	"github.com/jwebster45206/adventure95/pkg/client"
	"github.com/jwebster45206/adventure95/pkg/narrative"
	"github.com/jwebster45206/adventure95/pkg/notify"
	"github.com/jwebster45206/adventure95/pkg/story"
)

func (m *ConsoleUI) render() {
	if !m.ready {
		return
	}
	m.writeChatContent()
	m.metaViewport.SetContent(writeMetadata(m.snap, m.client.Settings(), m.notices, m.liveStatus))
}

// writeChatContent builds the main panel for the current state and viewport width.
func (m *ConsoleUI) writeChatContent() {
	width := max(m.chatViewport.Width-6, 20)

	var content strings.Builder
	content.WriteString(titleStyle.Render(AppName) + "\n\n")

	switch m.snap.State {
	case narrative.StateIdle:
		content.WriteString("A short adventure, written as you play it.\n\n")
		content.WriteString(renderList(launcherItems, m.selected))
		content.WriteString("\n" + promptStyle.Render("Use ↑/↓ to navigate, Enter to select") + "\n")

	case narrative.StateCreating:
		content.WriteString(titleStyle.Render("New Adventure") + "\n\n")
		content.WriteString("Choose a genre:\n\n")
		genres := make([]string, len(story.Genres))
		for i, g := range story.Genres {
			genres[i] = string(g)
		}
		content.WriteString(renderList(genres, m.selected))
		content.WriteString("\nType a title below, or leave it empty to have one written for you.\n")
		if len(m.snap.Titles) > 0 {
			content.WriteString("\nSuggested titles (Tab to use):\n")
			for _, t := range m.snap.Titles {
				content.WriteString("• " + t + "\n")
			}
		}
		content.WriteString("\n" + promptStyle.Render("Enter to begin, Ctrl+T to suggest titles, Esc to go back") + "\n")

	case narrative.StateBrowsing:
		content.WriteString(titleStyle.Render("Saved Adventures") + "\n\n")
		if len(m.snap.Games) == 0 {
			content.WriteString("No saved adventures yet.\n")
		} else {
			rows := make([]string, len(m.snap.Games))
			for i, g := range m.snap.Games {
				rows[i] = describeGame(g)
			}
			content.WriteString(renderList(rows, m.selected))
		}
		content.WriteString("\n" + promptStyle.Render("Enter to load, Ctrl+R to refresh, Esc to go back") + "\n")

	default:
		m.writeStory(&content, width)
	}

	if m.aside != "" {
		content.WriteString("\n" + m.aside + "\n")
	}
	if m.status != "" {
		content.WriteString("\n" + m.status + "\n")
	}

	m.chatViewport.SetContent(content.String())
	m.chatViewport.GotoBottom()
}

func (m *ConsoleUI) writeStory(content *strings.Builder, width int) {
	if g := m.snap.Game; g != nil {
		content.WriteString(speakerStyle.Render(g.Title) + promptStyle.Render(" · "+string(g.Genre)) + "\n")
	}
	content.WriteString(separatorStyle.Render(strings.Repeat("─", max(width-6, 1))) + "\n\n")

	for _, seg := range m.snap.Segments {
		if seg.UserChoice != nil {
			content.WriteString(userStyle.Render("You: ") + wordwrap.String(*seg.UserChoice, width-6) + "\n\n")
		}
		content.WriteString(formatNarratorResponse(seg.Content, width) + "\n\n")
	}

	switch m.snap.State {
	case narrative.StateLoading:
		content.WriteString(loadingStyle.Render(stageLabel(m.snap.Stage)) + "\n")
		content.WriteString(m.renderProgressBar() + "\n")

	case narrative.StatePlaying:
		if cur := m.snap.Current(); cur != nil {
			for i, o := range cur.Options {
				risk := riskStyles[o.Risk].Render(fmt.Sprintf("[%s]", o.Risk))
				content.WriteString(fmt.Sprintf("%d. %s %s\n", i+1, wordwrap.String(o.Text, width-12), risk))
			}
		}

	case narrative.StateCompleted:
		content.WriteString(titleStyle.Render("THE END") + "\n\n")
		content.WriteString(promptStyle.Render("Press Enter to return to the launcher.") + "\n")

	case narrative.StateError:
		msg := m.snap.Error
		if msg == narrative.RateLimitedMessage {
			msg = "The storyteller is busy right now. Wait a moment, then retry."
		}
		content.WriteString(errorStyle.Render("Error: "+wordwrap.String(msg, width-7)) + "\n\n")
		content.WriteString(promptStyle.Render("Enter to retry, Esc to dismiss, /key to set an API key") + "\n")
	}
}

func writeMetadata(snap narrative.Snapshot, settings client.Settings, notices []notify.Notification, live string) string {
	var content strings.Builder

	if g := snap.Game; g != nil {
		content.WriteString(titleStyle.Render("ADVENTURE") + "\n\n")
		content.WriteString(fmt.Sprintf("Turn:\n%d of %d\n\n", g.TurnCount, g.TotalTurns))
		content.WriteString("Stage:\n" + string(g.NarrativeStage) + "\n\n")
		if cur := snap.Current(); cur != nil && cur.LocationContext != "" {
			content.WriteString("Location:\n" + cur.LocationContext + "\n\n")
		}
		content.WriteString(fmt.Sprintf("Items: %d\nCharacters: %d\n\n", len(g.Items), len(g.NPCs)))
		if live != "" {
			content.WriteString("Live:\n" + live + "\n\n")
		}
	}

	content.WriteString(titleStyle.Render("SETTINGS") + "\n\n")
	provider := settings.Provider
	if provider == "" {
		provider = "server default"
	}
	content.WriteString("Provider:\n" + provider + "\n")
	if settings.Model != "" {
		content.WriteString(settings.Model + "\n")
	}
	key := "not set"
	if settings.APIKey != "" {
		key = "set"
	}
	content.WriteString("\nAPI key:\n" + key + "\n\n")

	if len(notices) > 0 {
		unread := 0
		for _, n := range notices {
			if !n.Read {
				unread++
			}
		}
		content.WriteString(titleStyle.Render(fmt.Sprintf("NOTICES (%d new)", unread)) + "\n\n")
		for _, n := range notices {
			line := "• " + n.Title
			if n.Message != "" {
				line += ": " + n.Message
			}
			if n.Read {
				line = promptStyle.Render(line)
			}
			content.WriteString(line + "\n")
		}
		content.WriteString("\n")
	}

	content.WriteString("Commands:\n")
	content.WriteString("• Ctrl+C: Quit\n")
	content.WriteString("• Enter: Send\n")
	content.WriteString("• /help: Help\n")
	content.WriteString("• /items: Inventory\n")

	return content.String()
}

func renderList(items []string, selected int) string {
	var b strings.Builder
	for i, item := range items {
		if i == selected {
			b.WriteString(selectedItemStyle.Render("▶ " + item))
		} else {
			b.WriteString(itemStyle.Render("  " + item))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func describeGame(g story.Game) string {
	status := fmt.Sprintf("turn %d/%d", g.TurnCount, g.TotalTurns)
	if g.IsCompleted() {
		status = "completed"
	}
	title := g.Title
	if title == "" {
		title = "Untitled"
	}
	return fmt.Sprintf("%s (%s, %s)", title, g.Genre, status)
}

func renderEntities(g *story.Game) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Items:") + "\n")
	if g == nil || len(g.Items) == 0 {
		b.WriteString("Nothing yet.\n")
	} else {
		for _, it := range g.Items {
			b.WriteString(fmt.Sprintf("• %s (%s)\n", it.Name, strings.ToLower(string(it.State))))
		}
	}
	b.WriteString("\n" + titleStyle.Render("Characters:") + "\n")
	if g == nil || len(g.NPCs) == 0 {
		b.WriteString("No one yet.\n")
	} else {
		for _, npc := range g.NPCs {
			b.WriteString(fmt.Sprintf("• %s (%s)\n", npc.Name, strings.ToLower(string(npc.Relationship))))
		}
	}
	return b.String()
}

func renderModels(provider string, models []client.Model) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Models for "+provider+":") + "\n")
	if len(models) == 0 {
		b.WriteString("None available.\n")
	}
	for _, md := range models {
		b.WriteString("• " + md.ID + "\n")
	}
	return b.String()
}

func stageLabel(stage narrative.Stage) string {
	switch stage {
	case narrative.StageInitializing:
		return "Setting the scene..."
	case narrative.StageRestoring:
		return "Restoring your adventure..."
	case narrative.StageAdvancing:
		return "The story unfolds..."
	}
	return "Loading..."
}

func describeLiveEvent(ev client.Event) string {
	switch ev.Type {
	case "turn.started":
		return "writing the next scene"
	case "segment.created":
		if loc, ok := ev.Data["location"].(string); ok && loc != "" {
			return "new scene at " + loc
		}
		return "new scene"
	case "turn.failed":
		return "a turn failed"
	case "game.completed":
		return "story complete"
	case "connected":
		return "connected"
	}
	return ev.Type
}

func formatNarratorResponse(response string, width int) string {
	wrapWidth := max(width-len(AgentName)-2, 10)
	wrapped := wordwrap.String(strings.TrimSpace(response), wrapWidth)

	lines := strings.Split(wrapped, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		// dialogue lines like `Mara: "Run!"` get the speaker highlighted
		if idx := strings.Index(trimmed, ":"); idx > 0 && idx <= 20 && len(strings.Fields(trimmed[:idx])) <= 2 {
			lines[i] = speakerStyle.Render(trimmed[:idx+1]) + trimmed[idx+1:]
		}
	}
	return narratorStyle.Render(AgentName+": ") + strings.Join(lines, "\n")
}

// renderProgressBar creates an animated progress bar for loading states
func (m ConsoleUI) renderProgressBar() string {
	usable := m.chatViewport.Width - 6
	if usable > 80 {
		usable = 80
	} else if usable < 10 {
		usable = 10
	}

	const totalFrames = 40
	frame := m.progressTick % totalFrames
	filled := (frame * usable) / totalFrames

	var bar strings.Builder
	for i := 0; i < usable; i++ {
		switch {
		case i < filled:
			bar.WriteString("█")
		case i == filled && frame%4 < 2:
			bar.WriteString("▓")
		default:
			bar.WriteString("░")
		}
	}
	return separatorStyle.Render(bar.String())
}

func progressTick() tea.Cmd {
	return tea.Tick(time.Millisecond*200, func(time.Time) tea.Msg {
		return progressTickMsg{}
	})
}
