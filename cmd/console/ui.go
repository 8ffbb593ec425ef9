package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/jwebster45206/adventure95/pkg/client"
	"github.com/jwebster45206/adventure95/pkg/narrative"
	"github.com/jwebster45206/adventure95/pkg/notify"
	"github.com/jwebster45206/adventure95/pkg/story"
)

const (
	AppName         = "ADVENTURE 95"
	AgentName       = "Narrator"
	PlaceHolderText = "Type an option number, your own action, or /help..."
)

var launcherItems = []string{
	"Start a new adventure",
	"Continue a saved adventure",
	"Quit",
}

// ConsoleUI is the BubbleTea model that runs the UI.
// https://github.com/charmbracelet/bubbletea
type ConsoleUI struct {
	ctx     context.Context
	config  *ConsoleConfig
	client  *client.Client
	machine *narrative.Machine
	center  *notify.Center
	logger  *slog.Logger

	refresh <-chan struct{}
	live    chan client.Event

	snap    narrative.Snapshot
	notices []notify.Notification

	chatViewport viewport.Model
	metaViewport viewport.Model
	textarea     textarea.Model
	ready        bool
	width        int
	height       int

	// cursor in the launcher, genre or saved game list
	selected int
	titleIdx int

	aside  string
	status string

	liveStatus   string
	listenGame   uuid.UUID
	listenCancel context.CancelFunc

	showQuitModal bool

	ticking      bool
	progressTick int
}

type refreshMsg struct{}

type dispatchedMsg struct {
	event narrative.Event
	err   error
}

type liveEventMsg struct {
	event client.Event
}

type modelsMsg struct {
	provider string
	models   []client.Model
	err      error
}

type progressTickMsg struct{}

var (
	chatPanelStyle = lipgloss.NewStyle().
			PaddingTop(2).
			PaddingBottom(1).
			PaddingLeft(3).
			PaddingRight(0)

	metaPanelStyle = lipgloss.NewStyle().
			PaddingTop(2).
			PaddingBottom(0).
			PaddingLeft(0).
			PaddingRight(2)

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")). // pink
			Bold(true)

	speakerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")). // purple
			Bold(true)

	narratorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")) // green

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")) // teal

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")) // red

	loadingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // yellow

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")) // dark grey

	modalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2).
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255"))

	modalTitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			Align(lipgloss.Center)

	itemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("0")).
				Background(lipgloss.Color("205")).
				Bold(true)

	riskStyles = map[story.Risk]lipgloss.Style{
		story.RiskLow:    lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
		story.RiskMedium: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		story.RiskHigh:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

var separatorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("240")) // dark grey

func NewConsoleUI(ctx context.Context, cfg *ConsoleConfig, api *client.Client, machine *narrative.Machine,
	center *notify.Center, refresh <-chan struct{}, logger *slog.Logger) ConsoleUI {
	ta := textarea.New()
	ta.Placeholder = PlaceHolderText
	ta.Focus()
	ta.Prompt = promptStyle.Render(":: ")
	ta.CharLimit = 1000
	ta.SetWidth(50)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	chatVp := viewport.New(50, 20)
	chatVp.MouseWheelEnabled = true

	metaVp := viewport.New(20, 20)

	return ConsoleUI{
		ctx:          ctx,
		config:       cfg,
		client:       api,
		machine:      machine,
		center:       center,
		logger:       logger,
		refresh:      refresh,
		live:         make(chan client.Event, 16),
		snap:         machine.Snapshot(),
		notices:      center.Items(),
		textarea:     ta,
		chatViewport: chatVp,
		metaViewport: metaVp,
	}
}

func (m ConsoleUI) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForRefresh(m.refresh), waitForLiveEvent(m.live))
}

func (m ConsoleUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.showQuitModal {
		return m.updateQuitModal(msg)
	}

	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		mvCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.MouseMsg:
		m.chatViewport, vpCmd = m.chatViewport.Update(msg)
		m.metaViewport, mvCmd = m.metaViewport.Update(msg)
		return m, tea.Batch(vpCmd, mvCmd)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		chatWidth := int(float64(m.width)*0.75) - 4
		metaWidth := m.width - chatWidth - 6

		m.chatViewport.Width = chatWidth - 2
		m.chatViewport.Height = m.height - 7
		m.metaViewport.Width = metaWidth - 2
		m.metaViewport.Height = m.height - 4
		m.textarea.SetWidth(chatWidth - 4)
		m.ready = true
		m.render()

	case refreshMsg:
		m.sync()
		cmds := []tea.Cmd{waitForRefresh(m.refresh)}
		if m.snap.State == narrative.StateLoading && !m.ticking {
			m.ticking = true
			m.progressTick = 0
			cmds = append(cmds, progressTick())
		}
		return m, tea.Batch(cmds...)

	case dispatchedMsg:
		if errors.Is(msg.err, narrative.ErrBusy) || errors.Is(msg.err, narrative.ErrInvalidTransition) {
			m.status = msg.err.Error()
		} else if msg.err != nil {
			m.logger.Debug("Dispatch failed", "event", msg.event.Name(), "error", msg.err)
		}
		m.sync()
		return m, nil

	case liveEventMsg:
		m.liveStatus = describeLiveEvent(msg.event)
		m.render()
		return m, waitForLiveEvent(m.live)

	case modelsMsg:
		if msg.err != nil {
			m.status = errorStyle.Render("Failed to list models: " + msg.err.Error())
		} else {
			m.aside = renderModels(msg.provider, msg.models)
		}
		m.render()
		return m, nil

	case progressTickMsg:
		if m.snap.State == narrative.StateLoading {
			m.progressTick++
			m.render()
			return m, progressTick()
		}
		m.ticking = false
		return m, nil

	case tea.KeyMsg:
		if model, cmd, handled := m.handleKey(msg); handled {
			return model, cmd
		}
	}

	m.textarea, tiCmd = m.textarea.Update(msg)
	m.chatViewport, vpCmd = m.chatViewport.Update(msg)
	m.metaViewport, mvCmd = m.metaViewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd, mvCmd)
}

// sync pulls the latest machine snapshot and notifications and re-renders.
func (m *ConsoleUI) sync() {
	prev := m.snap.State
	m.snap = m.machine.Snapshot()
	m.notices = m.center.Items()
	if m.snap.State != prev {
		m.selected = 0
		m.titleIdx = 0
		m.aside = ""
		if m.snap.State != narrative.StateLoading {
			m.status = ""
		}
	}
	m.follow()
	m.render()
}

// follow keeps one event stream open for the game on screen.
func (m *ConsoleUI) follow() {
	var id uuid.UUID
	if m.snap.Game != nil {
		id = m.snap.Game.ID
	}
	if id == m.listenGame {
		return
	}
	if m.listenCancel != nil {
		m.listenCancel()
		m.listenCancel = nil
	}
	m.listenGame = id
	m.liveStatus = ""
	if id == uuid.Nil {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.listenCancel = cancel
	api, ch, log := m.client, m.live, m.logger
	go func() {
		if err := api.Listen(ctx, id, ch); err != nil && ctx.Err() == nil {
			log.Debug("Event stream closed", "game_id", id.String(), "error", err)
		}
	}()
}

func (m ConsoleUI) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	state := m.snap.State

	switch msg.Type {
	case tea.KeyCtrlC:
		m.showQuitModal = true
		return m, nil, true

	case tea.KeyEsc:
		switch state {
		case narrative.StateCreating, narrative.StateBrowsing, narrative.StateLoading, narrative.StateCompleted:
			return m, m.dispatch(narrative.ReturnToLauncher{}), true
		case narrative.StateError:
			return m, m.dispatch(narrative.ClearError{}), true
		}
		m.showQuitModal = true
		return m, nil, true

	case tea.KeyUp, tea.KeyDown:
		n := m.listLen()
		if n == 0 {
			return m, nil, false
		}
		if msg.Type == tea.KeyUp && m.selected > 0 {
			m.selected--
		}
		if msg.Type == tea.KeyDown && m.selected < n-1 {
			m.selected++
		}
		m.render()
		return m, nil, true

	case tea.KeyTab:
		if state == narrative.StateCreating && len(m.snap.Titles) > 0 {
			m.textarea.SetValue(m.snap.Titles[m.titleIdx%len(m.snap.Titles)])
			m.titleIdx++
			return m, nil, true
		}

	case tea.KeyCtrlT:
		if state == narrative.StateCreating {
			return m, m.dispatch(narrative.GenerateTitles{Genre: m.selectedGenre()}), true
		}

	case tea.KeyCtrlR:
		switch state {
		case narrative.StateBrowsing:
			return m, m.dispatch(narrative.RefreshGames{Force: true}), true
		case narrative.StateError:
			return m, m.dispatch(narrative.Retry{}), true
		}

	case tea.KeyEnter:
		model, cmd := m.handleEnter()
		return model, cmd, true
	}

	return m, nil, false
}

func (m ConsoleUI) handleEnter() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textarea.Value())
	if strings.HasPrefix(input, "/") {
		return m.handleCommand(input)
	}

	switch m.snap.State {
	case narrative.StateIdle:
		switch m.selected {
		case 0:
			return m, m.dispatch(narrative.StartNewGame{})
		case 1:
			return m, m.dispatch(narrative.RefreshGames{})
		default:
			m.showQuitModal = true
		}

	case narrative.StateCreating:
		m.textarea.Reset()
		return m, m.dispatch(narrative.SubmitNewGame{Genre: m.selectedGenre(), Title: input})

	case narrative.StateBrowsing:
		if m.selected < len(m.snap.Games) {
			return m, m.dispatch(narrative.LoadExistingGame{ID: m.snap.Games[m.selected].ID})
		}

	case narrative.StatePlaying:
		if input == "" {
			return m, nil
		}
		ev, err := parseChoice(input, m.snap.Current())
		if err != nil {
			m.status = errorStyle.Render(err.Error())
			m.render()
			return m, nil
		}
		m.textarea.Reset()
		m.aside = ""
		return m, m.dispatch(ev)

	case narrative.StateCompleted:
		return m, m.dispatch(narrative.ReturnToLauncher{})

	case narrative.StateError:
		return m, m.dispatch(narrative.Retry{})
	}

	return m, nil
}

// parseChoice reads a typed number as an option pick and anything else as a
// custom action.
func parseChoice(input string, current *story.Segment) (narrative.SubmitChoice, error) {
	n, err := strconv.Atoi(input)
	if err != nil {
		return narrative.SubmitChoice{CustomText: input}, nil
	}
	if current == nil || n < 1 || n > len(current.Options) {
		count := 0
		if current != nil {
			count = len(current.Options)
		}
		return narrative.SubmitChoice{}, fmt.Errorf("choose an option between 1 and %d, or describe your own action", count)
	}
	return narrative.SubmitChoice{OptionID: current.Options[n-1].ID}, nil
}

func (m ConsoleUI) handleCommand(input string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(input)
	name := strings.ToLower(fields[0])
	args := fields[1:]
	m.textarea.Reset()
	m.status = ""

	var cmd tea.Cmd
	switch name {
	case "/help":
		m.aside = titleStyle.Render("Help:") + helpText

	case "/copy":
		text := m.copyText(len(args) > 0 && strings.EqualFold(args[0], "all"))
		if text == "" {
			m.status = "Nothing to copy yet."
			break
		}
		if err := clipboard.WriteAll(text); err != nil {
			m.status = errorStyle.Render("Copy failed: " + err.Error())
			break
		}
		m.center.Notify(notify.Notification{
			Type:    notify.TypeSuccess,
			Title:   "Copied",
			Message: "Story text copied to the clipboard.",
			Timeout: timeoutFor(notify.TypeSuccess),
		}, "copy", nil)

	case "/items":
		m.aside = renderEntities(m.snap.Game)

	case "/key":
		if len(args) != 1 {
			m.status = "Usage: /key <api-key>"
			break
		}
		m.saveSettings(func(s *client.Settings) { s.APIKey = args[0] })

	case "/provider":
		if len(args) < 1 || len(args) > 2 {
			m.status = "Usage: /provider <name> [model]"
			break
		}
		m.saveSettings(func(s *client.Settings) {
			s.Provider = strings.ToLower(args[0])
			s.Model = ""
			if len(args) == 2 {
				s.Model = args[1]
			}
		})

	case "/models":
		provider := m.client.Settings().Provider
		if len(args) > 0 {
			provider = strings.ToLower(args[0])
		}
		if provider == "" {
			m.status = "Usage: /models <provider>"
			break
		}
		cmd = m.listModels(provider)

	case "/read":
		for _, n := range m.notices {
			m.center.MarkRead(n.ID)
		}
		if err := persistReadState(m.config.SettingsPath, m.center); err != nil {
			m.status = errorStyle.Render("Failed to save settings: " + err.Error())
		}

	case "/menu":
		cmd = m.dispatch(narrative.ReturnToLauncher{})

	case "/quit":
		m.showQuitModal = true

	default:
		m.status = fmt.Sprintf("Unknown command %s. Type /help for a list.", name)
	}

	m.render()
	return m, cmd
}

const helpText = `
Commands:
• /help - Show this help
• /copy [all] - Copy the latest segment, or the whole story
• /items - Show items and characters met so far
• /key <key> - Set your LLM API key
• /provider <name> [model] - Choose the LLM provider
• /models [provider] - List a provider's models
• /read - Mark notifications as read
• /menu - Back to the launcher
• Ctrl+C - Quit

How to play:
• Type an option number and press Enter
• Or describe your own action in a few words
• Every choice moves the story one turn closer to its ending
`

// saveSettings applies fn to both the live client and the settings file.
func (m *ConsoleUI) saveSettings(fn func(*client.Settings)) {
	s := m.client.Settings()
	fn(&s)
	m.client.SetSettings(s)
	if err := updateSettings(m.config.SettingsPath, fn); err != nil {
		m.status = errorStyle.Render("Failed to save settings: " + err.Error())
		return
	}
	m.status = "Settings saved."
}

func (m ConsoleUI) copyText(all bool) string {
	segs := m.snap.Segments
	if len(segs) == 0 {
		return ""
	}
	if !all {
		return segs[len(segs)-1].Content
	}
	parts := make([]string, 0, len(segs))
	for _, seg := range segs {
		if seg.UserChoice != nil {
			parts = append(parts, "> "+*seg.UserChoice)
		}
		parts = append(parts, seg.Content)
	}
	return strings.Join(parts, "\n\n")
}

func (m ConsoleUI) dispatch(ev narrative.Event) tea.Cmd {
	machine, parent, timeout := m.machine, m.ctx, m.config.Timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		return dispatchedMsg{event: ev, err: machine.Dispatch(ctx, ev)}
	}
}

func (m ConsoleUI) listModels(provider string) tea.Cmd {
	api, parent := m.client, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, 30*time.Second)
		defer cancel()
		models, err := api.ListModels(ctx, provider)
		return modelsMsg{provider: provider, models: models, err: err}
	}
}

func waitForRefresh(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return refreshMsg{}
	}
}

func waitForLiveEvent(ch <-chan client.Event) tea.Cmd {
	return func() tea.Msg {
		return liveEventMsg{event: <-ch}
	}
}

func (m ConsoleUI) listLen() int {
	switch m.snap.State {
	case narrative.StateIdle:
		return len(launcherItems)
	case narrative.StateCreating:
		return len(story.Genres)
	case narrative.StateBrowsing:
		return len(m.snap.Games)
	}
	return 0
}

func (m ConsoleUI) selectedGenre() story.Genre {
	if m.selected < len(story.Genres) {
		return story.Genres[m.selected]
	}
	return story.Genres[0]
}

func (m ConsoleUI) updateQuitModal(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEnter:
			return m, m.quit()
		case tea.KeyEsc:
			m.showQuitModal = false
			m.textarea.Focus()
			return m, textarea.Blink
		default:
			switch msg.String() {
			case "y", "Y":
				return m, m.quit()
			case "n", "N":
				m.showQuitModal = false
				m.textarea.Focus()
				return m, textarea.Blink
			}
		}

	case refreshMsg:
		m.sync()
		return m, waitForRefresh(m.refresh)
	}

	return m, nil
}

func (m ConsoleUI) quit() tea.Cmd {
	if m.listenCancel != nil {
		m.listenCancel()
	}
	return tea.Quit
}

func (m ConsoleUI) renderQuitModal() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var content strings.Builder
	content.WriteString(modalTitleStyle.Render("Quit?"))
	content.WriteString("\n\n")
	content.WriteString("Your progress is saved after every turn.")
	content.WriteString("\n\n")
	content.WriteString(promptStyle.Render("Press Y to quit, N to continue, or Ctrl+C to force quit"))

	modal := modalStyle.Width(50).Render(content.String())
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, modal, lipgloss.WithWhitespaceChars(" "))
}

func (m ConsoleUI) View() string {
	if m.showQuitModal {
		return m.renderQuitModal()
	}

	if !m.ready {
		return "\n  Initializing..."
	}

	chatWidth := int(float64(m.width)*0.75) - 4
	metaWidth := m.width - chatWidth - 6

	chatPanel := chatPanelStyle.Width(chatWidth).Height(m.height - 3).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.chatViewport.View(),
			"",
			separatorStyle.Render(strings.Repeat("─", max(chatWidth-4, 1))),
			m.textarea.View(),
		),
	)

	metaPanel := metaPanelStyle.Width(metaWidth).Height(m.height - 2).Render(
		m.metaViewport.View(),
	)

	return lipgloss.JoinHorizontal(lipgloss.Top, chatPanel, metaPanel)
}
