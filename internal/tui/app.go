package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/promisekid/CloudArt/internal/models"
	"github.com/promisekid/CloudArt/internal/orchestrator"
	"github.com/promisekid/CloudArt/internal/storage"
	"github.com/promisekid/CloudArt/internal/workflow"
)

type View int

const (
	ViewChat View = iota
	ViewSessions
	ViewGallery
)

type App struct {
	orch  *orchestrator.Orchestrator
	store *storage.Storage

	view View

	sessionID    int64
	sessionTitle string
	messages     []*models.Message

	input textinput.Model
	spin  spinner.Model
	vp    viewport.Model

	mode       workflow.Type
	refImage   string
	lastResult string // server-side filename of the newest image result

	busy        bool
	streamText  string
	connected   bool
	statusLine  string
	defaultSize [2]int

	sessions    []*models.Session
	selectedIdx int
	renaming    bool
	renameInput textinput.Model
	gallery     []string

	width  int
	height int
	ready  bool
	err    error
}

func NewApp(orch *orchestrator.Orchestrator, store *storage.Storage, sessionID int64, sessionTitle string, defaultWidth, defaultHeight int) *App {
	input := textinput.New()
	input.Placeholder = "Describe what to generate..."
	input.CharLimit = 2000
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = spinnerStyle

	return &App{
		orch:         orch,
		store:        store,
		view:         ViewChat,
		sessionID:    sessionID,
		sessionTitle: sessionTitle,
		input:        input,
		spin:         spin,
		mode:         workflow.TextToImage,
		defaultSize:  [2]int{defaultWidth, defaultHeight},
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadHistory(a.sessionID), a.waitForUpdate(), textinput.Blink)
}

// Messages

type orchUpdateMsg struct {
	update orchestrator.Update
}

type historyLoadedMsg struct {
	sessionID int64
	messages  []*models.Message
	err       error
}

type sessionsLoadedMsg struct {
	sessions []*models.Session
	err      error
}

type sessionCreatedMsg struct {
	id    int64
	title string
	err   error
}

type sessionDeletedMsg struct {
	err error
}

type galleryLoadedMsg struct {
	paths []string
	err   error
}

// Commands

// waitForUpdate blocks on the orchestrator's update stream and feeds the
// next resolution into the bubbletea loop. It re-arms itself after every
// orchUpdateMsg.
func (a *App) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		u, ok := <-a.orch.Updates()
		if !ok {
			return nil
		}
		return orchUpdateMsg{update: u}
	}
}

func (a *App) loadHistory(sessionID int64) tea.Cmd {
	return func() tea.Msg {
		messages, err := a.store.GetMessages(sessionID)
		return historyLoadedMsg{sessionID: sessionID, messages: messages, err: err}
	}
}

func (a *App) loadSessions() tea.Msg {
	sessions, err := a.store.ListSessions()
	return sessionsLoadedMsg{sessions: sessions, err: err}
}

func (a *App) createSession() tea.Msg {
	title := "New Chat"
	id, err := a.store.CreateSession(title)
	return sessionCreatedMsg{id: id, title: title, err: err}
}

func (a *App) deleteSession(id int64) tea.Cmd {
	return func() tea.Msg {
		return sessionDeletedMsg{err: a.store.DeleteSession(id)}
	}
}

func (a *App) loadGallery() tea.Msg {
	paths, err := a.store.ListGeneratedImages()
	return galleryLoadedMsg{paths: paths, err: err}
}

// Update

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		vpHeight := msg.Height - 6
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !a.ready {
			a.vp = viewport.New(msg.Width, vpHeight)
			a.ready = true
		} else {
			a.vp.Width = msg.Width
			a.vp.Height = vpHeight
		}
		a.input.Width = msg.Width - 4
		a.refreshTranscript()
		return a, nil

	case spinner.TickMsg:
		if !a.busy {
			return a, nil
		}
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		a.refreshTranscript()
		return a, cmd

	case orchUpdateMsg:
		return a.handleOrchUpdate(msg.update)

	case historyLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.sessionID = msg.sessionID
		a.messages = msg.messages
		a.refreshTranscript()
		a.vp.GotoBottom()
		return a, nil

	case sessionsLoadedMsg:
		a.sessions = msg.sessions
		a.err = msg.err
		if a.selectedIdx >= len(a.sessions) {
			a.selectedIdx = 0
		}
		return a, nil

	case sessionCreatedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.sessionID = msg.id
		a.sessionTitle = msg.title
		a.messages = nil
		a.view = ViewChat
		a.refreshTranscript()
		return a, nil

	case sessionDeletedMsg:
		a.err = msg.err
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, a.loadSessions

	case galleryLoadedMsg:
		a.gallery = msg.paths
		a.err = msg.err
		return a, nil
	}

	if a.view == ViewChat {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}
	if a.view == ViewSessions && a.renaming {
		var cmd tea.Cmd
		a.renameInput, cmd = a.renameInput.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleOrchUpdate(u orchestrator.Update) (tea.Model, tea.Cmd) {
	cmds := []tea.Cmd{a.waitForUpdate()}

	switch u := u.(type) {
	case orchestrator.ConnState:
		a.connected = u.Connected
		if !u.Connected {
			a.statusLine = "disconnected from server"
		} else {
			a.statusLine = ""
		}

	case orchestrator.JobStream:
		a.streamText = u.Text
		a.refreshTranscript()
		a.vp.GotoBottom()

	case orchestrator.JobText:
		a.finishJob(&models.Message{
			SessionID: a.sessionID, Role: models.RoleAI, Content: u.Text,
		})

	case orchestrator.JobImage:
		a.lastResult = u.Filename
		a.finishJob(&models.Message{
			SessionID: a.sessionID, Role: models.RoleAI, ImagePath: u.Path,
		})

	case orchestrator.JobFailed:
		a.busy = false
		a.streamText = ""
		a.statusLine = u.Message
		a.refreshTranscript()

	case orchestrator.Notice:
		a.statusLine = u.Message
	}

	return a, tea.Batch(cmds...)
}

// finishJob swaps the placeholder line for the resolved result. The
// orchestrator already persisted the turn; this only updates the view.
func (a *App) finishJob(msg *models.Message) {
	a.busy = false
	a.streamText = ""
	a.messages = append(a.messages, msg)
	a.refreshTranscript()
	a.vp.GotoBottom()
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewChat:
		return a.handleChatKey(msg)
	case ViewSessions:
		return a.handleSessionsKey(msg)
	case ViewGallery:
		return a.handleGalleryKey(msg)
	}
	return a, nil
}

func (a *App) handleChatKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit

	case "esc":
		if a.busy {
			// Manual unlock for a job the server will never finish.
			a.orch.Unlock()
			return a, nil
		}
		a.view = ViewSessions
		return a, a.loadSessions

	case "tab":
		a.mode = nextMode(a.mode)
		return a, nil

	case "ctrl+g":
		a.view = ViewGallery
		return a, a.loadGallery

	case "enter":
		return a.submitInput()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) submitInput() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(a.input.Value())
	if text == "" {
		return a, nil
	}

	// "/ref <path>" attaches a local reference image for the next job.
	if path, ok := strings.CutPrefix(text, "/ref "); ok {
		a.refImage = strings.TrimSpace(path)
		a.statusLine = "reference image: " + a.refImage
		a.input.SetValue("")
		return a, nil
	}

	if a.busy {
		a.statusLine = "a job is already running"
		return a, nil
	}

	// "/upscale" reprocesses the newest result without re-uploading: the
	// file already lives on the server under its assigned name.
	if text == "/upscale" {
		if a.lastResult == "" {
			a.statusLine = "no result to upscale yet"
			return a, nil
		}
		return a.startJob(orchestrator.Intent{
			Workflow:    workflow.Upscale,
			SessionID:   a.sessionID,
			ServerImage: a.lastResult,
		}, "/upscale "+a.lastResult)
	}

	intent := orchestrator.Intent{
		Workflow:  a.mode,
		SessionID: a.sessionID,
		Prompt:    text,
	}
	switch a.mode {
	case workflow.TextToImage:
		intent.Width = a.defaultSize[0]
		intent.Height = a.defaultSize[1]
	case workflow.ImageToImage, workflow.Upscale, workflow.VisionCaption:
		if a.refImage == "" {
			a.statusLine = "attach a source image first: /ref <path>"
			return a, nil
		}
		intent.LocalImage = a.refImage
	}

	return a.startJob(intent, text)
}

// startJob submits the intent and records the user's turn.
func (a *App) startJob(intent orchestrator.Intent, userText string) (tea.Model, tea.Cmd) {
	if _, err := a.orch.Generate(intent); err != nil {
		a.statusLine = err.Error()
		return a, nil
	}

	userMsg := &models.Message{SessionID: a.sessionID, Role: models.RoleUser, Content: userText}
	if _, err := a.store.AddMessage(userMsg); err != nil {
		a.err = err
	}
	a.messages = append(a.messages, userMsg)
	a.busy = true
	a.statusLine = ""
	a.input.SetValue("")
	a.refreshTranscript()
	a.vp.GotoBottom()
	return a, a.spin.Tick
}

func (a *App) handleSessionsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.renaming {
		switch msg.String() {
		case "esc":
			a.renaming = false
			return a, nil
		case "enter":
			a.renaming = false
			session := a.sessions[a.selectedIdx]
			title := strings.TrimSpace(a.renameInput.Value())
			if title == "" {
				return a, nil
			}
			if err := a.store.RenameSession(session.ID, title); err != nil {
				a.err = err
				return a, nil
			}
			if session.ID == a.sessionID {
				a.sessionTitle = title
			}
			return a, a.loadSessions
		}
		var cmd tea.Cmd
		a.renameInput, cmd = a.renameInput.Update(msg)
		return a, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "esc":
		a.view = ViewChat

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.sessions)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.sessions) > 0 && a.selectedIdx < len(a.sessions) {
			session := a.sessions[a.selectedIdx]
			a.sessionTitle = session.Title
			a.view = ViewChat
			return a, a.loadHistory(session.ID)
		}

	case "n":
		return a, a.createSession

	case "r":
		if len(a.sessions) > 0 && a.selectedIdx < len(a.sessions) {
			a.renameInput = textinput.New()
			a.renameInput.SetValue(a.sessions[a.selectedIdx].Title)
			a.renameInput.Focus()
			a.renaming = true
			return a, textinput.Blink
		}

	case "d":
		if len(a.sessions) > 0 && a.selectedIdx < len(a.sessions) {
			return a, a.deleteSession(a.sessions[a.selectedIdx].ID)
		}
	}

	return a, nil
}

func (a *App) handleGalleryKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewChat
	case "ctrl+c":
		return a, tea.Quit
	}
	return a, nil
}

// View

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	aiStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("213")).
		Bold(true)

	imageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

func (a *App) View() string {
	switch a.view {
	case ViewChat:
		return a.viewChat()
	case ViewSessions:
		return a.viewSessions()
	case ViewGallery:
		return a.viewGallery()
	}
	return ""
}

func (a *App) viewChat() string {
	conn := errorStyle.Render("○ offline")
	if a.connected {
		conn = imageStyle.Render("● online")
	}

	header := titleStyle.Render("CloudArt") + "  " +
		dimStyle.Render(a.sessionTitle) + "  " +
		conn + "  " +
		dimStyle.Render("["+a.mode.DisplayName()+"]")

	body := ""
	if a.ready {
		body = a.vp.View()
	}

	status := ""
	if a.statusLine != "" {
		status = errorStyle.Render(a.statusLine)
	} else if a.err != nil {
		status = errorStyle.Render(a.err.Error())
	}

	help := helpStyle.Render("[enter] generate  [tab] workflow  [/ref <path>] attach  [/upscale] redo last  [ctrl+g] gallery  [esc] sessions/unlock  [ctrl+c] quit")

	return header + "\n" + body + "\n" + a.input.View() + "\n" + status + "\n" + help
}

func (a *App) refreshTranscript() {
	if !a.ready {
		return
	}

	var b strings.Builder
	for _, msg := range a.messages {
		if msg.Role == models.RoleUser {
			b.WriteString(userStyle.Render("You") + "  " + msg.Content + "\n\n")
			continue
		}
		if msg.IsImage() {
			b.WriteString(aiStyle.Render("AI") + "   " + imageStyle.Render("[image] "+msg.ImagePath) + "\n\n")
		} else {
			b.WriteString(aiStyle.Render("AI") + "   " + msg.Content + "\n\n")
		}
	}

	if a.busy {
		line := a.spin.View() + " generating..."
		if a.streamText != "" {
			line = a.spin.View() + " " + a.streamText
		}
		b.WriteString(aiStyle.Render("AI") + "   " + line + "\n")
	}

	a.vp.SetContent(b.String())
}

func (a *App) viewSessions() string {
	s := titleStyle.Render("Sessions") + "\n\n"

	if a.err != nil {
		s += errorStyle.Render(a.err.Error()) + "\n"
	}

	if len(a.sessions) == 0 {
		s += "No sessions yet. Press 'n' to create one.\n"
	} else {
		for i, session := range a.sessions {
			line := fmt.Sprintf("#%-3d %s  %s",
				session.ID, session.Title, dimStyle.Render(session.CreatedAt.Format("Jan 2 15:04")))
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	if a.renaming {
		s += "\nRename: " + a.renameInput.View() + "\n"
		s += helpStyle.Render("[enter] save  [esc] cancel")
		return s
	}

	s += "\n" + helpStyle.Render("[enter] open  [n] new  [r] rename  [d] delete  [esc] back  [q] quit")
	return s
}

func (a *App) viewGallery() string {
	s := titleStyle.Render("Gallery") + "\n\n"

	if len(a.gallery) == 0 {
		s += "No generated images yet.\n"
	} else {
		for _, path := range a.gallery {
			s += imageStyle.Render("▪ ") + path + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[esc] back  [q] quit")
	return s
}

func nextMode(t workflow.Type) workflow.Type {
	types := workflow.Types()
	for i, candidate := range types {
		if candidate == t {
			return types[(i+1)%len(types)]
		}
	}
	return types[0]
}
