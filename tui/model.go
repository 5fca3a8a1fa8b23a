package tui

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// state represents the current phase of the request.
type state int

const (
	stateInit          state = iota
	stateRefreshing          // refresh call in flight
	stateRequesting          // waiting for the API
	stateLoginRequired       // tokens cleared, user must log in
	stateSuccess             // API answered
	stateError               // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the request TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	method string
	url    string

	status   int
	bytes    int
	elapsed  time.Duration
	loginURL string
	errMsg   string

	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleLoginBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── request flow messages ────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgStoreReady:
		m.addStatus(statusInfo, fmt.Sprintf("Token store: %s (%s), profile %q", msg.Kind, msg.Location, msg.Profile))
		return m, nil

	case MsgTokensFound:
		m.addStatus(statusOK, "Found stored tokens for device "+msg.DeviceID)
		return m, nil

	case MsgTokensNotFound:
		m.addStatus(statusWarn, "No stored tokens, sending request without credentials")
		return m, nil

	case MsgTokenState:
		text := "Access token " + msg.State
		if msg.Remaining > 0 {
			text += ", expires in " + formatDuration(msg.Remaining)
		}
		kind := statusOK
		if msg.State != "valid" {
			kind = statusWarn
		}
		m.addStatus(kind, text)
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgRequesting:
		m.method = msg.Method
		m.url = msg.URL
		m.state = stateRequesting
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, "Access token rejected (401), refreshing...")
		return m, nil

	case MsgTokenRefreshedRetrying:
		m.state = stateRequesting
		m.addStatus(statusOK, "Token refreshed, retrying request...")
		return m, nil

	case MsgLoggedOut:
		m.addStatus(statusWarn, fmt.Sprintf("Logged out: %v", msg.Err))
		return m, nil

	case MsgLoginRequired:
		m.loginURL = msg.LoginURL
		m.state = stateLoginRequired
		m.addStatus(statusWarn, "Session expired, stored tokens cleared")
		return m, nil

	case MsgResponse:
		m.status = msg.Status
		m.bytes = msg.Bytes
		m.elapsed = msg.Elapsed
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		if m.state != stateLoginRequired {
			m.state = stateError
		}
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewResponse())
	case stateLoginRequired:
		return tea.NewView(m.viewLogin())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while tokens are inspected, refreshed and the request is in flight.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Back-office API  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateRequesting:
		b.WriteString(m.spinner.View())
		b.WriteString(" " + m.method + " ")
		b.WriteString(styleDim.Render(m.url))
		b.WriteString("\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Loading tokens...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewResponse is shown once the API answered.
func (m Model) viewResponse() string {
	var b strings.Builder

	b.WriteString("\n")
	line := fmt.Sprintf("HTTP %d %s", m.status, http.StatusText(m.status))
	if m.status < 400 {
		b.WriteString(styleOK.Render("  ✓ " + line))
	} else {
		b.WriteString(styleWarn.Render("  ⚠ " + line))
	}
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("Request:  "))
	b.WriteString(m.method + " " + m.url + "\n")

	b.WriteString(styleBold.Render("Body:     "))
	b.WriteString(fmt.Sprintf("%d bytes\n", m.bytes))

	b.WriteString(styleBold.Render("Elapsed:  "))
	b.WriteString(m.elapsed.Round(time.Millisecond).String() + "\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewLogin is shown after a forced logout.
func (m Model) viewLogin() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Session expired"))
	b.WriteString("\n\n")
	b.WriteString(styleBold.Render("Log in again at:"))
	b.WriteString("\n\n")
	b.WriteString(styleLoginBox.Render("  " + m.loginURL + "  "))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Request failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
