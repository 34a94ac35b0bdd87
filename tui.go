package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pion/logging"

	"github.com/tomaslejdung/peershare/pkg/orchestrator"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	urlStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	viewerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	// Keybind styles
	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14")) // Cyan for keys

	keySepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Dim separator

	// Box styles for columns
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)

	boxTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	boxTitleDimStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("8"))
)

// Messages
type tickMsg time.Time

type peersMsg []string

type stateChangedMsg orchestrator.State

type signalingMsg bool

type peerEventMsg struct {
	peerID    string
	connected bool
	at        time.Time
}

type errorMsg struct {
	err error
}

type remoteCommandMsg string

// sharingResultMsg reports the outcome of a start, stop or restart.
type sharingResultMsg struct {
	sharing bool
	err     error
}

// teaSink forwards orchestrator notifications into the bubbletea program.
type teaSink struct {
	program *tea.Program
}

func (s *teaSink) send(msg tea.Msg) {
	if s.program != nil {
		s.program.Send(msg)
	}
}

func (s *teaSink) OnStateChanged(st orchestrator.State) { s.send(stateChangedMsg(st)) }
func (s *teaSink) OnError(err error)                    { s.send(errorMsg{err}) }
func (s *teaSink) OnSignalingConnected()                { s.send(signalingMsg(true)) }
func (s *teaSink) OnSignalingDisconnected()             { s.send(signalingMsg(false)) }
func (s *teaSink) OnRemoteCommand(payload string)       { s.send(remoteCommandMsg(payload)) }

func (s *teaSink) OnPeerConnected(id string) {
	s.send(peerEventMsg{peerID: id, connected: true, at: time.Now()})
}

func (s *teaSink) OnPeerDisconnected(id string) {
	s.send(peerEventMsg{peerID: id})
}

type model struct {
	config   Config
	orch     *orchestrator.Orchestrator
	capturer *FileCapturer

	state     orchestrator.State
	signaling bool
	sharing   bool
	busy      bool
	startTime time.Time

	selectedQuality int
	qualityCursor   int

	viewers     viewerTable
	lastCommand string
	lastError   string
}

func initialModel(config Config, o *orchestrator.Orchestrator, capturer *FileCapturer) model {
	quality := validQualityIndex(QualityIndexByName(config.Quality))
	return model{
		config:          config,
		orch:            o,
		capturer:        capturer,
		selectedQuality: quality,
		qualityCursor:   quality,
		viewers:         viewerTable{},
		busy:            true,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(startCmd(m.orch), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func peersCmd(o *orchestrator.Orchestrator) tea.Cmd {
	return func() tea.Msg {
		return peersMsg(o.Peers())
	}
}

func startCmd(o *orchestrator.Orchestrator) tea.Cmd {
	return func() tea.Msg {
		err := o.Start(context.Background())
		return sharingResultMsg{sharing: err == nil, err: err}
	}
}

func stopCmd(o *orchestrator.Orchestrator) tea.Cmd {
	return func() tea.Msg {
		return sharingResultMsg{sharing: false, err: o.Stop()}
	}
}

// applyQualityCmd retunes the orchestrator. Tuning only changes between
// sessions, so an active share is restarted around it.
func applyQualityCmd(o *orchestrator.Orchestrator, index int, sharing bool) tea.Cmd {
	return func() tea.Msg {
		if sharing {
			if err := o.Stop(); err != nil {
				return sharingResultMsg{err: err}
			}
		}
		if err := o.SetTuning(QualityPresets[index].Tuning()); err != nil {
			return sharingResultMsg{err: err}
		}
		if !sharing {
			return sharingResultMsg{}
		}
		err := o.Start(context.Background())
		return sharingResultMsg{sharing: err == nil, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		return m, tea.Batch(peersCmd(m.orch), tickCmd())

	case peersMsg:
		m.viewers.sync(msg)

	case peerEventMsg:
		if msg.connected {
			m.viewers.connected(msg.peerID, msg.at)
		} else {
			m.viewers.disconnected(msg.peerID)
		}

	case stateChangedMsg:
		m.state = orchestrator.State(msg)

	case signalingMsg:
		m.signaling = bool(msg)

	case remoteCommandMsg:
		m.lastCommand = string(msg)

	case errorMsg:
		m.lastError = msg.err.Error()

	case sharingResultMsg:
		m.busy = false
		if msg.sharing && !m.sharing {
			m.startTime = time.Now()
		}
		m.sharing = msg.sharing
		if !m.sharing {
			m.viewers = viewerTable{}
		}
		if msg.err != nil {
			m.lastError = msg.err.Error()
		}
	}

	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "up", "k":
		if m.qualityCursor > 0 {
			m.qualityCursor--
		}

	case "down", "j":
		if m.qualityCursor < len(QualityPresets)-1 {
			m.qualityCursor++
		}

	case "enter":
		if m.busy || m.qualityCursor == m.selectedQuality {
			return m, nil
		}
		m.selectedQuality = m.qualityCursor
		m.busy = true
		m.lastError = ""
		return m, applyQualityCmd(m.orch, m.selectedQuality, m.sharing)

	case "s":
		if m.busy {
			return m, nil
		}
		m.busy = true
		m.lastError = ""
		if m.sharing {
			return m, stopCmd(m.orch)
		}
		return m, startCmd(m.orch)
	}

	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	// Title
	b.WriteString(titleStyle.Render("PeerShare"))
	b.WriteString(dimStyle.Render(" - P2P Screen Sharing"))
	b.WriteString("\n\n")

	b.WriteString(m.renderSharingStatus())
	b.WriteString("\n")

	b.WriteString(m.renderColumns())

	if m.sharing {
		b.WriteString("\n")
		b.WriteString(m.renderStats())
	}

	if m.lastCommand != "" {
		b.WriteString("\n")
		b.WriteString(statusStyle.Render("Command: "))
		b.WriteString(normalStyle.Render(truncate(m.lastCommand, 60)))
	}

	// Error message
	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.lastError))
		b.WriteString("\n")
	}

	// Help
	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return b.String()
}

func (m model) renderSharingStatus() string {
	var b strings.Builder

	switch {
	case m.state == orchestrator.StateFailed:
		b.WriteString(errorStyle.Render("[FAILED]"))
	case m.signaling:
		b.WriteString(selectedStyle.Render("[ONLINE]"))
	case m.sharing:
		b.WriteString(errorStyle.Render("[RECONNECTING]"))
	default:
		b.WriteString(dimStyle.Render("[OFFLINE]"))
	}
	b.WriteString("  ")

	b.WriteString(statusStyle.Render("Room: "))
	b.WriteString(normalStyle.Render(m.config.Room))
	b.WriteString("  ")

	b.WriteString(statusStyle.Render("URL: "))
	b.WriteString(urlStyle.Render(m.config.room().Address()))
	b.WriteString("\n")

	switch {
	case m.busy:
		b.WriteString(statusStyle.Render("Working: "))
		b.WriteString(dimStyle.Render("please wait..."))
	case m.sharing:
		b.WriteString(statusStyle.Render("Sharing as: "))
		b.WriteString(selectedStyle.Render(m.config.ClientID))
		b.WriteString("  ")

		b.WriteString(statusStyle.Render("Codec: "))
		b.WriteString(normalStyle.Render(m.capturer.Codec().Name))
		b.WriteString("  ")

		b.WriteString(statusStyle.Render("Viewers: "))
		if n := m.viewers.connectedCount(); n == 0 {
			b.WriteString(dimStyle.Render("waiting..."))
		} else {
			b.WriteString(viewerStyle.Render(fmt.Sprintf("%d", n)))
		}
	default:
		b.WriteString(dimStyle.Render("Press s to start sharing"))
	}
	b.WriteString("\n")

	return b.String()
}

func (m model) renderColumns() string {
	quality := boxTitleStyle.Render(" Quality ") + "\n" + m.renderQualityList()
	viewers := boxTitleStyle.Render(" Peers ") + "\n" + m.renderViewerList()

	return lipgloss.JoinHorizontal(lipgloss.Top,
		boxStyle.Render(quality),
		" ",
		boxStyle.Width(max(30, lipgloss.Width(viewers))).Render(viewers),
	)
}

func (m model) renderQualityList() string {
	var b strings.Builder

	for i, preset := range QualityPresets {
		cursor := "  "
		if i == m.qualityCursor {
			cursor = "> "
		}

		// Format: name + bitrate
		label := fmt.Sprintf("%s (%s)", preset.Name, preset.Description)

		var line string
		switch {
		case i == m.selectedQuality:
			line = selectedStyle.Render(cursor + label)
		case i == m.qualityCursor:
			line = normalStyle.Render(cursor + label)
		default:
			line = dimStyle.Render(cursor + label)
		}

		b.WriteString(line)
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m model) renderViewerList() string {
	var content strings.Builder

	viewers := m.viewers.list()

	content.WriteString(dimStyle.Render(fmt.Sprintf("(%d)", len(viewers))))
	content.WriteString("\n")

	if len(viewers) == 0 {
		content.WriteString(dimStyle.Render("Waiting..."))
	}
	for _, v := range viewers {
		switch v.State {
		case "connected":
			connTime := time.Since(v.ConnectedAt).Truncate(time.Second)
			content.WriteString(viewerStyle.Render(fmt.Sprintf("%s %s", truncate(v.PeerID, 20), formatDuration(connTime))))
		case "connecting":
			content.WriteString(dimStyle.Render(fmt.Sprintf("%s ...", truncate(v.PeerID, 20))))
		default:
			content.WriteString(dimStyle.Render(fmt.Sprintf("%s [%s]", truncate(v.PeerID, 20), v.State)))
		}
		content.WriteString("\n")
	}

	return strings.TrimSuffix(content.String(), "\n")
}

func (m model) renderStats() string {
	statsBoxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("8")).
		Padding(0, 1).
		Width(74)

	var content strings.Builder
	content.WriteString(boxTitleDimStyle.Render(" Stream "))
	content.WriteString("\n")

	uptime := time.Since(m.startTime).Truncate(time.Second)
	content.WriteString(dimStyle.Render("Uptime: "))
	content.WriteString(normalStyle.Render(formatDuration(uptime)))
	content.WriteString("  ")

	frames, bytes := m.capturer.Stats()
	content.WriteString(dimStyle.Render("Sent: "))
	content.WriteString(normalStyle.Render(fmt.Sprintf("%s frames, %s", formatNumber(frames), formatBytes(bytes))))
	content.WriteString("  ")

	content.WriteString(dimStyle.Render("Heartbeat: "))
	if ack := m.orch.LastHeartbeatAck(); ack.IsZero() {
		content.WriteString(dimStyle.Render("none"))
	} else {
		content.WriteString(normalStyle.Render(formatDuration(time.Since(ack).Truncate(time.Second)) + " ago"))
	}

	return statsBoxStyle.Render(content.String())
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

func formatBytes(b int64) string {
	if b >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(b)/1_000_000_000)
	}
	if b >= 1_000_000 {
		return fmt.Sprintf("%.1f MB", float64(b)/1_000_000)
	}
	if b >= 1_000 {
		return fmt.Sprintf("%.1f KB", float64(b)/1_000)
	}
	return fmt.Sprintf("%d B", b)
}

func (m model) renderHelp() string {
	sep := keySepStyle.Render("  ")

	var actions []string
	actions = append(actions, keyStyle.Render("↑↓")+helpStyle.Render(" quality"))
	actions = append(actions, keyStyle.Render("enter")+helpStyle.Render(" apply"))
	if m.sharing {
		actions = append(actions, keyStyle.Render("s")+helpStyle.Render(" stop"))
	} else {
		actions = append(actions, keyStyle.Render("s")+helpStyle.Render(" start"))
	}
	actions = append(actions, keyStyle.Render("q")+helpStyle.Render(" quit"))

	return strings.Join(actions, sep)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// RunTUI starts the TUI application and shares until the user quits.
func RunTUI(config Config, lf logging.LoggerFactory) error {
	log := lf.NewLogger("main")
	log.Infof("=== PeerShare started at %s ===", time.Now().Format(time.RFC3339))

	capturer := NewFileCapturer(config.IVFPath, config.FPS, lf)
	sink := &teaSink{}
	o, err := newOrchestrator(config, QualityIndexByName(config.Quality), capturer, sink, lf)
	if err != nil {
		return err
	}

	p := tea.NewProgram(
		initialModel(config, o, capturer),
		tea.WithAltScreen(),
	)
	sink.program = p

	_, runErr := p.Run()
	if err := o.Release(); err != nil {
		log.Warnf("release: %v", err)
	}
	if errors.Is(runErr, tea.ErrProgramKilled) {
		return nil
	}
	return runErr
}
