// Package tui provides a terminal user interface for chiptune2midi
package tui

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/james-see/chiptune2midi/pkg/converter"
	"github.com/james-see/chiptune2midi/pkg/converter/formats"
	"github.com/james-see/chiptune2midi/pkg/logger"
)

// FM-synth inspired color scheme
var (
	phosphor  = lipgloss.Color("#7CFC00")
	amber     = lipgloss.Color("#FFB000")
	pale      = lipgloss.Color("#C0C0C0")
	panelGray = lipgloss.Color("#2B2B2B")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(phosphor).
			Background(panelGray).
			Padding(0, 2).
			MarginBottom(1)

	menuStyle = lipgloss.NewStyle().
			Foreground(pale).
			PaddingLeft(2)

	selectedStyle = lipgloss.NewStyle().
			Foreground(phosphor).
			Bold(true).
			PaddingLeft(2)

	statusStyle = lipgloss.NewStyle().
			Foreground(amber).
			PaddingTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(phosphor).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(amber)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(phosphor).
			Padding(1, 2)
)

// State represents the current TUI state
type State int

const (
	StateMenu State = iota
	StateFilePicker
	StateConverting
	StateResult
)

// Action is what a menu entry does with the picked file.
type Action int

const (
	ActionConvert Action = iota
	ActionInspect
	ActionMIDIInfo
	ActionSyx
	ActionExit
)

// MenuItem represents a menu option
type MenuItem struct {
	Title       string
	Description string
	Action      Action
}

var menuItems = []MenuItem{
	{Title: "Sequence → MIDI", Description: "Detect the sequence format and write a .mid file", Action: ActionConvert},
	{Title: "Inspect sequence", Description: "Show tracks, lengths and master loops", Action: ActionInspect},
	{Title: "Inspect MIDI", Description: "Summarise a Standard MIDI File", Action: ActionMIDIInfo},
	{Title: "M2 dump → SYX", Description: "Turn a length-prefixed SysEx dump into a .syx file", Action: ActionSyx},
	{Title: "Exit", Description: "Exit the application", Action: ActionExit},
}

// Model represents the TUI model
type Model struct {
	state        State
	menuIndex    int
	filePicker   filepicker.Model
	spinner      spinner.Model
	selectedFile string
	action       MenuItem
	opts         converter.Options
	result       doneMsg
	width        int
	height       int
}

// doneMsg signals that the picked file was processed.
type doneMsg struct {
	outputFile string
	report     string
	warnings   int
	err        error
}

// Init initializes the TUI model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick)
}

// New creates a new TUI model
func New(opts converter.Options) Model {
	fp := filepicker.New()
	fp.AllowedTypes = sequenceExtensions()
	fp.CurrentDirectory, _ = os.Getwd()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(phosphor)

	// log records would tear the alt screen
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	return Model{
		state:      StateMenu,
		filePicker: fp,
		spinner:    s,
		opts:       opts,
	}
}

// sequenceExtensions lists the extensions of every known format.
func sequenceExtensions() []string {
	var exts []string
	for _, f := range formats.All() {
		exts = append(exts, f.Extensions()...)
	}
	return exts
}

// Update handles TUI updates
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if done, ok := msg.(doneMsg); ok {
		m.state = StateResult
		m.result = done
		return m, nil
	}

	// the file picker needs to receive all other messages
	if m.state == StateFilePicker {
		if keyMsg, ok := msg.(tea.KeyMsg); ok {
			switch keyMsg.String() {
			case "esc":
				m.state = StateMenu
				return m, nil
			case "q", "ctrl+c":
				return m, tea.Quit
			}
		}

		var cmd tea.Cmd
		m.filePicker, cmd = m.filePicker.Update(msg)

		if didSelect, path := m.filePicker.DidSelectFile(msg); didSelect {
			m.selectedFile = path
			m.state = StateConverting
			return m, tea.Batch(m.spinner.Tick, m.processCmd())
		}

		return m, cmd
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.filePicker.Height = msg.Height - 10
		return m, nil

	case tea.KeyMsg:
		switch m.state {
		case StateMenu:
			return m.updateMenu(msg)
		case StateResult:
			return m.updateResult(msg)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) updateMenu(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.menuIndex > 0 {
			m.menuIndex--
		}
	case "down", "j":
		if m.menuIndex < len(menuItems)-1 {
			m.menuIndex++
		}
	case "enter":
		m.action = menuItems[m.menuIndex]
		if m.action.Action == ActionExit {
			return m, tea.Quit
		}
		m.state = StateFilePicker

		switch m.action.Action {
		case ActionMIDIInfo:
			m.filePicker.AllowedTypes = []string{".mid", ".midi"}
		case ActionSyx:
			m.filePicker.AllowedTypes = nil
		default:
			m.filePicker.AllowedTypes = sequenceExtensions()
		}

		return m, m.filePicker.Init()
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) updateResult(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter", "esc":
		m.state = StateMenu
		m.result = doneMsg{}
		m.selectedFile = ""
		return m, nil
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) processCmd() tea.Cmd {
	path, action, opts := m.selectedFile, m.action.Action, m.opts
	return func() tea.Msg {
		return process(path, action, opts)
	}
}

// process runs action on the file at path.
func process(path string, action Action, opts converter.Options) doneMsg {
	data, err := os.ReadFile(path)
	if err != nil {
		return doneMsg{err: err}
	}

	switch action {
	case ActionMIDIInfo:
		info, err := converter.ReadMIDI(data)
		if err != nil {
			return doneMsg{err: err}
		}
		return doneMsg{report: midiReport(info)}

	case ActionSyx:
		syx, err := converter.M2exToSyx(data)
		if err != nil {
			return doneMsg{err: err}
		}
		rep, err := converter.CheckSyx(syx)
		if err != nil {
			return doneMsg{err: err}
		}
		out := strings.TrimSuffix(path, filepath.Ext(path)) + ".syx"
		if err := os.WriteFile(out, syx, 0644); err != nil {
			return doneMsg{err: err}
		}
		report := fmt.Sprintf("%d messages, manufacturers %s", rep.Messages, strings.Join(rep.Manufacturers, ", "))
		return doneMsg{outputFile: out, report: report, warnings: len(rep.Warnings)}
	}

	f, err := formats.Detect(path, data)
	if err != nil {
		return doneMsg{err: err}
	}
	conv := converter.New(f, opts)

	if action == ActionInspect {
		res, err := conv.Inspect(data)
		if err != nil {
			return doneMsg{err: err}
		}
		return doneMsg{report: trackReport(res)}
	}

	res, err := conv.Convert(data)
	if err != nil {
		return doneMsg{err: err}
	}
	out := converter.OutputName(path)
	if err := os.WriteFile(out, res.MIDI, 0644); err != nil {
		return doneMsg{err: err}
	}
	return doneMsg{outputFile: out, report: trackReport(res), warnings: len(res.Warnings)}
}

// trackReport formats one line per track.
func trackReport(res *converter.Result) string {
	var s strings.Builder
	fmt.Fprintf(&s, "%s", strings.ToUpper(res.Format))
	if res.Title != "" {
		fmt.Fprintf(&s, "  %q", res.Title)
	}
	fmt.Fprintf(&s, "  %d ticks/quarter\n", res.Resolution)
	for _, tr := range res.Tracks {
		fmt.Fprintf(&s, "  %2d %-12s %7d ticks", tr.ID, tr.Name, tr.Ticks)
		if tr.LoopOffset >= 0 {
			fmt.Fprintf(&s, "  loop @%d ×%d", tr.LoopTick, tr.Repeats)
		}
		s.WriteString("\n")
	}
	return s.String()
}

func midiReport(info *converter.MIDIInfo) string {
	var s strings.Builder
	fmt.Fprintf(&s, "%d ticks/quarter  %.1f BPM  %d SysEx\n", info.Resolution, info.Tempo, info.SysEx)
	for i, tr := range info.Tracks {
		fmt.Fprintf(&s, "  %2d %-12s %5d notes  ends %d\n", i, tr.Name, tr.Notes, tr.EndTick)
	}
	return s.String()
}

// View renders the TUI
func (m Model) View() string {
	var s strings.Builder

	s.WriteString(asciiLogo())
	s.WriteString("\n")

	switch m.state {
	case StateMenu:
		s.WriteString(m.viewMenu())
	case StateFilePicker:
		s.WriteString(m.viewFilePicker())
	case StateConverting:
		s.WriteString(m.viewConverting())
	case StateResult:
		s.WriteString(m.viewResult())
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("↑/↓: navigate • enter: select • q: quit"))

	return s.String()
}

func (m Model) viewMenu() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(" SELECT ACTION "))
	s.WriteString("\n\n")

	for i, item := range menuItems {
		if i == m.menuIndex {
			s.WriteString(selectedStyle.Render(fmt.Sprintf("▸ %s", item.Title)))
			s.WriteString("\n")
			s.WriteString(lipgloss.NewStyle().Foreground(amber).PaddingLeft(4).Render(item.Description))
		} else {
			s.WriteString(menuStyle.Render(fmt.Sprintf("  %s", item.Title)))
		}
		s.WriteString("\n")
	}

	return boxStyle.Render(s.String())
}

func (m Model) viewFilePicker() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(fmt.Sprintf(" %s: SELECT FILE ", strings.ToUpper(m.action.Title))))
	s.WriteString("\n\n")
	s.WriteString(m.filePicker.View())
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("esc: back to menu"))

	return s.String()
}

func (m Model) viewConverting() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(" WORKING "))
	s.WriteString("\n\n")
	s.WriteString(fmt.Sprintf("%s Reading %s...\n", m.spinner.View(), filepath.Base(m.selectedFile)))
	s.WriteString(statusStyle.Render("  " + m.action.Description))

	return boxStyle.Render(s.String())
}

func (m Model) viewResult() string {
	var s strings.Builder
	r := m.result

	if r.err != nil {
		s.WriteString(titleStyle.Render(" ERROR "))
		s.WriteString("\n\n")
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ %s failed: %s", m.action.Title, r.err.Error())))
	} else {
		s.WriteString(titleStyle.Render(" DONE "))
		s.WriteString("\n\n")
		s.WriteString(successStyle.Render("✓ " + m.action.Title))
		s.WriteString("\n\n")
		s.WriteString(fmt.Sprintf("Input:  %s\n", filepath.Base(m.selectedFile)))
		if r.outputFile != "" {
			s.WriteString(fmt.Sprintf("Output: %s\n", filepath.Base(r.outputFile)))
		}
		if r.report != "" {
			s.WriteString("\n")
			s.WriteString(r.report)
		}
		if r.warnings > 0 {
			s.WriteString(warnStyle.Render(fmt.Sprintf("%d warnings, run the command line tool to see them", r.warnings)))
		}
	}

	s.WriteString("\n\n")
	s.WriteString(helpStyle.Render("Press enter to continue"))

	return boxStyle.Render(s.String())
}

func asciiLogo() string {
	logo := `
        _     _        _                 ___           _     _ _
   ___ | |__ (_)_ __  | |_ _   _ _ __   |__ \ _ __ ___ (_) __| (_)
  / __|| '_ \| | '_ \ | __| | | | '_ \    / /| '_ ' _ \| |/ _' | |
 | (__ | | | | | |_) || |_| |_| | | | |  |_| | | | | | | | (_| | |
  \___||_| |_|_| .__/  \__|\__,_|_| |_|  (_) |_| |_| |_|_|\__,_|_|
               |_|
`
	return lipgloss.NewStyle().Foreground(phosphor).Render(logo)
}

// Run starts the TUI application
func Run(opts converter.Options) error {
	p := tea.NewProgram(New(opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
