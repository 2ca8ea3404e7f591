package tui

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/james-see/chiptune2midi/pkg/converter"
	"github.com/james-see/chiptune2midi/pkg/logger"
)

// mdcSong is an MDC file titled "TUI" with one looping track.
func mdcSong() []byte {
	data := make([]byte, 0x30)
	copy(data, "MDC\x1A")
	binary.BigEndian.PutUint32(data[0x14:], 0x30)
	binary.BigEndian.PutUint16(data[0x2C:], 48)
	data = append(data, "TUI\x00"...)
	binary.BigEndian.PutUint32(data[0x10:], uint32(len(data)))
	data = append(data, 0x00, 0x01, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x00, 0x00)
	return append(data, 0x3E, 0x84, 0x3C, 0x90, 0xFE, 0xFF, 0xFB)
}

func testOptions() converter.Options {
	return converter.Options{Logger: logger.Discard()}
}

func key(k tea.KeyType) tea.KeyMsg {
	return tea.KeyMsg{Type: k}
}

func TestMenuNavigation(t *testing.T) {
	var m tea.Model = New(testOptions())

	m, _ = m.Update(key(tea.KeyDown))
	m, _ = m.Update(key(tea.KeyDown))
	m, _ = m.Update(key(tea.KeyUp))
	if got := m.(Model).menuIndex; got != 1 {
		t.Errorf("menuIndex = %d, want 1", got)
	}

	m, _ = m.Update(key(tea.KeyUp))
	m, _ = m.Update(key(tea.KeyUp))
	if got := m.(Model).menuIndex; got != 0 {
		t.Errorf("menuIndex = %d, want 0", got)
	}

	m, cmd := m.Update(key(tea.KeyEnter))
	if got := m.(Model); got.state != StateFilePicker || got.action.Action != ActionConvert {
		t.Errorf("state %d action %d after enter", got.state, got.action.Action)
	}
	if cmd == nil {
		t.Error("file picker not started")
	}

	m, _ = m.Update(key(tea.KeyEsc))
	if got := m.(Model).state; got != StateMenu {
		t.Errorf("state %d after esc, want menu", got)
	}
}

func TestMenuExit(t *testing.T) {
	var m tea.Model = New(testOptions())
	for range menuItems {
		m, _ = m.Update(key(tea.KeyDown))
	}
	_, cmd := m.Update(key(tea.KeyEnter))
	if cmd == nil {
		t.Fatal("no command on exit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("exit entry does not quit")
	}
}

func TestResultView(t *testing.T) {
	model := New(testOptions())
	model.state = StateConverting
	var m tea.Model = model
	m, _ = m.Update(doneMsg{outputFile: "/tmp/song.mid", report: "MDC  \"Song\"\n", warnings: 2})

	got := m.(Model)
	if got.state != StateResult {
		t.Fatalf("state %d, want result", got.state)
	}
	view := got.View()
	for _, want := range []string{"DONE", "song.mid", "MDC", "2 warnings"} {
		if !strings.Contains(view, want) {
			t.Errorf("view lacks %q", want)
		}
	}

	m, _ = m.Update(key(tea.KeyEnter))
	if got := m.(Model); got.state != StateMenu || got.result.outputFile != "" {
		t.Errorf("result not cleared: state %d", got.state)
	}
}

func TestResultFromPicker(t *testing.T) {
	var m tea.Model = New(testOptions())
	m, _ = m.Update(key(tea.KeyEnter))
	if got := m.(Model).state; got != StateFilePicker {
		t.Fatalf("state %d after enter, want file picker", got)
	}
	m, _ = m.Update(doneMsg{outputFile: "/tmp/song.mid"})
	if got := m.(Model); got.state != StateResult || got.result.outputFile != "/tmp/song.mid" {
		t.Errorf("state %d, result %+v; want the result view", got.state, got.result)
	}
}

func TestProcess(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "song.mdc")
	if err := os.WriteFile(in, mdcSong(), 0o644); err != nil {
		t.Fatal(err)
	}

	res := process(in, ActionConvert, testOptions())
	if res.err != nil {
		t.Fatalf("convert: %v", res.err)
	}
	if res.outputFile != filepath.Join(dir, "song.mid") || !strings.Contains(res.report, `"TUI"`) {
		t.Errorf("convert = %+v", res)
	}
	if _, err := os.Stat(res.outputFile); err != nil {
		t.Errorf("no MIDI written: %v", err)
	}

	res = process(in, ActionInspect, testOptions())
	if res.err != nil || res.outputFile != "" || !strings.Contains(res.report, "loop @4") {
		t.Errorf("inspect = %+v", res)
	}

	res = process(filepath.Join(dir, "song.mid"), ActionMIDIInfo, testOptions())
	if res.err != nil || !strings.Contains(res.report, "48 ticks/quarter") {
		t.Errorf("MIDI info = %+v", res)
	}

	dump := filepath.Join(dir, "GS.EX")
	if err := os.WriteFile(dump, []byte{0x00, 0x02, 0x7E, 0x7F}, 0o644); err != nil {
		t.Fatal(err)
	}
	res = process(dump, ActionSyx, testOptions())
	if res.err != nil {
		t.Fatalf("syx: %v", res.err)
	}
	syx, err := os.ReadFile(res.outputFile)
	if err != nil || !bytes.Equal(syx, []byte{0xF0, 0x7E, 0x7F, 0xF7}) {
		t.Errorf("syx = % X, %v", syx, err)
	}
	if !strings.Contains(res.report, "1 messages, manufacturers 7E") {
		t.Errorf("syx report %q", res.report)
	}
}

func TestProcessErrors(t *testing.T) {
	dir := t.TempDir()
	if res := process(filepath.Join(dir, "missing.mdc"), ActionConvert, testOptions()); res.err == nil {
		t.Error("expected an error for a missing file")
	}

	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if res := process(txt, ActionConvert, testOptions()); res.err == nil {
		t.Error("expected an error for an unknown format")
	}
	if res := process(txt, ActionMIDIInfo, testOptions()); res.err == nil {
		t.Error("expected an error for a non-MIDI file")
	}
}
