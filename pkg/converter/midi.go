package converter

import (
	"bytes"
	"fmt"
	"os"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/james-see/chiptune2midi/pkg/midiout"
	"github.com/james-see/chiptune2midi/pkg/vlq"
)

// MIDITrackInfo summarises one track of a Standard MIDI File.
type MIDITrackInfo struct {
	Name        string   `json:"name,omitempty"`
	Events      int      `json:"events"`
	Notes       int      `json:"notes"`
	EndTick     uint32   `json:"end_tick"`
	Channels    []uint8  `json:"channels,omitempty"`
	LoopMarkers []uint32 `json:"loop_markers,omitempty"`
}

// MIDIInfo summarises a Standard MIDI File.
type MIDIInfo struct {
	Resolution uint16          `json:"resolution"`
	Tempo      float64         `json:"tempo_bpm"` // first tempo, 120 when there is none
	SysEx      int             `json:"sysex"`
	Tracks     []MIDITrackInfo `json:"tracks"`
}

// ReadMIDIFile reads and summarises a MIDI file.
func ReadMIDIFile(filename string) (*MIDIInfo, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read MIDI file: %w", err)
	}
	return ReadMIDI(data)
}

// ReadMIDI parses MIDI data and summarises its tracks.
func ReadMIDI(data []byte) (*MIDIInfo, error) {
	s, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse MIDI: %w", err)
	}

	info := &MIDIInfo{Tempo: 120}
	if mt, ok := s.TimeFormat.(smf.MetricTicks); ok {
		info.Resolution = mt.Resolution()
	}

	tempoSeen := false
	for _, track := range s.Tracks {
		var ti MIDITrackInfo
		var chans [16]bool
		for _, ev := range track {
			ti.EndTick += ev.Delta
			msg := []byte(ev.Message)
			if len(msg) == 0 {
				continue
			}
			ti.Events++

			switch status := msg[0]; {
			case status == 0xFF && len(msg) >= 3:
				typ, body := msg[1], metaBody(msg)
				switch {
				case typ == midiout.MetaTrackName && ti.Name == "":
					ti.Name = string(body)
				case typ == midiout.MetaTempo && len(body) == 3 && !tempoSeen:
					if us := uint32(body[0])<<16 | uint32(body[1])<<8 | uint32(body[2]); us > 0 {
						info.Tempo = 60000000.0 / float64(us)
						tempoSeen = true
					}
				}
			case status == 0xF0:
				info.SysEx++
			case status >= 0x80 && status < 0xF0:
				chans[status&0x0F] = true
				if status&0xF0 == 0x90 && len(msg) >= 3 && msg[2] > 0 {
					ti.Notes++
				}
				if status&0xF0 == 0xB0 && len(msg) >= 3 && msg[1] == midiout.CtrlLoop {
					ti.LoopMarkers = append(ti.LoopMarkers, ti.EndTick)
				}
			}
		}
		for ch, used := range chans {
			if used {
				ti.Channels = append(ti.Channels, uint8(ch))
			}
		}
		info.Tracks = append(info.Tracks, ti)
	}
	return info, nil
}

// metaBody returns the data of a meta event message.
func metaBody(msg []byte) []byte {
	n, size, err := vlq.Decode(msg[2:])
	if err != nil || 2+size+int(n) > len(msg) {
		return nil
	}
	return msg[2+size : 2+size+int(n)]
}
