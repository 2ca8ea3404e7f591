package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/james-see/chiptune2midi/pkg/logger"
	"github.com/james-see/chiptune2midi/pkg/render"
	"github.com/james-see/chiptune2midi/pkg/soundfont"
)

var (
	sampleROMs      []string
	sampleTable     string
	instrumentTable string
	soundFontFile   string
	sampleRate      int
	tail            time.Duration
)

var bankCmd = &cobra.Command{
	Use:   "bank <driver-rom> [output.sf2]",
	Short: "Build a SoundFont from an M2 SCSP sound ROM set",
	Long: `Reads the sample and instrument tables of an M2 sound driver ROM and
writes them as a SoundFont 2 bank. Table offsets default to the driver's
global pointer table.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runBank,
}

var renderCmd = &cobra.Command{
	Use:   "render <input> [output.wav]",
	Short: "Render a MIDI or sequence file to WAV with a SoundFont",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRender,
}

func init() {
	bankCmd.Flags().StringSliceVar(&sampleROMs, "sample-rom", nil, "Sample ROMs mapped from 0x800000 (up to 4)")
	bankCmd.Flags().StringVar(&sampleTable, "samples", "", "Sample table offset in the driver ROM")
	bankCmd.Flags().StringVar(&instrumentTable, "instruments", "", "Instrument table offset in the driver ROM")
	bankCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output .sf2 file path")

	renderCmd.Flags().StringVarP(&soundFontFile, "soundfont", "s", "", "SoundFont file (required)")
	renderCmd.Flags().IntVar(&sampleRate, "rate", render.DefaultSampleRate, fmt.Sprintf("Sample rate, %d to %d", render.MinSampleRate, render.MaxSampleRate))
	renderCmd.Flags().DurationVar(&tail, "tail", render.DefaultTail, "Silence kept after the last event")
	renderCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output .wav file path")
	_ = renderCmd.MarkFlagRequired("soundfont")
}

// parseOffset parses a table offset; empty means unset.
func parseOffset(s string) (uint32, bool, error) {
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, false, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	return uint32(v), true, nil
}

func runBank(cmd *cobra.Command, args []string) error {
	input := args[0]
	output := getOutputPath(args, ".sf2")
	if len(sampleROMs) > 4 {
		return fmt.Errorf("at most 4 sample ROMs, got %d", len(sampleROMs))
	}

	img := &soundfont.Image{Logger: logger.GetLogger()}
	var err error
	if img.Program, err = os.ReadFile(input); err != nil {
		return err
	}
	for i, name := range sampleROMs {
		if img.Samples[i], err = os.ReadFile(name); err != nil {
			return err
		}
	}
	if img.Swapped() {
		fmt.Println("ROMs are byteswapped, swapping back")
		img.Unswap()
	}

	smpl, smplSet, err := parseOffset(sampleTable)
	if err != nil {
		return err
	}
	ins, insSet, err := parseOffset(instrumentTable)
	if err != nil {
		return err
	}
	if !smplSet {
		if smpl, err = img.GlobalPointer(soundfont.SampleTableID); err != nil {
			return err
		}
	}
	if !insSet {
		if ins, err = img.GlobalPointer(soundfont.InstrumentTableID); err != nil {
			return err
		}
	}

	bank, err := soundfont.ReadSCSPBank(img, smpl, ins)
	if err != nil {
		return err
	}
	bank.Software = "chiptune2midi " + version
	bank.Created = time.Now()

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if _, err := bank.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Printf("Wrote %s: %d samples, %d instruments, %d presets\n",
		output, len(bank.Samples), len(bank.Instruments), len(bank.Presets))
	return nil
}

func runRender(cmd *cobra.Command, args []string) error {
	input := args[0]
	output := getOutputPath(args, ".wav")

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	if !isMIDI(data) {
		conv, err := newConverter(input, data)
		if err != nil {
			return err
		}
		res, err := conv.Convert(data)
		if err != nil {
			return err
		}
		data = res.MIDI
	}

	sf2, err := os.ReadFile(soundFontFile)
	if err != nil {
		return err
	}
	audio, err := render.Render(context.Background(), sf2, data, render.Options{
		SampleRate: sampleRate,
		Tail:       tail,
		Logger:     logger.GetLogger(),
	})
	if err != nil {
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if _, err := audio.WriteWAV(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Printf("Rendered %s -> %s (%s, peak %.2f)\n", input, output, audio.Duration().Round(time.Millisecond), audio.Peak())
	return nil
}
