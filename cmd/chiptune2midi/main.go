// Package main is the entry point for the chiptune2midi CLI
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/james-see/chiptune2midi/pkg/api"
	"github.com/james-see/chiptune2midi/pkg/converter"
	"github.com/james-see/chiptune2midi/pkg/converter/formats"
	"github.com/james-see/chiptune2midi/pkg/logger"
	"github.com/james-see/chiptune2midi/pkg/modulation"
	"github.com/james-see/chiptune2midi/pkg/tui"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	logLevel   string
	outputFile string
	formatID   string
	pitchMode  string
	jsonOutput bool
	showWarns  bool
	serverPort int
	opts       converter.Options
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chiptune2midi",
	Short: "Convert game music sequence data to MIDI",
	Long: `chiptune2midi converts the music bytecode of old game sound drivers
into Standard MIDI Files.

Supported formats: TSD (PC-88/98), GMD, M2system sequencer and MDC.

Examples:
  chiptune2midi convert BGM01.M -o bgm01.mid
  chiptune2midi convert song.bin --format m2seq --loops 3
  chiptune2midi inspect song.gmd
  chiptune2midi bank epr-19021.31 --sample-rom mpr-19022.32 scsp.sf2
  chiptune2midi render --soundfont scsp.sf2 song.mid song.wav
  chiptune2midi tui
  chiptune2midi serve --port 8080`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.InitLogger(logLevel)
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert <input> [output]",
	Short: "Convert a sequence file to MIDI",
	Long:  `Detects the input format from the file signature or extension and writes a format 1 MIDI file.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runConvert,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <input>",
	Short: "Show the tracks and loops of a sequence or MIDI file",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var syxCmd = &cobra.Command{
	Use:   "syx <m2ex-file> [output.syx]",
	Short: "Convert an M2system SysEx dump to .syx",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSyx,
}

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List supported sequence formats",
	Args:  cobra.NoArgs,
	RunE:  runFormats,
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch interactive terminal UI",
	RunE:  runTUI,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	RunE:  runServe,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default $"+logger.EnvLevel+" or info)")

	// Conversion options, shared by every command that converts
	for _, cmd := range []*cobra.Command{convertCmd, inspectCmd, renderCmd, tuiCmd} {
		f := cmd.Flags()
		f.StringVarP(&formatID, "format", "f", "", "Input format: "+strings.Join(formats.IDs(), ", ")+" (default: auto-detect)")
		f.Uint16Var(&opts.Loops, "loops", converter.DefaultLoops, "Minimum master loop passes")
		f.BoolVar(&opts.NoLoopExt, "no-loop-ext", false, "Do not extend the loops of short tracks")
		f.BoolVar(&opts.DriverBugs, "driver-bugs", false, "Reproduce sound driver bugs")
		f.BoolVar(&opts.TieLookahead, "tie-lookahead", false, "Search past other commands for ties (TSD)")
		f.BoolVar(&opts.ED4Mode, "ed4", false, "Older TSD driver: free-running vibrato, dropped pitch bends")
		f.BoolVar(&opts.NoTrackNames, "no-track-names", false, "Omit track names")
		f.StringVar(&pitchMode, "pitch", "driver", "Pitch mode: driver, precise-pb, precise-vib")
		f.BoolVar(&opts.DecodeText, "decode-text", false, "Convert Shift-JIS titles and comments to UTF-8")
	}

	// convert command
	convertCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output .mid file path")

	// inspect command
	inspectCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the report as JSON")
	inspectCmd.Flags().BoolVar(&showWarns, "warnings", false, "Transcode to collect warnings")

	// syx command
	syxCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output .syx file path")

	// serve command
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "Server port")

	// Add commands
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(bankCmd)
	rootCmd.AddCommand(syxCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(formatsCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(serveCmd)
}

// options returns the conversion options from the flags.
func options() (converter.Options, error) {
	o := opts
	pitch, err := modulation.ParsePitchMode(pitchMode)
	if err != nil {
		return o, err
	}
	o.Pitch = pitch
	o.Logger = logger.GetLogger()
	return o, nil
}

// newConverter picks the format for the input and sets up a converter.
func newConverter(input string, data []byte) (*converter.Converter, error) {
	o, err := options()
	if err != nil {
		return nil, err
	}
	var f converter.Format
	if formatID != "" {
		f, err = formats.Lookup(formatID)
	} else {
		f, err = formats.Detect(input, data)
	}
	if err != nil {
		return nil, err
	}
	return converter.New(f, o), nil
}

// getOutputPath picks the output: an explicit flag, a second argument, or
// the input with defaultExt.
func getOutputPath(args []string, defaultExt string) string {
	if outputFile != "" {
		return outputFile
	}
	if len(args) > 1 {
		return args[1]
	}
	base := strings.TrimSuffix(args[0], filepath.Ext(args[0]))
	return base + defaultExt
}

func isMIDI(data []byte) bool {
	return bytes.HasPrefix(data, []byte("MThd"))
}

func runConvert(cmd *cobra.Command, args []string) error {
	input := args[0]
	output := getOutputPath(args, ".mid")

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	conv, err := newConverter(input, data)
	if err != nil {
		return err
	}

	fmt.Printf("Converting %s (%s) -> %s\n", input, conv.GetFormat().Name(), output)
	res, err := conv.Convert(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, res.MIDI, 0644); err != nil {
		return err
	}

	for _, w := range res.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	fmt.Printf("Conversion complete! %d tracks, %d bytes\n", len(res.Tracks), len(res.MIDI))
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	input := args[0]
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	var report any
	if isMIDI(data) && formatID == "" {
		info, err := converter.ReadMIDI(data)
		if err != nil {
			return err
		}
		report = info
		if !jsonOutput {
			printMIDIInfo(input, info)
			return nil
		}
	} else {
		conv, err := newConverter(input, data)
		if err != nil {
			return err
		}
		var res *converter.Result
		if showWarns {
			res, err = conv.Convert(data)
		} else {
			res, err = conv.Inspect(data)
		}
		if err != nil {
			return err
		}
		report = res
		if !jsonOutput {
			printResult(input, res)
			return nil
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func printResult(input string, res *converter.Result) {
	fmt.Printf("%s: %s", input, strings.ToUpper(res.Format))
	if res.Title != "" {
		fmt.Printf(" %q", res.Title)
	}
	fmt.Printf(", %d ticks per quarter\n", res.Resolution)
	fmt.Printf("  %-3s %-14s %8s %8s %8s %8s %7s\n", "#", "name", "start", "ticks", "loop", "looplen", "repeats")
	for _, tr := range res.Tracks {
		loop := "-"
		if tr.LoopOffset >= 0 {
			loop = fmt.Sprint(tr.LoopTick)
		}
		fmt.Printf("  %-3d %-14s %8d %8d %8s %8d %7d\n", tr.ID, tr.Name, tr.Start, tr.Ticks, loop, tr.LoopTicks, tr.Repeats)
	}
	for _, w := range res.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}

func printMIDIInfo(input string, info *converter.MIDIInfo) {
	fmt.Printf("%s: MIDI, %d ticks per quarter, %.2f BPM, %d SysEx messages\n", input, info.Resolution, info.Tempo, info.SysEx)
	for i, tr := range info.Tracks {
		fmt.Printf("  %-3d %-14s %6d events %5d notes, ends at %d, channels %v, loop markers %v\n",
			i, tr.Name, tr.Events, tr.Notes, tr.EndTick, tr.Channels, tr.LoopMarkers)
	}
}

func runSyx(cmd *cobra.Command, args []string) error {
	input := args[0]
	output := getOutputPath(args, ".syx")

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	syx, err := converter.M2exToSyx(data)
	if err != nil {
		return err
	}
	rep, err := converter.CheckSyx(syx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, syx, 0644); err != nil {
		return err
	}

	for _, w := range rep.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	fmt.Printf("Converted %s -> %s (%d messages, manufacturers %s)\n",
		input, output, rep.Messages, strings.Join(rep.Manufacturers, ", "))
	return nil
}

func runFormats(cmd *cobra.Command, args []string) error {
	for _, f := range formats.All() {
		fmt.Printf("  %-6s %-40s %s\n", f.ID(), f.Description(), strings.Join(f.Extensions(), " "))
	}
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	o, err := options()
	if err != nil {
		return err
	}
	return tui.Run(o)
}

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Printf("Starting API server on port %d...\n", serverPort)
	return api.StartServer(serverPort)
}
