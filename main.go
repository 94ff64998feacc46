package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed CLI flags into the application.
type AppOptions struct {
	ConfigFile string
	DBPath     string
	VideoID    string
	ImportFile string
	OutputFile string
	Format     string
	FrameIdx   int
	HttpPort   int
	InitSeed   bool
	TrainOnce  bool
	ScoreAll   bool
	RenderOnly bool
	MqttMode   bool
	HttpMode   bool
}

// appRunner is the mode surface main drives; App implements it.
type appRunner interface {
	ApplyOptions(opts AppOptions)
	RunImport(path string)
	RunInitSeed()
	RunTrainOnce()
	RunScore()
	RunRender()
	RunService()
}

func main() {
	app := NewApp()
	if err := run(os.Args[1:], os.Stdout, app); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
}

// run parses args and dispatches to the matching app mode. Split from main
// so tests can drive the dispatch with a mock runner.
func run(args []string, out io.Writer, app appRunner) error {
	fs := flag.NewFlagSet("captiona", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.DBPath, "db", "", "SQLite database path (overrides config dbPath)")
	fs.StringVar(&opts.VideoID, "video", "", "Restrict the selected mode to one video ID")
	fs.StringVar(&opts.ImportFile, "import", "", "Import detected boxes from a JSON export and exit")
	fs.StringVar(&opts.OutputFile, "output", "overlay.png", "Output file for --render mode")
	fs.StringVar(&opts.Format, "format", "raster", "Render format: raster or vector")
	fs.IntVar(&opts.FrameIdx, "frame", 0, "Frame index for --render mode")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")
	fs.BoolVar(&opts.InitSeed, "init-seed", false, "Write seed models for configured videos and exit")
	fs.BoolVar(&opts.TrainOnce, "train-once", false, "Train models from stored annotations and exit")
	fs.BoolVar(&opts.ScoreAll, "score", false, "Predict every box under the current models and exit")
	fs.BoolVar(&opts.RenderOnly, "render", false, "Render a frame's prediction overlay and exit")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode for live annotation events")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for status and overlays")

	fs.Usage = func() {
		fmt.Fprintln(out, "Usage of captiona:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "captiona version: %s\n", Version)

	app.ApplyOptions(opts)

	if opts.ImportFile != "" {
		app.RunImport(opts.ImportFile)
		return nil
	}

	if opts.InitSeed {
		app.RunInitSeed()
		return nil
	}

	if opts.TrainOnce {
		app.RunTrainOnce()
		return nil
	}

	if opts.ScoreAll {
		app.RunScore()
		return nil
	}

	if opts.RenderOnly {
		app.RunRender()
		return nil
	}

	if opts.MqttMode || opts.HttpMode {
		app.RunService()
		return nil
	}

	fmt.Fprintln(out, "captiona service starting...")
	fmt.Fprintln(out, "Use --import=FILE to load detected boxes into the store")
	fmt.Fprintln(out, "Use --init-seed to write position-prior seed models")
	fmt.Fprintln(out, "Use --train-once to train from stored annotations")
	fmt.Fprintln(out, "Use --score to predict every stored box")
	fmt.Fprintln(out, "Use --render --video=ID --frame=N to output a prediction overlay")
	fmt.Fprintln(out, "Use --mqtt to run MQTT service mode")
	fmt.Fprintln(out, "Use --http to run HTTP server mode")
	fmt.Fprintln(out, "Use --mqtt --http to run both MQTT and HTTP together")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - MQTT settings, engine tunables, and video layouts")
	fmt.Fprintln(out, "  dbPath      - SQLite database holding boxes, annotations, and models")
	return nil
}
