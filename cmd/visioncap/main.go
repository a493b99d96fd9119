package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"github.com/dudu/visioncap/internal/bus"
	"github.com/dudu/visioncap/internal/camera"
	"github.com/dudu/visioncap/internal/config"
	"github.com/dudu/visioncap/internal/detector"
	"github.com/dudu/visioncap/internal/inference"
	"github.com/dudu/visioncap/internal/logging"
	"github.com/dudu/visioncap/internal/orchestrator"
	"github.com/dudu/visioncap/internal/pipeline"
	"github.com/dudu/visioncap/internal/server"
	"github.com/dudu/visioncap/internal/ui"
)

func init() {
	// Lock the main goroutine to the main OS thread.
	// This is required on macOS for OpenCV's highgui (window creation).
	runtime.LockOSThread()
}

type Options struct {
	ConfigPath string
	Device     string
	Driver     string
	Addr       string
	LogLevel   string
	Preview    bool
	NoServer   bool
	List       bool
}

func main() {
	opts, set := parseFlags()

	if opts.List {
		if err := listDevices(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(opts, set)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags returns the options and the names of flags given explicitly.
func parseFlags() (Options, map[string]bool) {
	opts := Options{}

	flag.StringVar(&opts.ConfigPath, "config", "", "YAML configuration file")
	flag.StringVar(&opts.ConfigPath, "c", "", "YAML configuration file (shorthand)")
	flag.StringVar(&opts.Device, "device", "", "Camera device index or path")
	flag.StringVar(&opts.Device, "d", "", "Camera device index or path (shorthand)")
	flag.StringVar(&opts.Driver, "driver", "", "Capture driver: gocv or gstreamer")
	flag.StringVar(&opts.Addr, "addr", "", "HTTP listen address")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.Preview, "preview", false, "Show preview window")
	flag.BoolVar(&opts.Preview, "p", false, "Show preview window (shorthand)")
	flag.BoolVar(&opts.NoServer, "no-server", false, "Disable the HTTP server")
	flag.BoolVar(&opts.List, "list", false, "List capture devices and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "visioncap - live camera detection\n\n")
		fmt.Fprintf(os.Stderr, "Usage: visioncap [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  visioncap --list\n")
		fmt.Fprintf(os.Stderr, "  visioncap --config visioncap.yaml\n")
		fmt.Fprintf(os.Stderr, "  visioncap --device /dev/video2 --driver gstreamer --preview\n")
	}

	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return opts, set
}

// loadConfig reads the file and lets explicit flags win over it.
func loadConfig(opts Options, set map[string]bool) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if set["device"] || set["d"] {
		cfg.Camera.Device = opts.Device
	}
	if set["driver"] {
		cfg.Camera.Driver = opts.Driver
	}
	if set["addr"] {
		cfg.Server.Addr = opts.Addr
	}
	if set["log-level"] {
		cfg.Log.Level = opts.LogLevel
	}
	if set["preview"] || set["p"] {
		cfg.Preview.Enabled = opts.Preview
	}
	if opts.NoServer {
		cfg.Server.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func listDevices() error {
	devices, err := camera.Discover()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("No capture devices found")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATH\tNAME")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Path, d.Name)
	}
	return tw.Flush()
}

func run(cfg *config.Config) error {
	log, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	log.Info("visioncap starting")

	loader, closeRuntime := newLoader(cfg, log)
	defer closeRuntime()
	pipelines := buildPipelines(cfg.Pipelines, loader, log)

	results := bus.New()
	defer results.Close()

	runners := make([]orchestrator.Runner, len(pipelines))
	for i, p := range pipelines {
		runners[i] = p
	}
	orch, err := orchestrator.New(orchestrator.Config{
		ObjectConfidence: cfg.Filter.ObjectConfidence,
	}, results, log, runners...)
	if err != nil {
		return err
	}
	orch.Start()
	defer orch.Close()

	source := camera.NewSource(newDriver(cfg.Camera.Driver, log), camera.Config{
		Width:            cfg.Camera.Width,
		Height:           cfg.Camera.Height,
		MinFrameDuration: cfg.Camera.MinFrameDuration,
		MaxFrameDuration: cfg.Camera.MaxFrameDuration,
		MaxReadFailures:  cfg.Camera.MaxReadFailures,
	}, log)
	source.OnFrame(orch.HandleFrame)
	source.Start(cfg.Camera.Device)
	defer source.Stop()

	if st := source.Status(); st.Err != nil {
		log.WithError(st.Err).Warn("running without a capture device")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverDone := make(chan struct{})
	if cfg.Server.Enabled {
		statuses := make([]server.PipelineStatus, len(pipelines))
		for i, p := range pipelines {
			statuses[i] = p
		}
		srv, err := server.New(cfg.Server.Addr, server.Deps{
			Results:      results,
			Source:       source,
			Orchestrator: orch,
			Pipelines:    statuses,
		}, log)
		if err != nil {
			return err
		}
		go func() {
			defer close(serverDone)
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("HTTP server stopped")
				stop()
			}
		}()
	} else {
		close(serverDone)
	}

	if cfg.Preview.Enabled {
		window := ui.NewWindow("visioncap", cfg.Preview.Scale, log)
		defer window.Close()
		log.Info("Running... Press 'q' in the preview to quit")
		if err := window.Run(ctx, results); err != nil {
			log.WithError(err).Warn("preview stopped")
		}
		stop()
	} else {
		<-ctx.Done()
	}

	log.Info("Shutting down...")
	<-serverDone
	return nil
}

// newLoader starts the inference runtime. If it cannot start, the loader
// still resolves models but every Open fails with ErrModelLoadFailed, so
// pipelines stay unstarted while capture and the server keep running.
func newLoader(cfg *config.Config, log logrus.FieldLogger) (*inference.Loader, func()) {
	rt, err := inference.NewRuntime(inference.RuntimeConfig{
		LibraryPath:    cfg.Runtime.LibraryPath,
		CoreML:         cfg.Runtime.CoreML,
		IntraOpThreads: cfg.Runtime.IntraOpThreads,
	}, log)
	if err != nil {
		log.WithError(err).Warn("inference unavailable, pipelines stay inert")
		// untyped nil; a nil *Runtime would not compare equal to nil
		return inference.NewLoader(nil, cfg.Models.Dir, cfg.Models.Ext), func() {}
	}

	closeRuntime := func() {
		if err := rt.Close(); err != nil {
			log.WithError(err).Warn("failed to close inference runtime")
		}
	}
	return inference.NewLoader(rt, cfg.Models.Dir, cfg.Models.Ext), closeRuntime
}

func newDriver(name string, log logrus.FieldLogger) camera.Driver {
	if name == "gstreamer" {
		return camera.NewGStreamerDriver(log)
	}
	return camera.NewGoCVDriver(log)
}

// buildPipelines creates a pipeline per enabled kind. Engines are opened
// later by Start so a missing model only disables its own pipeline.
func buildPipelines(cfg config.PipelinesConfig, loader *inference.Loader, log logrus.FieldLogger) []*pipeline.Pipeline {
	var out []*pipeline.Pipeline
	add := func(v pipeline.Variant, p config.PipelineConfig) {
		out = append(out, pipeline.New(v, image.Pt(p.Target, p.Target), log))
	}

	if p := cfg.Object; p.Enabled {
		add(pipeline.ObjectVariant{New: func() (pipeline.ObjectDetector, error) {
			return detector.NewYOLO(loader, yoloConfig(p, nil))
		}}, p)
	}
	if p := cfg.Human; p.Enabled {
		add(pipeline.HumanVariant{New: func() (pipeline.ObjectDetector, error) {
			return detector.NewYOLO(loader, yoloConfig(p, []string{pipeline.HumanLabel}))
		}}, p)
	}
	if p := cfg.Face; p.Enabled {
		add(pipeline.FaceVariant{New: func() (pipeline.FaceDetector, error) {
			return detector.NewSCRFD(loader, detector.SCRFDConfig{
				Model:         p.Model,
				InputSize:     p.InputSize,
				ConfThreshold: p.Confidence,
				NMSThreshold:  p.IOUThreshold,
			})
		}}, p)
	}
	if p := cfg.Landmark; p.Enabled {
		add(pipeline.LandmarkVariant{New: func() (pipeline.LandmarkDetector, error) {
			// faces always come from the face pipeline
			return detector.NewLandmark106(loader, detector.Landmark106Config{
				Model:  p.Model,
				Expand: p.Expand,
			}, nil)
		}}, p)
	}
	return out
}

func yoloConfig(p config.PipelineConfig, classes []string) detector.YOLOConfig {
	return detector.YOLOConfig{
		Model:         p.Model,
		InputSize:     p.InputSize,
		ConfThreshold: p.Confidence,
		IOUThreshold:  p.IOUThreshold,
		TopK:          p.TopK,
		Classes:       classes,
	}
}
