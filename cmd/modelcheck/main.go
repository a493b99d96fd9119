package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/tsawler/go-metal/checkpoints"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/dudu/visioncap/internal/config"
	"github.com/dudu/visioncap/internal/inference"
	"github.com/dudu/visioncap/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	metal := flag.Bool("metal", false, "Also try importing the graph with go-metal")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: modelcheck [options] [model ...]\n\n")
		fmt.Fprintf(os.Stderr, "Checks that ONNX Runtime can load each model and prints its inputs and\n")
		fmt.Fprintf(os.Stderr, "outputs. Models are names under models.dir or paths. Without arguments\n")
		fmt.Fprintf(os.Stderr, "every enabled pipeline model from the configuration is checked.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	names := flag.Args()
	if len(names) == 0 {
		names = configuredModels(cfg.Pipelines)
	}
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no models to check")
		os.Exit(1)
	}

	rt, err := inference.NewRuntime(inference.RuntimeConfig{LibraryPath: cfg.Runtime.LibraryPath}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	loader := inference.NewLoader(rt, cfg.Models.Dir, cfg.Models.Ext)
	failed := 0
	for _, name := range names {
		if err := check(loader, name, *metal, log); err != nil {
			fmt.Printf("❌ %s: %v\n\n", name, err)
			failed++
		}
	}
	if failed > 0 {
		rt.Close()
		os.Exit(1)
	}
}

// configuredModels lists the distinct models of enabled pipelines.
func configuredModels(p config.PipelinesConfig) []string {
	seen := make(map[string]bool)
	var names []string
	for _, pc := range []config.PipelineConfig{p.Object, p.Human, p.Face, p.Landmark} {
		if pc.Enabled && pc.Model != "" && !seen[pc.Model] {
			seen[pc.Model] = true
			names = append(names, pc.Model)
		}
	}
	return names
}

func resolve(loader *inference.Loader, name string) (string, error) {
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		return name, nil
	}
	return loader.Resolve(name)
}

func check(loader *inference.Loader, name string, metal bool, log logrus.FieldLogger) error {
	path, err := resolve(loader, name)
	if err != nil {
		return err
	}
	fmt.Printf("Testing ONNX model: %s\n", path)

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return fmt.Errorf("%w: %v", inference.ErrModelLoadFailed, err)
	}
	fmt.Println("✅ Model loaded successfully.")
	printInfo("Inputs", inputs)
	printInfo("Outputs", outputs)

	metadata, err := ort.GetModelMetadata(path)
	if err != nil {
		log.WithError(err).Debug("could not read metadata")
	} else {
		fmt.Println("Metadata:")
		if producer, err := metadata.GetProducerName(); err == nil {
			fmt.Printf("  Producer: %s\n", producer)
		}
		if version, err := metadata.GetVersion(); err == nil {
			fmt.Printf("  Version: %d\n", version)
		}
		if domain, err := metadata.GetDomain(); err == nil && domain != "" {
			fmt.Printf("  Domain: %s\n", domain)
		}
		metadata.Destroy()
	}

	if metal {
		checkMetal(path)
	}
	fmt.Println()
	return nil
}

func printInfo(title string, infos []ort.InputOutputInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	fmt.Printf("%s (%d):\n", title, len(infos))
	for _, info := range infos {
		fmt.Printf("  %s: shape=%v, type=%v\n", info.Name, info.Dimensions, info.DataType)
	}
}

// checkMetal reports whether go-metal can import the graph. Failure is
// informational: inference always runs through ONNX Runtime.
func checkMetal(path string) {
	importer := checkpoints.NewONNXImporter()
	checkpoint, err := importer.ImportFromONNX(path)
	if err != nil {
		fmt.Printf("  go-metal: cannot import (%v)\n", err)
		return
	}
	fmt.Printf("  go-metal: %d layers, %d weight tensors\n",
		len(checkpoint.ModelSpec.Layers), len(checkpoint.Weights))
	for i, layer := range checkpoint.ModelSpec.Layers {
		fmt.Printf("    %d: %s (%s)\n", i+1, layer.Name, layer.Type)
	}
}
