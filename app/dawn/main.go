package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/google/subcommands"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/checkpoints"
	"github.com/tsawler/go-dawn/engine"
	"github.com/tsawler/go-dawn/layers"
	"github.com/tsawler/go-dawn/training"
	"github.com/tsawler/go-dawn/vision/dataset"
	"github.com/tsawler/go-dawn/vision/preprocessing"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&TrainCommand{}, "")
	subcommands.Register(&SummaryCommand{}, "")
	subcommands.Register(&ExportCommand{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

// netConfig scales the standard widths from the prep width.
func netConfig(width, classes, imageSize, ghostSplits int) layers.NetConfig {
	net := layers.DefaultNetConfig()
	if width > 0 {
		net.Prep, net.Layer1, net.Layer2, net.Layer3 = width, 2*width, 4*width, 8*width
	}
	net.Classes = classes
	net.ImageSize = imageSize
	net.GhostSplits = ghostSplits
	return net
}

type TrainCommand struct {
	dataDir        string
	logDir         string
	configFile     string
	epochs         int
	synthetic      bool
	checkpointFile string
	onnxFile       string
	width          int
	verbose        bool
}

var _ subcommands.Command = (*TrainCommand)(nil)

func (*TrainCommand) Name() string {
	return "train"
}

func (*TrainCommand) Synopsis() string {
	return "Train the residual network and write the epoch log"
}

func (*TrainCommand) Usage() string {
	return `train [-data_dir dir] [-log_dir dir] [-config file.json] [-epochs n] [-synthetic]
      [-checkpoint out.json] [-onnx out.onnx] [-width n]
`
}

func (c *TrainCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.dataDir, "data_dir", "./data", "Directory holding the dataset archive and npz cache")
	f.StringVar(&c.logDir, "log_dir", "./logs", "Directory for logs.tsv")
	f.StringVar(&c.configFile, "config", "", "JSON file overriding the default training config")
	f.IntVar(&c.epochs, "epochs", 0, "Number of epochs (0 keeps the config value)")
	f.BoolVar(&c.synthetic, "synthetic", false, "Train on a generated dataset instead of downloading one")
	f.StringVar(&c.checkpointFile, "checkpoint", "", "Write a JSON checkpoint of the final shadow model")
	f.StringVar(&c.onnxFile, "onnx", "", "Export the final shadow model as ONNX")
	f.IntVar(&c.width, "width", 0, "Prep channel width; later stages use 2x, 4x and 8x (0 keeps 64)")
	f.BoolVar(&c.verbose, "verbose", false, "Show per-batch progress")
}

func (c *TrainCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.executeErr(ctx); err != nil {
		log.Printf("Error: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *TrainCommand) loadConfig() (training.Config, error) {
	cfg := training.DefaultConfig()
	if c.configFile != "" {
		var err error
		if cfg, err = training.LoadConfig(c.configFile); err != nil {
			return cfg, err
		}
	}
	if c.epochs > 0 {
		cfg.Epochs = c.epochs
		if cfg.EMAEpochs > cfg.Epochs {
			cfg.EMAEpochs = 0
		}
	}
	if c.verbose {
		cfg.Verbose = true
	}
	return cfg, errors.Wrap(cfg.Validate(), "config")
}

func (c *TrainCommand) loadData(ctx context.Context) (*dataset.CIFAR10, error) {
	if c.synthetic {
		return dataset.Synthetic(dataset.DefaultSyntheticConfig())
	}
	return dataset.NewLoader(c.dataDir).Load(ctx)
}

func (c *TrainCommand) executeErr(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	runID := uuid.New()
	log.Printf("Run %s on %s", runID, engine.DescribeDevice())

	data, err := c.loadData(ctx)
	if err != nil {
		return errors.Wrap(err, "while loading the dataset")
	}
	log.Print(data.Summary())

	spec, err := layers.DawnNet(netConfig(c.width, data.Classes, data.Train.Height, cfg.GhostSplits), cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "while building the model")
	}
	log.Printf("Model has %d trainable parameters", spec.TotalParameters)

	opts := preprocessing.DefaultOptions()
	opts.Padding = cfg.Padding
	opts.Half = cfg.HalfPrecision
	source, err := preprocessing.NewSource(data, opts)
	if err != nil {
		return err
	}

	driver, err := training.NewDriver(cfg, &engine.Builder{Spec: spec, Seed: cfg.Seed, Half: cfg.HalfPrecision})
	if err != nil {
		return err
	}
	if err := driver.Run(source); err != nil {
		return errors.Wrap(err, "while training")
	}

	path, err := driver.Log().SaveTSV(c.logDir)
	if err != nil {
		return err
	}
	log.Printf("Wrote %s", path)
	if last, ok := driver.Log().Last(); ok {
		log.Printf("Final validation accuracy %.4f after %.1fs", last.Valid.Acc, last.TotalTime)
	}

	if c.checkpointFile == "" && c.onnxFile == "" {
		return nil
	}
	ckpt, err := checkpoints.FromDriver(spec, driver, cfg, runID)
	if err != nil {
		return err
	}
	if c.checkpointFile != "" {
		if err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).SaveCheckpoint(ckpt, c.checkpointFile); err != nil {
			return err
		}
		log.Printf("Wrote checkpoint %s", c.checkpointFile)
	}
	if c.onnxFile != "" {
		if err := checkpoints.ExportONNX(ckpt, c.onnxFile); err != nil {
			return err
		}
		log.Printf("Wrote ONNX model %s", c.onnxFile)
	}
	return nil
}

type SummaryCommand struct {
	width   int
	classes int
	batch   int
}

var _ subcommands.Command = (*SummaryCommand)(nil)

func (*SummaryCommand) Name() string {
	return "summary"
}

func (*SummaryCommand) Synopsis() string {
	return "Print the layer table of the residual network"
}

func (*SummaryCommand) Usage() string {
	return `summary [-width n] [-classes n] [-batch n]
`
}

func (c *SummaryCommand) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.width, "width", 0, "Prep channel width (0 keeps 64)")
	f.IntVar(&c.classes, "classes", dataset.NumClasses, "Number of output classes")
	f.IntVar(&c.batch, "batch", training.DefaultConfig().BatchSize, "Batch size shown in the shapes")
}

func (c *SummaryCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ghost := training.DefaultConfig().GhostSplits
	spec, err := layers.DawnNet(netConfig(c.width, c.classes, dataset.ImageSize, ghost), c.batch)
	if err != nil {
		log.Printf("Error: %v", err)
		return subcommands.ExitFailure
	}
	os.Stdout.WriteString(spec.Summary())
	return subcommands.ExitSuccess
}

type ExportCommand struct {
	checkpointFile string
	onnxFile       string
}

var _ subcommands.Command = (*ExportCommand)(nil)

func (*ExportCommand) Name() string {
	return "export"
}

func (*ExportCommand) Synopsis() string {
	return "Convert a JSON checkpoint to ONNX"
}

func (*ExportCommand) Usage() string {
	return `export -checkpoint in.json -onnx out.onnx
`
}

func (c *ExportCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.checkpointFile, "checkpoint", "", "JSON checkpoint written by train")
	f.StringVar(&c.onnxFile, "onnx", "model.onnx", "Output path")
}

func (c *ExportCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.checkpointFile == "" {
		log.Printf("Error: -checkpoint is required")
		return subcommands.ExitUsageError
	}
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(c.checkpointFile)
	if err != nil {
		log.Printf("Error: %v", err)
		return subcommands.ExitFailure
	}
	if err := checkpoints.ExportONNX(ckpt, c.onnxFile); err != nil {
		log.Printf("Error: %v", err)
		return subcommands.ExitFailure
	}
	log.Printf("Wrote %s (run %s)", c.onnxFile, ckpt.Metadata.RunID)
	return subcommands.ExitSuccess
}
