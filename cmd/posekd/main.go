// Command posekd trains a multi-stage keypoint heatmap network from a
// frozen teacher network using mixed labeled and unlabeled data.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v2"

	posekd "github.com/poselab/go-posekd"
	"github.com/poselab/go-posekd/dataset"
	"github.com/poselab/go-posekd/db"
	"github.com/poselab/go-posekd/distill"
	"github.com/poselab/go-posekd/monitor"
	"github.com/poselab/go-posekd/nn"
	"github.com/poselab/go-posekd/postprocess"
	"github.com/poselab/go-posekd/render"
	"github.com/poselab/go-posekd/train"
)

// config collects every run parameter.  A YAML file may provide any of
// them; flags given on the command line take precedence.
type config struct {
	Arch       string  `yaml:"arch"`
	Stacks     int     `yaml:"stacks"`
	Blocks     int     `yaml:"blocks"`
	NumClasses int     `yaml:"num_classes"`
	Epochs     int     `yaml:"epochs"`
	StartEpoch int     `yaml:"start_epoch"`
	TrainBatch int     `yaml:"train_batch"`
	TestBatch  int     `yaml:"test_batch"`
	LR         float64 `yaml:"lr"`
	Schedule   string  `yaml:"schedule"`
	Gamma      float64 `yaml:"gamma"`
	Sigma      float64 `yaml:"sigma"`
	SigmaDecay float64 `yaml:"sigma_decay"`
	LabelType  string  `yaml:"label_type"`
	InRes      int     `yaml:"in_res"`

	Annotations   string `yaml:"annotations"`
	ImageDir      string `yaml:"image_dir"`
	UnlabeledData string `yaml:"unlabeled_data"`

	TeacherCheckpoint string  `yaml:"teacher_checkpoint"`
	KDLossAlpha       float64 `yaml:"kdloss_alpha"`

	Checkpoint string `yaml:"checkpoint"`
	Resume     string `yaml:"resume"`
	Evaluate   bool   `yaml:"evaluate"`
	Flip       bool   `yaml:"flip"`
	FlipPairs  string `yaml:"flip_pairs"`
	Debug      bool   `yaml:"debug"`

	MonitorAddr string `yaml:"monitor_addr"`
	DB          string `yaml:"db"`
	LogFile     string `yaml:"log_file"`
	Cores       string `yaml:"cores"`
}

// defaults mirror the standard training recipe
func defaults() config {
	return config{
		Arch:        "linear",
		Stacks:      2,
		Blocks:      1,
		NumClasses:  16,
		Epochs:      90,
		TrainBatch:  6,
		TestBatch:   6,
		LR:          2.5e-4,
		Schedule:    "60,90",
		Gamma:       0.1,
		Sigma:       1,
		LabelType:   dataset.LabelGaussian,
		InRes:       256,
		KDLossAlpha: 0.5,
		Checkpoint:  "checkpoint",
	}
}

func main() {

	cfg, err := parseFlags(os.Args[1:])

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := newLogger(cfg.LogFile)

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

// parseFlags builds the run configuration from defaults, an optional
// YAML file and explicit command line flags, in that order
func parseFlags(args []string) (config, error) {

	cfg := defaults()

	fs := flag.NewFlagSet("posekd", flag.ContinueOnError)

	configFile := fs.String("config", "", "Optional YAML config file, flags override it")

	fs.StringVar(&cfg.Arch, "arch", cfg.Arch, "Student architecture")
	fs.IntVar(&cfg.Stacks, "stacks", cfg.Stacks, "Number of supervision stages")
	fs.IntVar(&cfg.Blocks, "blocks", cfg.Blocks, "Per stage depth, backend specific")
	fs.IntVar(&cfg.NumClasses, "num-classes", cfg.NumClasses, "Number of keypoint channels")
	fs.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Total epochs to run")
	fs.IntVar(&cfg.StartEpoch, "start-epoch", cfg.StartEpoch, "First epoch index, overridden by -resume")
	fs.IntVar(&cfg.TrainBatch, "train-batch", cfg.TrainBatch, "Training batch size")
	fs.IntVar(&cfg.TestBatch, "test-batch", cfg.TestBatch, "Validation batch size")
	fs.Float64Var(&cfg.LR, "lr", cfg.LR, "Base learning rate")
	fs.StringVar(&cfg.Schedule, "schedule", cfg.Schedule, "Comma separated epoch milestones for LR decay")
	fs.Float64Var(&cfg.Gamma, "gamma", cfg.Gamma, "LR decay factor at each milestone")
	fs.Float64Var(&cfg.Sigma, "sigma", cfg.Sigma, "Label smoothing sigma")
	fs.Float64Var(&cfg.SigmaDecay, "sigma-decay", cfg.SigmaDecay, "Per epoch sigma decay rate, 0 disables")
	fs.StringVar(&cfg.LabelType, "label-type", cfg.LabelType, "Label distribution, Gaussian or Cauchy")
	fs.IntVar(&cfg.InRes, "in-res", cfg.InRes, "Square input resolution")
	fs.StringVar(&cfg.Annotations, "annotations", cfg.Annotations, "Keypoint annotation JSON file")
	fs.StringVar(&cfg.ImageDir, "image-dir", cfg.ImageDir, "Directory annotated image paths are relative to")
	fs.StringVar(&cfg.UnlabeledData, "unlabeled-data", cfg.UnlabeledData, "Directory of unlabeled training images")
	fs.StringVar(&cfg.TeacherCheckpoint, "teacher-checkpoint", cfg.TeacherCheckpoint, "Frozen teacher checkpoint, required for training")
	fs.Float64Var(&cfg.KDLossAlpha, "kdloss-alpha", cfg.KDLossAlpha, "Distillation weight alpha in [0,1]")
	fs.StringVar(&cfg.Checkpoint, "checkpoint", cfg.Checkpoint, "Checkpoint output directory")
	fs.StringVar(&cfg.Resume, "resume", cfg.Resume, "Checkpoint to resume from")
	fs.BoolVar(&cfg.Evaluate, "evaluate", cfg.Evaluate, "Run a single validation pass and exit")
	fs.BoolVar(&cfg.Flip, "flip", cfg.Flip, "Flip augmented inference during validation")
	fs.StringVar(&cfg.FlipPairs, "flip-pairs", cfg.FlipPairs, "Mirror joint pair file, default is the standard 16 joint table")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Write validation crops with predicted skeletons")
	fs.StringVar(&cfg.MonitorAddr, "monitor-addr", cfg.MonitorAddr, "Listen address for the WebSocket monitor, empty disables")
	fs.StringVar(&cfg.DB, "db", cfg.DB, "SQLite metrics database path, empty disables")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Rotated log file path, empty logs to stderr only")
	fs.StringVar(&cfg.Cores, "cores", cfg.Cores, "Comma separated CPU cores to pin the process to")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if *configFile != "" {
		if err := loadConfigFile(*configFile, &cfg); err != nil {
			return config{}, err
		}

		// explicit flags win over the file, re-parsing reapplies only
		// the flags actually given on the command line
		if err := fs.Parse(args); err != nil {
			return config{}, err
		}
	}

	return cfg, nil
}

// loadConfigFile merges a YAML file into cfg
func loadConfigFile(path string, cfg *config) error {

	data, err := os.ReadFile(path)

	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}

	return nil
}

// newLogger builds a console logger, optionally teed into a rotated
// file
func newLogger(file string) (*zap.Logger, error) {

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleEnc := zapcore.NewConsoleEncoder(encCfg)
	core := zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), zap.InfoLevel)

	if file != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
		})

		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, zap.InfoLevel)
		core = zapcore.NewTee(core, fileCore)
	}

	return zap.New(core), nil
}

// run wires the data pipeline, networks and orchestrator together and
// executes the configured epochs
func run(cfg config, log *zap.Logger) error {

	if cfg.TeacherCheckpoint == "" && !cfg.Evaluate {
		return errors.New("a teacher checkpoint is required for training")
	}

	if cfg.KDLossAlpha < 0 || cfg.KDLossAlpha > 1 {
		return fmt.Errorf("kdloss-alpha %v outside [0,1]", cfg.KDLossAlpha)
	}

	milestones, err := parseIntList(cfg.Schedule)

	if err != nil {
		return err
	}

	if cfg.Cores != "" {
		cores, err := parseIntList(cfg.Cores)

		if err != nil {
			return err
		}

		if err := posekd.SetCPUAffinity(posekd.CPUCoreMask(cores)); err != nil {
			return err
		}
	}

	flipPairs := posekd.MPIIFlipPairs()

	if cfg.FlipPairs != "" {
		flipPairs, err = posekd.LoadFlipPairs(cfg.FlipPairs)

		if err != nil {
			return err
		}
	}

	outRes := cfg.InRes / 4

	trainLoader, err := newLoader(cfg, outRes, true)

	if err != nil {
		return fmt.Errorf("training data: %w", err)
	}

	defer trainLoader.Close()

	valLoader, err := newLoader(cfg, outRes, false)

	if err != nil {
		return fmt.Errorf("validation data: %w", err)
	}

	defer valLoader.Close()

	netCfg := nn.Config{
		Stages:    cfg.Stacks,
		Blocks:    cfg.Blocks,
		Joints:    cfg.NumClasses,
		InputRes:  cfg.InRes,
		OutputRes: outRes,
		LR:        cfg.LR,
	}

	student, err := nn.New(cfg.Arch, netCfg)

	if err != nil {
		return err
	}

	var teacher posekd.Scorer

	if cfg.TeacherCheckpoint != "" {
		teacher, err = nn.LoadScorer(cfg.TeacherCheckpoint, netCfg)

		if err != nil {
			return fmt.Errorf("load teacher checkpoint: %w", err)
		}
	}

	store, err := train.NewStore(cfg.Checkpoint)

	if err != nil {
		return err
	}

	lossParams := distill.DefaultParams()
	lossParams.Alpha = cfg.KDLossAlpha

	trainer, err := train.New(train.Config{
		Epochs:       cfg.Epochs,
		StartEpoch:   cfg.StartEpoch,
		LR:           cfg.LR,
		Schedule:     train.Schedule{Milestones: milestones, Gamma: cfg.Gamma},
		SigmaDecay:   cfg.SigmaDecay,
		Loss:         lossParams,
		Accuracy:     postprocess.MPIIAccuracyParams(),
		Flip:         cfg.Flip,
		FlipPairs:    flipPairs,
		NumJoints:    cfg.NumClasses,
		EvaluateOnly: cfg.Evaluate,
		Progress:     os.Stdout,
	}, student, teacher, store, log)

	if err != nil {
		return err
	}

	if cfg.DB != "" {
		metrics, err := db.OpenMetrics(cfg.DB, cfg.Arch)

		if err != nil {
			return err
		}

		defer metrics.Close()

		trainer.SetMetricsSink(metrics)
	}

	if cfg.MonitorAddr != "" {
		hub := monitor.NewHub(log)
		defer hub.Close()

		mux := http.NewServeMux()
		mux.Handle("/ws", hub)

		go func() {
			if err := http.ListenAndServe(cfg.MonitorAddr, mux); err != nil {
				log.Warn("monitor server stopped", zap.Error(err))
			}
		}()

		trainer.SetPublisher(hub)
		log.Info("monitor listening", zap.String("addr", cfg.MonitorAddr))
	}

	if cfg.Debug {
		writer, err := render.NewDebugWriter(filepath.Join(cfg.Checkpoint, "debug"), log)

		if err != nil {
			return err
		}

		trainer.SetDebugHook(writer.Hook())
	}

	if cfg.Resume != "" {
		if err := trainer.Resume(cfg.Resume); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return trainer.Run(ctx, trainLoader, valLoader)
}

// newLoader builds the data pipeline for one split
func newLoader(cfg config, outRes int, trainSplit bool) (*dataset.MPII, error) {

	p := dataset.DefaultParams()
	p.AnnotationFile = cfg.Annotations
	p.ImageDir = cfg.ImageDir
	p.InputRes = cfg.InRes
	p.OutputRes = outRes
	p.Sigma = cfg.Sigma
	p.LabelType = cfg.LabelType
	p.Train = trainSplit
	p.Shuffle = trainSplit

	if trainSplit {
		p.BatchSize = cfg.TrainBatch
		p.UnlabeledDir = cfg.UnlabeledData
	} else {
		p.BatchSize = cfg.TestBatch
	}

	return dataset.NewMPII(p)
}

// parseIntList parses a comma separated integer list
func parseIntList(s string) ([]int, error) {

	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))

	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))

		if err != nil {
			return nil, fmt.Errorf("invalid integer list entry %q", part)
		}

		out = append(out, v)
	}

	return out, nil
}
