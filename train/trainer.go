package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	posekd "github.com/poselab/go-posekd"
	"github.com/poselab/go-posekd/distill"
	"github.com/poselab/go-posekd/postprocess"
	"go.uber.org/zap"
)

// Phase is the orchestrator lifecycle state
type Phase int

const (
	// PhaseInit is the state before Run is called, optionally restoring
	// a resume checkpoint
	PhaseInit Phase = iota
	// PhaseRunning covers the repeated train/validate/checkpoint cycle
	PhaseRunning
	// PhaseClosed is the terminal state after the configured epoch
	// count, an evaluate-only pass, or cancellation
	PhaseClosed
)

// State is the resumable training state.  BestAcc is monotonically
// non-decreasing across the process lifetime including resumes.
type State struct {
	// Epoch is the number of completed epochs
	Epoch int
	// LR is the most recently scheduled learning rate
	LR float64
	// BestAcc is the best validation accuracy observed so far
	BestAcc float64
}

// EpochMetrics is the per-epoch summary handed to metric sinks and
// publishers
type EpochMetrics struct {
	Epoch     int     `json:"epoch"`
	LR        float64 `json:"lr"`
	TrainLoss float64 `json:"train_loss"`
	ValLoss   float64 `json:"val_loss"`
	TrainAcc  float64 `json:"train_acc"`
	ValAcc    float64 `json:"val_acc"`
	BestAcc   float64 `json:"best_acc"`
	IsBest    bool    `json:"is_best"`
}

// MetricsSink receives the epoch summary for durable logging
type MetricsSink interface {
	LogEpoch(m EpochMetrics) error
}

// Publisher receives training events for live monitoring
type Publisher interface {
	Publish(event string, payload any)
}

// DebugHook is invoked per validation batch with the aggregated score
// map and the decoded predictions, used for debug visualization
type DebugHook func(batch *Batch, score *posekd.Tensor, preds []postprocess.KeypointSet)

// Config defines the orchestrator parameters
type Config struct {
	// Epochs is the total number of epochs to run
	Epochs int
	// StartEpoch is the first epoch index, overridden by Resume
	StartEpoch int
	// LR is the base learning rate fed into the schedule
	LR float64
	// Schedule is the milestone decay schedule
	Schedule Schedule
	// SigmaDecay multiplies the label smoothing sigma each epoch when
	// greater than zero, applied to both train and validation loaders
	SigmaDecay float64
	// Loss configures the mixed-supervision distillation loss
	Loss distill.Params
	// Accuracy configures the keypoint accuracy metric
	Accuracy postprocess.AccuracyParams
	// Flip enables flip-augmented inference during validation
	Flip bool
	// FlipPairs is the mirror-symmetric channel pair table used when
	// Flip is set
	FlipPairs [][2]int
	// NumJoints is the number of keypoint channels
	NumJoints int
	// EvaluateOnly skips training and runs a single validation pass
	EvaluateOnly bool
	// Progress receives the per-batch progress bar, nil disables it
	Progress io.Writer
}

// Trainer sequences training and validation epochs and owns the
// best-checkpoint decision
type Trainer struct {
	cfg     Config
	student Trainable
	teacher posekd.Scorer
	loss    *distill.Loss
	flip    *posekd.FlipAggregator
	store   *Store
	log     *zap.Logger
	metrics MetricsSink
	pub     Publisher
	debug   DebugHook
	state   State
	phase   Phase
}

// New validates the configuration and returns an orchestrator in the
// Init phase
func New(cfg Config, student Trainable, teacher posekd.Scorer, store *Store,
	log *zap.Logger) (*Trainer, error) {

	if student == nil {
		return nil, errors.New("trainer: student network is required")
	}

	if teacher == nil && !cfg.EvaluateOnly {
		return nil, errors.New("trainer: teacher scorer is required for training")
	}

	if store == nil {
		return nil, errors.New("trainer: checkpoint store is required")
	}

	if cfg.NumJoints <= 0 {
		return nil, fmt.Errorf("trainer: invalid joint count %d", cfg.NumJoints)
	}

	if cfg.Flip && len(cfg.FlipPairs) == 0 {
		return nil, errors.New("trainer: flip enabled without a flip pair table")
	}

	if log == nil {
		log = zap.NewNop()
	}

	cfg.Schedule.Normalize()

	var flip *posekd.FlipAggregator

	if cfg.Flip {
		flip = posekd.NewFlipAggregator(cfg.FlipPairs)
	}

	return &Trainer{
		cfg:     cfg,
		student: student,
		teacher: teacher,
		loss:    distill.New(cfg.Loss),
		flip:    flip,
		store:   store,
		log:     log,
		state: State{
			Epoch: cfg.StartEpoch,
			LR:    cfg.LR,
		},
	}, nil
}

// SetMetricsSink attaches a durable per-epoch metrics sink
func (t *Trainer) SetMetricsSink(s MetricsSink) {
	t.metrics = s
}

// SetPublisher attaches a live event publisher
func (t *Trainer) SetPublisher(p Publisher) {
	t.pub = p
}

// SetDebugHook attaches a per-validation-batch visualization hook
func (t *Trainer) SetDebugHook(h DebugHook) {
	t.debug = h
}

// State returns a copy of the current training state
func (t *Trainer) State() State {
	return t.state
}

// Phase returns the orchestrator lifecycle phase
func (t *Trainer) Phase() Phase {
	return t.phase
}

// Resume restores the training state from a checkpoint record.  Must
// be called before Run.
func (t *Trainer) Resume(path string) error {

	if t.phase != PhaseInit {
		return errors.New("trainer: resume after run started")
	}

	rec, err := t.store.Load(path)

	if err != nil {
		return err
	}

	if err := t.student.Restore(rec.ModelState); err != nil {
		return fmt.Errorf("restore model state: %w", err)
	}

	t.state.Epoch = rec.Epoch
	t.state.BestAcc = rec.BestAcc

	t.log.Info("resumed from checkpoint",
		zap.String("path", path),
		zap.Int("epoch", rec.Epoch),
		zap.Float64("best_acc", rec.BestAcc))

	return nil
}

// Run executes the configured epochs, or a single validation pass in
// evaluate-only mode.  Cancellation via ctx takes effect between
// batches; the last fully written checkpoint remains a valid resume
// point.
func (t *Trainer) Run(ctx context.Context, trainLoader, valLoader Loader) error {

	if t.phase != PhaseInit {
		return errors.New("trainer: run called twice")
	}

	t.phase = PhaseRunning
	defer func() { t.phase = PhaseClosed }()

	if t.cfg.EvaluateOnly {
		valLoss, valAcc, preds, err := t.validate(ctx, valLoader)

		if err != nil {
			return err
		}

		t.log.Info("evaluation complete",
			zap.Float64("val_loss", valLoss),
			zap.Float64("val_acc", valAcc))

		return t.store.SavePredictions(preds)
	}

	for epoch := t.state.Epoch; epoch < t.cfg.Epochs; epoch++ {

		if err := ctx.Err(); err != nil {
			return err
		}

		lr := t.cfg.Schedule.LearningRate(t.cfg.LR, epoch)
		t.student.SetLearningRate(lr)
		t.state.LR = lr

		if t.cfg.SigmaDecay > 0 {
			trainLoader.DecaySigma(t.cfg.SigmaDecay)
			valLoader.DecaySigma(t.cfg.SigmaDecay)
		}

		t.log.Info("epoch start",
			zap.Int("epoch", epoch+1),
			zap.Float64("lr", lr))

		stats, err := t.trainEpoch(ctx, trainLoader)

		if err != nil {
			return fmt.Errorf("train epoch %d: %w", epoch+1, err)
		}

		valLoss, valAcc, preds, err := t.validate(ctx, valLoader)

		if err != nil {
			return fmt.Errorf("validate epoch %d: %w", epoch+1, err)
		}

		isBest := valAcc > t.state.BestAcc

		if isBest {
			t.state.BestAcc = valAcc
		}

		m := EpochMetrics{
			Epoch:     epoch + 1,
			LR:        lr,
			TrainLoss: stats.loss,
			ValLoss:   valLoss,
			TrainAcc:  stats.acc,
			ValAcc:    valAcc,
			BestAcc:   t.state.BestAcc,
			IsBest:    isBest,
		}

		if t.metrics != nil {
			if err := t.metrics.LogEpoch(m); err != nil {
				t.log.Warn("metrics sink failed", zap.Error(err))
			}
		}

		if t.pub != nil {
			t.pub.Publish("epoch", m)
		}

		if err := t.checkpoint(epoch+1, preds, isBest); err != nil {
			return err
		}

		t.state.Epoch = epoch + 1

		t.log.Info("epoch complete",
			zap.Int("epoch", epoch+1),
			zap.Float64("train_loss", stats.loss),
			zap.Float64("val_loss", valLoss),
			zap.Float64("train_acc", stats.acc),
			zap.Float64("val_acc", valAcc),
			zap.Bool("is_best", isBest))
	}

	return nil
}

// checkpoint emits the state record for a completed epoch
func (t *Trainer) checkpoint(epoch int, preds *PredictionTable, isBest bool) error {

	blob, err := t.student.State()

	if err != nil {
		return fmt.Errorf("serialize model state: %w", err)
	}

	rec := &Record{
		Epoch:       epoch,
		Arch:        t.student.Arch(),
		ModelState:  blob,
		BestAcc:     t.state.BestAcc,
		Predictions: preds.Pack(),
		CreatedAt:   time.Now(),
	}

	return t.store.Save(rec, isBest)
}

// epochStats holds the running averages from one training epoch
type epochStats struct {
	loss    float64
	gt      float64
	kd      float64
	kdUnlbl float64
	acc     float64
}

// trainEpoch runs one full pass of the mixed-supervision loss over the
// training stream
func (t *Trainer) trainEpoch(ctx context.Context, loader Loader) (epochStats, error) {

	losses := NewMeter()
	gtLosses := NewMeter()
	kdLosses := NewMeter()
	unkdLosses := NewMeter()
	acces := NewMeter()

	loader.Reset()

	var bar *ProgressBar

	if t.cfg.Progress != nil {
		bar = NewProgressBar(t.cfg.Progress, "Train", loader.NumBatches())
	}

	for i := 0; ; i++ {

		if err := ctx.Err(); err != nil {
			return epochStats{}, err
		}

		b, err := loader.Next()

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return epochStats{}, fmt.Errorf("next train batch: %w", err)
		}

		out, err := t.student.Forward(b.Input)

		if err != nil {
			return epochStats{}, fmt.Errorf("student forward: %w", err)
		}

		tout, err := t.teacher.Infer(b.Input)

		if err != nil {
			return epochStats{}, fmt.Errorf("teacher forward: %w", err)
		}

		grads, terms, err := t.loss.Gradients(out, tout, b.Target, b.Mask)

		if err != nil {
			return epochStats{}, err
		}

		if err := t.student.Step(terms.Total, grads); err != nil {
			return epochStats{}, fmt.Errorf("optimizer step: %w", err)
		}

		accRes, err := postprocess.Accuracy(out[len(out)-1], b.Target, t.cfg.Accuracy)

		if err != nil {
			return epochStats{}, err
		}

		n := b.Input.B
		losses.Update(terms.Total, n)
		gtLosses.Update(terms.GroundTruth, n)
		kdLosses.Update(terms.Distill, n)
		unkdLosses.Update(terms.DistillUnlabeled, n)
		acces.Update(accRes.Mean, n)

		if bar != nil {
			bar.Update(i+1, []MetricKV{
				{"loss", losses.Avg},
				{"kd", kdLosses.Avg},
				{"unkd", unkdLosses.Avg},
				{"gt", gtLosses.Avg},
				{"acc", acces.Avg},
			})
		}
	}

	if bar != nil {
		bar.Finish()
	}

	return epochStats{
		loss:    losses.Avg,
		gt:      gtLosses.Avg,
		kd:      kdLosses.Avg,
		kdUnlbl: unkdLosses.Avg,
		acc:     acces.Avg,
	}, nil
}

// validate runs one full validation pass, optionally with flip
// augmentation, filling the prediction table indexed by dataset sample
// id
func (t *Trainer) validate(ctx context.Context, loader Loader) (float64, float64, *PredictionTable, error) {

	losses := NewMeter()
	acces := NewMeter()
	preds := NewPredictionTable(loader.Len(), t.cfg.NumJoints)

	loader.Reset()

	var bar *ProgressBar

	if t.cfg.Progress != nil {
		bar = NewProgressBar(t.cfg.Progress, "Eval ", loader.NumBatches())
	}

	for i := 0; ; i++ {

		if err := ctx.Err(); err != nil {
			return 0, 0, nil, err
		}

		b, err := loader.Next()

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return 0, 0, nil, fmt.Errorf("next validation batch: %w", err)
		}

		out, err := t.student.Forward(b.Input)

		if err != nil {
			return 0, 0, nil, fmt.Errorf("student forward: %w", err)
		}

		score := out[len(out)-1].Clone()

		if t.flip != nil {
			back, err := t.flip.Mirror(t.student, b.Input)

			if err != nil {
				return 0, 0, nil, err
			}

			if err := score.Add(back); err != nil {
				return 0, 0, nil, err
			}
		}

		loss, err := distill.ValidationLoss(out, b.Target)

		if err != nil {
			return 0, 0, nil, err
		}

		accRes, err := postprocess.Accuracy(score, b.Target, t.cfg.Accuracy)

		if err != nil {
			return 0, 0, nil, err
		}

		kps, err := postprocess.FinalPreds(score, b.Centers, b.Scales)

		if err != nil {
			return 0, 0, nil, err
		}

		for j, idx := range b.Indices {
			if err := preds.Set(idx, kps[j]); err != nil {
				return 0, 0, nil, err
			}
		}

		if t.debug != nil {
			t.debug(b, score, kps)
		}

		n := b.Input.B
		losses.Update(loss, n)
		acces.Update(accRes.Mean, n)

		if bar != nil {
			bar.Update(i+1, []MetricKV{
				{"loss", losses.Avg},
				{"acc", acces.Avg},
			})
		}
	}

	if bar != nil {
		bar.Finish()
	}

	return losses.Avg, acces.Avg, preds, nil
}
