// Package train runs the optimisation loop: sample a batch, forward,
// cross-entropy, backward, optimizer step, with periodic evaluation on a
// training and a held-out split. Checkpoints and metrics go to pluggable
// collaborators.
package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/tinyformer/internal/logger"
	"github.com/samcharles93/tinyformer/internal/metrics"
	"github.com/samcharles93/tinyformer/internal/model"
	"github.com/samcharles93/tinyformer/internal/optim"
)

// ErrNonFiniteLoss aborts training when a batch loss is NaN or infinite.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// Split names used in EstimateLoss results and metric names.
const (
	SplitTrain = "train"
	SplitTest  = "test"
)

// DataSource yields (inputs, targets) batches of equal shape.
type DataSource interface {
	Next() (inputs, targets [][]int, err error)
}

// Checkpointer persists the model at a step and returns where it went. next
// is the step a resumed run executes first: step itself for a save taken
// before that step ran, step+1 for one taken after it.
type Checkpointer interface {
	Save(m *model.DecoderTransformer, name, version string, step, next int) (string, error)
}

// Evaluation is one periodic loss estimate.
type Evaluation struct {
	Step  int     `json:"step"`
	Train float64 `json:"train"`
	Test  float64 `json:"test"`
}

// Result summarises a call to Train.
type Result struct {
	Steps       int
	LastStep    int
	LastLoss    float64
	Evaluations []Evaluation
	Checkpoints []string
	Elapsed     time.Duration
}

type Trainer struct {
	model *model.DecoderTransformer
	opt   optim.Optimizer
	train DataSource
	test  DataSource
	cfg   Config

	ckpt     Checkpointer
	sink     metrics.Sink
	log      logger.Logger
	clock    func() time.Time
	schedule func(step int) float64
}

type Option func(*Trainer)

func WithCheckpointer(c Checkpointer) Option { return func(t *Trainer) { t.ckpt = c } }
func WithSink(s metrics.Sink) Option         { return func(t *Trainer) { t.sink = s } }
func WithLogger(l logger.Logger) Option      { return func(t *Trainer) { t.log = l } }
func WithClock(now func() time.Time) Option  { return func(t *Trainer) { t.clock = now } }

// WithSchedule sets the learning rate before every step from the step index.
func WithSchedule(lr func(step int) float64) Option {
	return func(t *Trainer) { t.schedule = lr }
}

// New validates cfg. Without options the trainer logs nowhere, emits no
// metrics and saves nothing.
func New(m *model.DecoderTransformer, opt optim.Optimizer, train, test DataSource, cfg Config, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil || opt == nil || train == nil || test == nil {
		return nil, errors.New("train: model, optimizer and both data sources are required")
	}
	t := &Trainer{
		model: m,
		opt:   opt,
		train: train,
		test:  test,
		cfg:   cfg,
		sink:  metrics.Discard{},
		log:   logger.Nop(),
		clock: time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Train runs steps fromIter through MaxIters-1. When a step index is a
// multiple of EvalInterval the losses are estimated, reported and the model
// is checkpointed before that step runs. When SaveModel is set a final
// checkpoint follows the last step. If ctx is cancelled the loop stops
// between steps, makes that final save for the last completed step and
// returns ctx's error with the partial result.
func (t *Trainer) Train(ctx context.Context, fromIter int) (*Result, error) {
	if fromIter < 0 {
		return nil, fmt.Errorf("train: negative start iteration %d", fromIter)
	}
	start := t.clock()
	res := &Result{LastStep: -1}
	defer func() { res.Elapsed = t.clock().Sub(start) }()

	t.log.Info("training started",
		"from", fromIter, "max_iters", t.cfg.MaxIters,
		"params", t.model.NumParams(), "lr", t.opt.LR())

	for i := fromIter; i < t.cfg.MaxIters; i++ {
		if err := ctx.Err(); err != nil {
			t.log.Warn("training interrupted", "step", i, "completed", res.Steps)
			return res, errors.Join(err, t.saveFinal(res))
		}
		if i%t.cfg.EvalInterval == 0 {
			if err := t.evaluate(ctx, i, res); err != nil {
				return res, err
			}
		}
		if t.schedule != nil {
			t.opt.SetLR(t.schedule(i))
		}
		loss, norm, err := t.step(ctx)
		if err != nil {
			return res, fmt.Errorf("train: step %d: %w", i, err)
		}
		res.Steps++
		res.LastStep, res.LastLoss = i, loss
		if t.cfg.LogInterval > 0 && i%t.cfg.LogInterval == 0 {
			t.log.Debug("step", "step", i, "loss", loss, "lr", t.opt.LR(), "grad_norm", norm)
			if err := t.emit("train/batch_loss", loss, i); err != nil {
				return res, err
			}
			if err := t.emit("train/lr", t.opt.LR(), i); err != nil {
				return res, err
			}
			if err := t.emit("train/grad_norm", norm, i); err != nil {
				return res, err
			}
		}
	}
	if err := t.saveFinal(res); err != nil {
		return res, err
	}
	t.log.Info("training finished", "steps", res.Steps, "last_loss", res.LastLoss,
		"elapsed", t.clock().Sub(start))
	return res, nil
}

func (t *Trainer) evaluate(ctx context.Context, i int, res *Result) error {
	losses, err := t.EstimateLoss(ctx)
	if err != nil {
		return fmt.Errorf("train: evaluate at step %d: %w", i, err)
	}
	ev := Evaluation{Step: i, Train: losses[SplitTrain], Test: losses[SplitTest]}
	res.Evaluations = append(res.Evaluations, ev)
	t.log.Info("evaluation", "step", i, "train_loss", ev.Train, "test_loss", ev.Test)
	if err := t.emit(SplitTrain+"/loss", ev.Train, i); err != nil {
		return err
	}
	if err := t.emit(SplitTest+"/loss", ev.Test, i); err != nil {
		return err
	}
	if err := t.save(i, i, res); err != nil {
		return err
	}
	if t.cfg.Histograms {
		for _, p := range t.model.Parameters() {
			if err := t.sink.Histogram(p.Name, p.Value, i); err != nil {
				return fmt.Errorf("train: histogram %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

// Step runs one training step on the next training batch and returns its
// loss. The learning rate is left as is.
func (t *Trainer) Step(ctx context.Context) (float64, error) {
	loss, _, err := t.step(ctx)
	return loss, err
}

func (t *Trainer) step(ctx context.Context) (loss, gradNorm float64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	x, y, err := t.train.Next()
	if err != nil {
		return 0, 0, fmt.Errorf("train batch: %w", err)
	}
	t.model.SetTraining(true)
	tr, err := t.model.ForwardTrace(x)
	if err != nil {
		return 0, 0, err
	}
	loss, dLogits, err := model.CrossEntropy(tr.Logits, y)
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, 0, ErrNonFiniteLoss
	}
	t.opt.ZeroGrad()
	if err := t.model.Backward(tr, dLogits); err != nil {
		return 0, 0, err
	}
	params := t.model.Parameters()
	if t.cfg.ClipNorm > 0 {
		gradNorm = optim.ClipGradNorm(params, t.cfg.ClipNorm)
	} else if t.cfg.LogInterval > 0 {
		gradNorm = optim.GradNorm(params)
	}
	if err := t.opt.Step(); err != nil {
		return 0, 0, fmt.Errorf("optimizer: %w", err)
	}
	return loss, gradNorm, nil
}

// EstimateLoss averages the loss of EvalIters batches from each split in
// evaluation mode and restores the previous mode.
func (t *Trainer) EstimateLoss(ctx context.Context) (map[string]float64, error) {
	prev := t.model.Training()
	t.model.SetTraining(false)
	defer t.model.SetTraining(prev)

	out := make(map[string]float64, 2)
	for _, split := range []struct {
		name string
		src  DataSource
	}{{SplitTrain, t.train}, {SplitTest, t.test}} {
		losses := make([]float64, t.cfg.EvalIters)
		for k := range losses {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			x, y, err := split.src.Next()
			if err != nil {
				return nil, fmt.Errorf("%s batch: %w", split.name, err)
			}
			logits, err := t.model.Forward(x)
			if err != nil {
				return nil, err
			}
			if losses[k], _, err = model.CrossEntropy(logits, y); err != nil {
				return nil, err
			}
		}
		out[split.name] = stat.Mean(losses, nil)
	}
	return out, nil
}

func (t *Trainer) emit(name string, v float64, step int) error {
	if err := t.sink.Scalar(name, v, step); err != nil {
		return fmt.Errorf("train: metric %s: %w", name, err)
	}
	return nil
}

func (t *Trainer) save(step, next int, res *Result) error {
	if t.ckpt == nil {
		return nil
	}
	path, err := t.ckpt.Save(t.model, t.cfg.Name, t.cfg.Version, step, next)
	if err != nil {
		return fmt.Errorf("train: save step %d: %w", step, err)
	}
	res.Checkpoints = append(res.Checkpoints, path)
	t.log.Info("checkpoint saved", "step", step, "next", next, "path", path)
	return nil
}

// saveFinal checkpoints the weights after the last executed step, if any.
func (t *Trainer) saveFinal(res *Result) error {
	if !t.cfg.SaveModel || res.LastStep < 0 {
		return nil
	}
	return t.save(res.LastStep, res.LastStep+1, res)
}
