package training

import (
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/tensor"
	"github.com/tsawler/go-dawn/whitening"
)

// Phase is the driver's position in a run.
type Phase int

const (
	Idle Phase = iota
	WarmingUp
	Preprocessing
	Training
	Done
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case WarmingUp:
		return "WarmingUp"
	case Preprocessing:
		return "Preprocessing"
	case Training:
		return "Training"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// SourceInfo describes a dataset before it is preprocessed.
type SourceInfo struct {
	Channels, Height, Width int
	TrainLen, ValidLen      int
	Classes                 int
}

// DataSource provides the raw dataset. Preprocess is timed as part of the
// run; Describe must be cheap.
type DataSource interface {
	Describe() SourceInfo
	Preprocess() (*Dataset, error)
}

// Driver runs warm-up, preprocessing and the epoch loop.
type Driver struct {
	config  Config
	builder ModelBuilder
	out     io.Writer
	rng     *rand.Rand

	phase Phase
	info  SourceInfo
	timer *Timer
	log   Log
	table *TableLogger
	state StepState

	model        Model
	shadow       Model
	ema          *EMA
	optimizer    *GroupedSGD
	trainBatches *Batcher
	validBatches *Batcher
	tta          []TTATransform
	confusion    *ConfusionMatrix
}

// NewDriver validates cfg and prepares a driver. Epoch tables and progress
// bars go to stdout unless SetOutput is called.
func NewDriver(cfg Config, builder ModelBuilder) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if builder == nil {
		return nil, errors.New("model builder is required")
	}
	d := &Driver{
		config:  cfg,
		builder: builder,
		out:     os.Stdout,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	for _, name := range cfg.TTA {
		t, err := LookupTTA(name)
		if err != nil {
			return nil, err
		}
		d.tta = append(d.tta, t)
	}
	return d, nil
}

// SetOutput redirects the epoch table and progress bars.
func (d *Driver) SetOutput(w io.Writer) {
	d.out = w
}

// Run executes a complete training run.
func (d *Driver) Run(source DataSource) error {
	if d.phase != Idle {
		return errors.Errorf("driver already used (phase %s)", d.phase)
	}
	d.info = source.Describe()
	if err := d.config.ValidateFor(d.info); err != nil {
		return errors.Wrap(err, "invalid config for dataset")
	}

	if err := d.warmup(); err != nil {
		return errors.Wrap(err, "warm-up")
	}
	if err := d.preprocess(source); err != nil {
		return errors.Wrap(err, "preprocessing")
	}

	d.phase = Training
	d.table = NewTableLogger(d.out)
	for epoch := 1; epoch <= d.config.Epochs; epoch++ {
		if err := d.runEpoch(epoch); err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
	}
	d.phase = Done
	return nil
}

func (d *Driver) warmup() error {
	d.phase = WarmingUp
	cfg := d.config
	if cfg.WarmupImages == 0 {
		return nil
	}

	log.Printf("Warming up on %d random images", cfg.WarmupImages)
	shape := []int{cfg.WarmupImages, d.info.Channels, cfg.CropSize, cfg.CropSize}
	random, err := tensor.RandomNormal(shape, 0, 1, d.rng)
	if err != nil {
		return err
	}
	if cfg.HalfPrecision {
		random.Half()
	}
	filters, err := d.whiten(random)
	if err != nil {
		return err
	}
	model, err := d.builder.Build(filters)
	if err != nil {
		return errors.Wrap(err, "building warm-up model")
	}

	model.SetTraining(true)
	for _, size := range []int{cfg.BatchSize, d.info.ValidLen % cfg.BatchSize} {
		if size == 0 {
			continue
		}
		input, err := tensor.RandomUniform([]int{size, d.info.Channels, cfg.CropSize, cfg.CropSize}, 0, 1, d.rng)
		if err != nil {
			return err
		}
		if cfg.HalfPrecision {
			input.Half()
		}
		targets := make([]int, size)
		weights := make([]float32, size)
		for i := range targets {
			targets[i] = d.rng.IntN(d.info.Classes)
			weights[i] = 1
		}
		logits, err := model.Forward(input)
		if err != nil {
			return errors.Wrapf(err, "warm-up forward (batch %d)", size)
		}
		res, err := MixupCrossEntropy(logits, [][]int{targets}, [][]float32{weights})
		if err != nil {
			return err
		}
		model.Store().ZeroGrad()
		if err := model.Backward(res.Grad); err != nil {
			return errors.Wrapf(err, "warm-up backward (batch %d)", size)
		}
		model.Store().ZeroGrad()
	}
	return nil
}

func (d *Driver) preprocess(source DataSource) error {
	d.phase = Preprocessing
	cfg := d.config

	log.Printf("Starting timer")
	d.timer = NewTimer()
	log.Printf("Preprocessing data")
	ds, err := source.Preprocess()
	if err != nil {
		return err
	}
	if err := ds.Train.Validate(); err != nil {
		return errors.Wrap(err, "train split")
	}
	if err := ds.Valid.Validate(); err != nil {
		return errors.Wrap(err, "valid split")
	}
	log.Printf("Finished in %.2f seconds", d.timer.Lap(true).Seconds())

	n := min(cfg.WhitenSamples, ds.Train.Len())
	sample, err := tensor.Slice(ds.Train.Data, 0, n)
	if err != nil {
		return err
	}
	if cfg.Padding > 0 {
		if sample, err = tensor.CenterCrop(sample, cfg.Padding); err != nil {
			return err
		}
	}
	filters, err := d.whiten(sample)
	if err != nil {
		return err
	}

	if d.model, err = d.builder.Build(filters); err != nil {
		return errors.Wrap(err, "building model")
	}
	if d.ema, err = NewEMA(d.model.Store(), cfg.EMAMomentum, cfg.EMAUpdateFreq); err != nil {
		return err
	}
	if d.shadow, err = d.builder.Bind(d.ema.Shadow()); err != nil {
		return errors.Wrap(err, "binding shadow model")
	}
	log.Printf("Model has %d trainable parameters", d.model.Store().NumParameters())

	transforms := []Transform{Crop{Height: cfg.CropSize, Width: cfg.CropSize}, FlipLR{}}
	if cfg.CutoutSize > 0 {
		transforms = append(transforms, Cutout{Height: cfg.CutoutSize, Width: cfg.CutoutSize})
	}
	var sampler WeightSampler
	if cfg.MixupCount > 0 {
		if sampler, err = cfg.MixupSampler.Build(); err != nil {
			return err
		}
	}
	d.trainBatches, err = NewBatcher(ds.Train, BatcherConfig{
		BatchSize:  cfg.BatchSize,
		Shuffle:    true,
		DropLast:   true,
		Transforms: transforms,
		MixupCount: cfg.MixupCount,
		Sampler:    sampler,
	}, d.rng)
	if err != nil {
		return errors.Wrap(err, "train batches")
	}
	d.validBatches, err = NewBatcher(ds.Valid, BatcherConfig{
		BatchSize: min(cfg.BatchSize, ds.Valid.Len()),
	}, nil)
	if err != nil {
		return errors.Wrap(err, "valid batches")
	}

	groups, err := DawnGroups(d.model.Store(), cfg, d.trainBatches.Len())
	if err != nil {
		return err
	}
	if d.optimizer, err = NewGroupedSGD(d.model.Store(), groups...); err != nil {
		return err
	}
	d.confusion = NewConfusionMatrix(d.info.Classes)
	return nil
}

func (d *Driver) whiten(sample *tensor.Tensor) (*tensor.Tensor, error) {
	t, err := whitening.Compute(sample, whitening.DefaultPatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "computing whitening transform")
	}
	return t.Filters(d.config.WhitenEps)
}

func (d *Driver) emaActive(epoch int) bool {
	return d.config.EMAEpochs == 0 || epoch > d.config.Epochs-d.config.EMAEpochs
}

func (d *Driver) runEpoch(epoch int) error {
	smoothing := d.emaActive(epoch)

	train, err := d.trainEpoch(epoch, smoothing)
	if err != nil {
		return err
	}
	if !smoothing {
		if err := d.ema.Sync(d.model.Store()); err != nil {
			return err
		}
	}
	train.Time = d.timer.Lap(true).Seconds()

	valid, err := d.validEpoch(epoch)
	if err != nil {
		return err
	}
	valid.Time = d.timer.Lap(false).Seconds()

	lr, _ := d.optimizer.LR("weights", &d.state)
	record := EpochRecord{
		Epoch:     epoch,
		LR:        lr * float64(d.config.BatchSize),
		Train:     train,
		Valid:     valid,
		TotalTime: d.timer.Total().Seconds(),
	}
	d.log.Append(record)
	d.table.Append(record)
	return nil
}

func (d *Driver) trainEpoch(epoch int, smoothing bool) (PhaseStats, error) {
	d.model.SetTraining(true)
	var bar *ProgressBar
	if d.config.Verbose {
		bar = NewProgressBar(d.out, fmt.Sprintf("Epoch %d/%d (train)", epoch, d.config.Epochs), d.trainBatches.Len())
	}

	var lossSum float64
	correct, seen := 0, 0
	it := d.trainBatches.Iterate()
	next := it.Take
	if d.config.PrefetchDepth > 0 {
		pf := NewPrefetcher(it, d.config.PrefetchDepth)
		defer pf.Stop()
		next = pf.Next
	}
	for i := 1; ; i++ {
		batch, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return PhaseStats{}, errors.Wrapf(err, "step %d", d.state.Step)
		}
		logits, err := d.model.Forward(batch.Input)
		if err != nil {
			return PhaseStats{}, errors.Wrapf(err, "forward at step %d", d.state.Step)
		}
		res, err := MixupCrossEntropy(logits, batch.Targets, batch.Weights)
		if err != nil {
			return PhaseStats{}, errors.Wrapf(err, "loss at step %d", d.state.Step)
		}
		d.optimizer.ZeroGrad()
		if err := d.model.Backward(res.Grad); err != nil {
			return PhaseStats{}, errors.Wrapf(err, "backward at step %d", d.state.Step)
		}
		d.optimizer.Step(&d.state)
		if smoothing {
			if _, err := d.ema.MaybeUpdate(&d.state, d.model.Store()); err != nil {
				return PhaseStats{}, err
			}
		}
		d.state.Advance()

		lossSum += res.Sum
		correct += res.Correct
		seen += batch.Size()
		if bar != nil {
			bar.Update(i, map[string]float64{"loss": lossSum / float64(seen), "acc": float64(correct) / float64(seen)})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if seen == 0 {
		return PhaseStats{}, nil
	}
	return PhaseStats{Loss: lossSum / float64(seen), Acc: float64(correct) / float64(seen)}, nil
}

func (d *Driver) validEpoch(epoch int) (PhaseStats, error) {
	d.shadow.SetTraining(false)
	d.confusion.Reset()

	var lossSum float64
	correct, seen := 0, 0
	it := d.validBatches.Iterate()
	for it.HasNext() {
		batch, err := it.Next()
		if err != nil {
			return PhaseStats{}, err
		}
		probs, err := d.predict(batch.Input)
		if err != nil {
			return PhaseStats{}, err
		}
		sum, c, err := ProbabilityLoss(probs, batch.Targets[0])
		if err != nil {
			return PhaseStats{}, err
		}
		preds, err := probs.ArgmaxRows()
		if err != nil {
			return PhaseStats{}, err
		}
		if err := d.confusion.Update(preds, batch.Targets[0]); err != nil {
			return PhaseStats{}, err
		}
		lossSum += sum
		correct += c
		seen += batch.Size()
	}
	return PhaseStats{Loss: lossSum / float64(seen), Acc: float64(correct) / float64(seen)}, nil
}

// predict averages the shadow model's class probabilities over the
// evaluation transforms.
func (d *Driver) predict(input *tensor.Tensor) (*tensor.Tensor, error) {
	var avg *tensor.Tensor
	for _, tta := range d.tta {
		x, err := tta(input)
		if err != nil {
			return nil, err
		}
		logits, err := d.shadow.Forward(x)
		if err != nil {
			return nil, errors.Wrap(err, "evaluation forward")
		}
		probs, err := tensor.SoftmaxRows(logits)
		if err != nil {
			return nil, err
		}
		if avg == nil {
			avg = probs
			continue
		}
		if err := avg.AddScaled(1, probs); err != nil {
			return nil, err
		}
	}
	avg.Scale(1 / float32(len(d.tta)))
	return avg, nil
}

// Phase returns the current phase.
func (d *Driver) Phase() Phase {
	return d.phase
}

// Log returns the epoch log.
func (d *Driver) Log() *Log {
	return &d.log
}

// Model returns the trainable model. Nil before preprocessing.
func (d *Driver) Model() Model {
	return d.model
}

// Shadow returns the EMA model used for evaluation.
func (d *Driver) Shadow() Model {
	return d.shadow
}

// Optimizer returns the grouped optimizer.
func (d *Driver) Optimizer() *GroupedSGD {
	return d.optimizer
}

// Steps returns the number of optimizer steps taken.
func (d *Driver) Steps() int {
	return d.state.Step
}

// Confusion returns the confusion matrix of the last validation pass.
func (d *Driver) Confusion() *ConfusionMatrix {
	return d.confusion
}
