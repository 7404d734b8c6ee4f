package checkpoints

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/go-dawn/layers"
	"github.com/tsawler/go-dawn/memory"
	"github.com/tsawler/go-dawn/training"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Checkpoint is the final state of a run: the shadow model's buffers, the
// optimizer momentum and the epoch log.
type Checkpoint struct {
	ModelSpec      *layers.ModelSpec  `json:"model_spec"`
	Weights        []WeightTensor     `json:"weights"`
	TrainingState  TrainingState      `json:"training_state"`
	OptimizerState *OptimizerState    `json:"optimizer_state,omitempty"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one named buffer of the model store.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Role  string    `json:"role"`
}

// TrainingState records how far the run got and what it measured.
type TrainingState struct {
	Epochs        int                    `json:"epochs"`
	Steps         int                    `json:"steps"`
	LearningRate  float64                `json:"learning_rate"`
	ValidAccuracy float64                `json:"valid_accuracy"`
	TotalTime     float64                `json:"total_time"`
	Config        training.Config        `json:"config"`
	Log           []training.EpochRecord `json:"log"`
}

// OptimizerState holds the momentum buffers keyed by parameter name.
type OptimizerState struct {
	Type      string            `json:"type"`
	Momentum  float64           `json:"momentum"`
	StateData []OptimizerTensor `json:"state_data"`
}

// OptimizerTensor is the velocity of one parameter.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	RunID       string    `json:"run_id"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

const (
	framework = "go-dawn"
	version   = "1.0.0"
)

// FromDriver snapshots a finished run. The weights come from the shadow
// model, which is the one evaluated every epoch.
func FromDriver(spec *layers.ModelSpec, driver *training.Driver, cfg training.Config, runID uuid.UUID) (*Checkpoint, error) {
	shadow := driver.Shadow()
	if shadow == nil {
		return nil, errors.New("driver has no shadow model; run it first")
	}
	ckpt := &Checkpoint{
		ModelSpec: spec,
		Weights:   ExtractWeights(shadow.Store()),
		TrainingState: TrainingState{
			Steps:  driver.Steps(),
			Config: cfg,
			Log:    driver.Log().Records(),
		},
		Metadata: CheckpointMetadata{
			RunID:     runID.String(),
			Version:   version,
			Framework: framework,
			CreatedAt: time.Now(),
		},
	}
	if last, ok := driver.Log().Last(); ok {
		ckpt.TrainingState.Epochs = last.Epoch
		ckpt.TrainingState.LearningRate = last.LR
		ckpt.TrainingState.ValidAccuracy = last.Valid.Acc
		ckpt.TrainingState.TotalTime = last.TotalTime
	}
	if opt := driver.Optimizer(); opt != nil {
		ckpt.OptimizerState = &OptimizerState{Type: "SGD", Momentum: cfg.Momentum}
		velocities := opt.Velocities()
		names := make([]string, 0, len(velocities))
		for name := range velocities {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ckpt.OptimizerState.StateData = append(ckpt.OptimizerState.StateData, OptimizerTensor{
				Name:      name,
				Data:      velocities[name],
				StateType: "momentum",
			})
		}
	}
	return ckpt, nil
}

// ExtractWeights copies every buffer of the store in registration order.
func ExtractWeights(store *memory.Store) []WeightTensor {
	var weights []WeightTensor
	for _, b := range store.Buffers() {
		weights = append(weights, WeightTensor{
			Name:  b.Name,
			Shape: append([]int(nil), b.Value.Shape...),
			Data:  append([]float32(nil), b.Value.Data...),
			Role:  b.Role.String(),
		})
	}
	return weights
}

// LoadWeights copies weights into the matching buffers of store. Every
// buffer of the store must be present.
func LoadWeights(weights []WeightTensor, store *memory.Store) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	for _, b := range store.Buffers() {
		w, ok := byName[b.Name]
		if !ok {
			return errors.Errorf("checkpoint has no weights for %q", b.Name)
		}
		if !sameShape(w.Shape, b.Value.Shape) {
			return errors.Errorf("shape mismatch for %q: checkpoint %v vs model %v", b.Name, w.Shape, b.Value.Shape)
		}
		if len(w.Data) != b.Value.NumElems {
			return errors.Errorf("weights for %q hold %d values, expected %d", b.Name, len(w.Data), b.Value.NumElems)
		}
		copy(b.Value.Data, w.Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint writes the checkpoint to path.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return ExportONNX(checkpoint, path)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// LoadCheckpoint reads a checkpoint. ONNX files only restore the weights.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return ImportONNX(path)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = framework
		checkpoint.Metadata.Version = version
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = uuid.NewString()
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return &checkpoint, nil
}
