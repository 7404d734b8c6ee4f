package checkpoints

import (
	"bytes"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tsawler/go-dawn/engine"
	"github.com/tsawler/go-dawn/layers"
	"github.com/tsawler/go-dawn/memory"
	"github.com/tsawler/go-dawn/training"
	"github.com/tsawler/go-dawn/vision/dataset"
	"github.com/tsawler/go-dawn/vision/preprocessing"
)

func tinyNet(t *testing.T) *layers.ModelSpec {
	t.Helper()
	cfg := layers.DefaultNetConfig()
	cfg.Classes = 4
	cfg.Prep, cfg.Layer1, cfg.Layer2, cfg.Layer3 = 4, 4, 4, 4
	cfg.GhostSplits = 2
	spec, err := layers.DawnNet(cfg, 8)
	if err != nil {
		t.Fatalf("Failed to build model spec: %v", err)
	}
	return spec
}

func tinyStore(t *testing.T, spec *layers.ModelSpec) *memory.Store {
	t.Helper()
	store, err := engine.NewStore(spec, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatalf("Failed to allocate store: %v", err)
	}
	return store
}

func TestCheckpointFormatString(t *testing.T) {
	tests := map[CheckpointFormat]string{
		FormatJSON:          "JSON",
		FormatONNX:          "ONNX",
		CheckpointFormat(9): "Unknown",
	}
	for format, expected := range tests {
		if format.String() != expected {
			t.Errorf("Expected %s, got %s", expected, format.String())
		}
	}
}

func TestExtractAndLoadWeights(t *testing.T) {
	spec := tinyNet(t)
	store := tinyStore(t, spec)
	weights := ExtractWeights(store)
	if len(weights) != store.Len() {
		t.Fatalf("Expected %d weights, got %d", store.Len(), len(weights))
	}
	if weights[0].Name != "prep.whiten.weight" || weights[0].Role != memory.Constant.String() {
		t.Errorf("Unexpected first weight %s (%s)", weights[0].Name, weights[0].Role)
	}

	fresh, _ := engine.NewStore(spec, rand.New(rand.NewPCG(9, 9)))
	if err := LoadWeights(weights, fresh); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}
	for _, b := range store.Buffers() {
		other, _ := fresh.Get(b.Name)
		for i := range b.Value.Data {
			if b.Value.Data[i] != other.Value.Data[i] {
				t.Fatalf("Buffer %s differs at %d", b.Name, i)
			}
		}
	}

	// extraction copies, it does not alias
	weights[0].Data[0] = 42
	if b, _ := store.Get(weights[0].Name); b.Value.Data[0] == 42 {
		t.Error("Extracted weights alias the store")
	}

	if err := LoadWeights(weights[1:], fresh); err == nil {
		t.Error("Expected error for a missing buffer")
	}
	weights[1].Shape = []int{1}
	if err := LoadWeights(weights, fresh); err == nil {
		t.Error("Expected error for a shape mismatch")
	}
}

func TestCheckpointJSONSaveLoad(t *testing.T) {
	spec := tinyNet(t)
	ckpt := &Checkpoint{
		ModelSpec: spec,
		Weights:   ExtractWeights(tinyStore(t, spec)),
		TrainingState: TrainingState{
			Epochs: 3,
			Steps:  30,
			Config: training.DefaultConfig(),
			Log:    []training.EpochRecord{{Epoch: 1, LR: 0.1, Valid: training.PhaseStats{Acc: 0.5}}},
		},
		OptimizerState: &OptimizerState{
			Type:      "SGD",
			Momentum:  0.9,
			StateData: []OptimizerTensor{{Name: "linear.weight", Data: []float32{1, 2}, StateType: "momentum"}},
		},
	}

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	saver := NewCheckpointSaver(FormatJSON)
	if err := saver.SaveCheckpoint(ckpt, path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if _, err := uuid.Parse(ckpt.Metadata.RunID); err != nil {
		t.Errorf("Expected a generated run id, got %q", ckpt.Metadata.RunID)
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if loaded.Metadata.Framework != "go-dawn" || loaded.Metadata.RunID != ckpt.Metadata.RunID {
		t.Errorf("Metadata not restored: %+v", loaded.Metadata)
	}
	if loaded.TrainingState.Steps != 30 || loaded.TrainingState.Config.BatchSize != 512 {
		t.Errorf("Training state not restored: %+v", loaded.TrainingState)
	}
	if len(loaded.TrainingState.Log) != 1 || loaded.TrainingState.Log[0].Valid.Acc != 0.5 {
		t.Errorf("Log not restored: %+v", loaded.TrainingState.Log)
	}
	if loaded.OptimizerState == nil || loaded.OptimizerState.StateData[0].Data[1] != 2 {
		t.Errorf("Optimizer state not restored: %+v", loaded.OptimizerState)
	}
	if len(loaded.ModelSpec.Layers) != len(spec.Layers) {
		t.Errorf("Expected %d layers, got %d", len(spec.Layers), len(loaded.ModelSpec.Layers))
	}
	if err := LoadWeights(loaded.Weights, tinyStore(t, spec)); err != nil {
		t.Errorf("Loaded weights do not fit the model: %v", err)
	}

	if _, err := saver.LoadCheckpoint(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for a missing file")
	}
	if err := NewCheckpointSaver(CheckpointFormat(9)).SaveCheckpoint(ckpt, path); err == nil {
		t.Error("Expected error for an unknown format")
	}
}

func TestBuildGraph(t *testing.T) {
	spec := tinyNet(t)
	ckpt := &Checkpoint{ModelSpec: spec, Weights: ExtractWeights(tinyStore(t, spec))}
	g, err := BuildGraph(ckpt)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	ops := make(map[string]int)
	produced := map[string]bool{layers.GraphInput: true}
	initializers := make(map[string]bool)
	for _, init := range g.Initializers {
		initializers[init.Name] = true
	}
	for _, n := range g.Nodes {
		ops[n.OpType]++
		for _, in := range n.Inputs {
			if !produced[in] && !initializers[in] {
				t.Errorf("Node %s reads %s before it is produced", n.Name, in)
			}
		}
		for _, out := range n.Outputs {
			produced[out] = true
		}
	}
	// whiten, prep.conv and three convs per stage plus two per residual branch
	if ops["Conv"] != 2+3+2*2 {
		t.Errorf("Expected 9 Conv nodes, got %d", ops["Conv"])
	}
	if ops["BatchNormalization"] != 8 || ops["Celu"] != 8 || ops["Split"] != 8 {
		t.Errorf("Expected one norm and one gated activation per block, got %v", ops)
	}
	if ops["Add"] != 2 || ops["Gemm"] != 1 || ops["MaxPool"] != 4 || ops["Flatten"] != 1 {
		t.Errorf("Unexpected operator counts %v", ops)
	}
	if g.Output != "logits" || !produced[g.Output] {
		t.Errorf("Expected the graph to end at logits, got %s", g.Output)
	}

	ckpt.Weights = ckpt.Weights[1:]
	if _, err := BuildGraph(ckpt); err == nil || !strings.Contains(err.Error(), "prep.whiten.weight") {
		t.Errorf("Expected missing weight error, got %v", err)
	}
	if _, err := BuildGraph(&Checkpoint{}); err == nil {
		t.Error("Expected error without a model spec")
	}
}

func TestONNXExportImport(t *testing.T) {
	spec := tinyNet(t)
	store := tinyStore(t, spec)
	ckpt := &Checkpoint{ModelSpec: spec, Weights: ExtractWeights(store)}
	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := NewCheckpointSaver(FormatONNX).SaveCheckpoint(ckpt, path); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read export: %v", err)
	}
	for _, s := range []string{"BatchNormalization", "go-dawn", "prep.whiten.weight"} {
		if !bytes.Contains(data, []byte(s)) {
			t.Errorf("Expected %q in the encoded model", s)
		}
	}

	loaded, err := NewCheckpointSaver(FormatONNX).LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	// every store buffer plus the logit scale factor
	if len(loaded.Weights) != store.Len()+1 {
		t.Fatalf("Expected %d initializers, got %d", store.Len()+1, len(loaded.Weights))
	}
	if err := LoadWeights(loaded.Weights, tinyStore(t, spec)); err != nil {
		t.Errorf("Imported weights do not fit the model: %v", err)
	}
	for _, w := range loaded.Weights {
		if w.Name == "logits.factor" && (len(w.Shape) != 0 || w.Data[0] != spec.Layers[len(spec.Layers)-1].Factor) {
			t.Errorf("Unexpected scale initializer %+v", w)
		}
	}

	if _, err := ParseInitializers([]byte{0x3a, 0x05, 0x2a}); err == nil {
		t.Error("Expected error for a truncated model")
	}
}

func TestFromDriver(t *testing.T) {
	spec := tinyNet(t)
	data, err := dataset.Synthetic(dataset.SyntheticConfig{TrainSize: 16, TestSize: 6, ImageSize: 32, Classes: 4, Noise: 8, Seed: 3})
	if err != nil {
		t.Fatalf("Synthetic failed: %v", err)
	}
	opts := preprocessing.DefaultOptions()
	opts.Half = false
	source, err := preprocessing.NewSource(data, opts)
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}

	cfg := training.DefaultConfig()
	cfg.Epochs = 1
	cfg.BatchSize = 8
	cfg.GhostSplits = 2
	cfg.LRKnots, cfg.LRValues = []float64{0}, []float64{0.05}
	cfg.WhitenSamples = 16
	cfg.WarmupImages = 0
	cfg.HalfPrecision = false
	driver, err := training.NewDriver(cfg, &engine.Builder{Spec: spec, Seed: 1})
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}
	if _, err := FromDriver(spec, driver, cfg, uuid.New()); err == nil {
		t.Error("Expected error before the run")
	}
	driver.SetOutput(&bytes.Buffer{})
	if err := driver.Run(source); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	runID := uuid.New()
	ckpt, err := FromDriver(spec, driver, cfg, runID)
	if err != nil {
		t.Fatalf("FromDriver failed: %v", err)
	}
	if ckpt.Metadata.RunID != runID.String() || ckpt.TrainingState.Epochs != 1 || ckpt.TrainingState.Steps != 2 {
		t.Errorf("Unexpected checkpoint state %+v / %+v", ckpt.Metadata, ckpt.TrainingState)
	}
	shadow := driver.Shadow().Store()
	b, _ := shadow.Get("linear.weight")
	var found bool
	for _, w := range ckpt.Weights {
		if w.Name == "linear.weight" {
			found = true
			if w.Data[0] != b.Value.Data[0] {
				t.Error("Expected weights from the shadow model")
			}
		}
	}
	if !found {
		t.Error("Checkpoint is missing linear.weight")
	}
	if ckpt.OptimizerState == nil || len(ckpt.OptimizerState.StateData) != len(shadow.Trainable()) {
		t.Errorf("Expected one momentum buffer per trainable parameter")
	}
	if _, err := BuildGraph(ckpt); err != nil {
		t.Errorf("Checkpoint of a real run should export: %v", err)
	}
}
