package training

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// PhaseStats summarises one pass over a split.
type PhaseStats struct {
	Time float64 // seconds
	Loss float64 // mean per example
	Acc  float64 // fraction in [0, 1]
}

// EpochRecord is the per-epoch metrics entry.
type EpochRecord struct {
	Epoch     int
	LR        float64
	Train     PhaseStats
	Valid     PhaseStats
	TotalTime float64 // seconds, validation excluded
}

// Log is an append-only ordered list of epoch records.
type Log struct {
	records []EpochRecord
}

// Append adds a record. Records are never modified afterwards.
func (l *Log) Append(r EpochRecord) {
	l.records = append(l.records, r)
}

// Len returns the number of records.
func (l *Log) Len() int {
	return len(l.records)
}

// Records returns a copy of the log.
func (l *Log) Records() []EpochRecord {
	return append([]EpochRecord(nil), l.records...)
}

// Last returns the most recent record.
func (l *Log) Last() (EpochRecord, bool) {
	if len(l.records) == 0 {
		return EpochRecord{}, false
	}
	return l.records[len(l.records)-1], true
}

// WriteTSV writes the epoch/hours/accuracy table.
func (l *Log) WriteTSV(w io.Writer) error {
	lines := []string{"epoch\thours\ttop1Accuracy"}
	for _, r := range l.records {
		lines = append(lines, fmt.Sprintf("%d\t%.8f\t%.2f", r.Epoch, r.TotalTime/3600, r.Valid.Acc*100))
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n"))
	return err
}

// SaveTSV writes logs.tsv into dir, creating it if needed.
func (l *Log) SaveTSV(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating log directory %s", dir)
	}
	path := filepath.Join(dir, "logs.tsv")
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "creating log file")
	}
	if err := l.WriteTSV(f); err != nil {
		f.Close()
		return "", errors.Wrap(err, "writing log file")
	}
	return path, errors.Wrap(f.Close(), "closing log file")
}

var tableColumns = []string{
	"epoch", "lr", "train time", "train loss", "train acc",
	"valid time", "valid loss", "valid acc", "total time",
}

// TableLogger prints epoch records as fixed-width columns, with a header
// before the first row.
type TableLogger struct {
	w       io.Writer
	started bool
}

// NewTableLogger creates a logger writing to w.
func NewTableLogger(w io.Writer) *TableLogger {
	return &TableLogger{w: w}
}

// Append prints one record.
func (t *TableLogger) Append(r EpochRecord) {
	if !t.started {
		cols := make([]string, len(tableColumns))
		for i, c := range tableColumns {
			cols[i] = fmt.Sprintf("%12s", c)
		}
		fmt.Fprintln(t.w, strings.Join(cols, " "))
		t.started = true
	}
	values := []float64{
		r.LR, r.Train.Time, r.Train.Loss, r.Train.Acc,
		r.Valid.Time, r.Valid.Loss, r.Valid.Acc, r.TotalTime,
	}
	cols := []string{fmt.Sprintf("%12d", r.Epoch)}
	for _, v := range values {
		cols = append(cols, fmt.Sprintf("%12.4f", v))
	}
	fmt.Fprintln(t.w, strings.Join(cols, " "))
}

// ConfusionMatrix counts predictions per (true class, predicted class).
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true][predicted]
	TotalSamples int
}

// NewConfusionMatrix creates an empty matrix.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears all counts.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		clear(cm.Matrix[i])
	}
	cm.TotalSamples = 0
}

// Update records a batch of predictions.
func (cm *ConfusionMatrix) Update(predicted, actual []int) error {
	if len(predicted) != len(actual) {
		return errors.Errorf("prediction/label count mismatch: %d vs %d", len(predicted), len(actual))
	}
	for i, p := range predicted {
		a := actual[i]
		if p < 0 || p >= cm.NumClasses || a < 0 || a >= cm.NumClasses {
			return errors.Errorf("class out of range: predicted %d, actual %d", p, a)
		}
		cm.Matrix[a][p]++
		cm.TotalSamples++
	}
	return nil
}

// Accuracy returns the fraction of correct predictions.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Recall returns per-class recall (per-class accuracy).
func (cm *ConfusionMatrix) Recall() []float64 {
	out := make([]float64, cm.NumClasses)
	for i, row := range cm.Matrix {
		total := 0
		for _, v := range row {
			total += v
		}
		if total > 0 {
			out[i] = float64(row[i]) / float64(total)
		}
	}
	return out
}

// MacroF1 averages the per-class F1 score over classes that appear.
func (cm *ConfusionMatrix) MacroF1() float64 {
	var sum float64
	classes := 0
	for c := 0; c < cm.NumClasses; c++ {
		tp := cm.Matrix[c][c]
		fp, fn := 0, 0
		for o := 0; o < cm.NumClasses; o++ {
			if o == c {
				continue
			}
			fp += cm.Matrix[o][c]
			fn += cm.Matrix[c][o]
		}
		if tp+fp+fn == 0 {
			continue
		}
		classes++
		sum += 2 * float64(tp) / float64(2*tp+fp+fn)
	}
	if classes == 0 {
		return 0
	}
	return sum / float64(classes)
}
