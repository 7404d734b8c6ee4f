package training

import (
	"io"
	"testing"
)

func mixupBatcher(t *testing.T, seed uint64) *Batcher {
	t.Helper()
	b, err := NewBatcher(indexedSplit(20), BatcherConfig{
		BatchSize:  4,
		Shuffle:    true,
		MixupCount: 1,
		Sampler:    UniformSampler{Low: 0, High: 1},
	}, newRNG(seed))
	if err != nil {
		t.Fatalf("Failed to create batcher: %v", err)
	}
	return b
}

func TestPrefetcherMatchesInline(t *testing.T) {
	for _, depth := range []int{0, 1, 3} {
		inline := mixupBatcher(t, 7).Iterate()
		pf := NewPrefetcher(mixupBatcher(t, 7).Iterate(), depth)

		count := 0
		for {
			want, wantErr := inline.Take()
			got, gotErr := pf.Next()
			if wantErr == io.EOF || gotErr == io.EOF {
				if wantErr != gotErr {
					t.Fatalf("depth %d: inline ended with %v, prefetcher with %v", depth, wantErr, gotErr)
				}
				break
			}
			if gotErr != nil {
				t.Fatalf("depth %d: Next failed: %v", depth, gotErr)
			}
			for i := range want.Input.Data {
				if want.Input.Data[i] != got.Input.Data[i] {
					t.Fatalf("depth %d batch %d: pixel %d differs", depth, count, i)
				}
			}
			for k := range want.Weights {
				for i := range want.Weights[k] {
					if want.Weights[k][i] != got.Weights[k][i] || want.Targets[k][i] != got.Targets[k][i] {
						t.Fatalf("depth %d batch %d: targets differ", depth, count)
					}
				}
			}
			count++
		}
		if count != 5 {
			t.Errorf("Expected 5 batches, got %d", count)
		}
		stats := pf.Stats()
		if stats.BatchesProduced != 5 || stats.BatchesConsumed != 5 {
			t.Errorf("Expected 5 produced and consumed, got %+v", stats)
		}
		pf.Stop()
		if _, err := pf.Next(); err != io.EOF {
			t.Errorf("Expected io.EOF after Stop, got %v", err)
		}
	}
}

func TestPrefetcherStopEarly(t *testing.T) {
	pf := NewPrefetcher(mixupBatcher(t, 3).Iterate(), 1)
	if _, err := pf.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	pf.Stop()
	pf.Stop()

	stats := pf.Stats()
	if stats.BatchesConsumed != 1 {
		t.Errorf("Expected 1 consumed batch, got %d", stats.BatchesConsumed)
	}
	if stats.QueuedBatches != 0 {
		t.Errorf("Expected an empty queue after Stop, got %d", stats.QueuedBatches)
	}
	if stats.QueueCapacity != 1 {
		t.Errorf("Expected capacity 1, got %d", stats.QueueCapacity)
	}
}
