package loader

import (
	"testing"

	"github.com/neurlang/distributed/device"
	"github.com/neurlang/distributed/device/host"
)

// tensorDataset yields one scalar tensor and one plain label per sample.
type tensorDataset struct {
	n int
}

func (d tensorDataset) Len() int { return d.n }

func (d tensorDataset) Item(i int) []interface{} {
	return []interface{}{host.FromFloats(float64(i)), i}
}

func newPipeline(t *testing.T, n, batch int) (*Prefetch, *Sharded) {
	t.Helper()
	backend := host.New(1)
	dev, err := backend.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	compute, err := dev.NewStream()
	if err != nil {
		t.Fatal(err)
	}
	src, err := NewSharded(Config{Dataset: tensorDataset{n: n}, BatchSize: batch}, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPrefetch(src, dev, compute)
	if err != nil {
		t.Fatal(err)
	}
	return p, src
}

func TestPrefetchPreservesSequence(t *testing.T) {
	p, src := newPipeline(t, 10, 3)

	var want [][]int
	src.Each(func(b Batch) bool {
		var labels []int
		for _, e := range b {
			if i, ok := e.(int); ok {
				labels = append(labels, i)
			}
		}
		want = append(want, labels)
		return true
	})

	var got [][]int
	err := p.Each(func(b Batch) bool {
		var labels []int
		for _, e := range b {
			switch v := e.(type) {
			case int:
				labels = append(labels, v)
			default:
				tn, ok := device.AsTensor(v)
				if !ok {
					t.Fatalf("unexpected batch element %T", v)
				}
				if !tn.OnDevice() {
					t.Error("tensor element not on device")
				}
				f, err := tn.Scalar()
				if err != nil {
					t.Fatal(err)
				}
				labels = append(labels, -int(f)-1) // mark tensor positions
			}
		}
		got = append(got, labels)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("prefetch yielded %d batches, want %d", len(got), len(want))
	}
	for bi := range want {
		if len(got[bi]) != 2*len(want[bi]) {
			t.Fatalf("batch %d: got %d elements, want %d", bi, len(got[bi]), 2*len(want[bi]))
		}
	}
	// tensor values must match the labels, in order
	for bi, labels := range want {
		for si, label := range labels {
			if got[bi][2*si] != -label-1 {
				t.Errorf("batch %d sample %d: tensor value %d, want %d",
					bi, si, -got[bi][2*si]-1, label)
			}
			if got[bi][2*si+1] != label {
				t.Errorf("batch %d sample %d: label %d, want %d", bi, si, got[bi][2*si+1], label)
			}
		}
	}
}

func TestPrefetchLen(t *testing.T) {
	p, src := newPipeline(t, 10, 3)
	if p.Len() != src.Len() {
		t.Errorf("Len() = %d, want %d", p.Len(), src.Len())
	}
}

func TestPrefetchStopsEarly(t *testing.T) {
	p, _ := newPipeline(t, 12, 3)
	count := 0
	if err := p.Each(func(Batch) bool {
		count++
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("yield ran %d times after stop, want 1", count)
	}
}

// A single batch exercises the held-back final yield on its own.
func TestPrefetchSingleBatch(t *testing.T) {
	backend := host.New(1)
	dev, _ := backend.Open(0)
	compute, _ := dev.NewStream()
	src, err := NewSharded(Config{Dataset: tensorDataset{n: 2}, BatchSize: 2, DropLast: true}, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPrefetch(src, dev, compute)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	if err := p.Each(func(Batch) bool { count++; return true }); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("yielded %d batches, want 1", count)
	}
}
