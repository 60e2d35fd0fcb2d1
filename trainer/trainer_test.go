package trainer

import (
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/neurlang/distributed/device"
	"github.com/neurlang/distributed/device/host"
	"github.com/neurlang/distributed/loader"
)

// Worker processes re-execute this test binary; TestMain routes them into the
// scenario named in the environment instead of the test runner.
const scenarioEnv = "NEURLANG_DIST_TEST_SCENARIO"

func TestMain(m *testing.M) {
	if IsWorker() {
		tr, err := buildScenario(os.Getenv(scenarioEnv), DefaultPort)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		// Run never returns in a worker process
		if err := tr.Run(); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type scenario struct {
	epochs  int
	batch   int
	samples int
	shuffle bool
	step    Step
}

var scenarios = map[string]scenario{
	// each rank reports its own rank; the mean of ranks 0 and 1 is 0.5
	"rank": {
		epochs:  3,
		batch:   2,
		samples: 4,
		step: func(a *Args) (interface{}, error) {
			return Tuple{float64(a.Rank)}, nil
		},
	},

	// sums each shard through the prefetch pipeline; with 8 unshuffled
	// samples on 2 ranks the shard sums are 12 and 16, mean 14
	"pipeline": {
		epochs:  2,
		batch:   4,
		samples: 8,
		step: func(a *Args) (interface{}, error) {
			var sum float64
			err := a.Train.Each(func(b loader.Batch) bool {
				for _, e := range b {
					if tn, ok := device.AsTensor(e); ok {
						v, serr := tn.Scalar()
						if serr != nil {
							return false
						}
						sum += v
					}
				}
				return true
			})
			if err != nil {
				return nil, err
			}
			return Tuple{host.FromFloats(sum)}, nil
		},
	},

	// rank 1 fails in epoch 2; its sentinel must carry the error
	"fail": {
		epochs:  3,
		batch:   2,
		samples: 4,
		step: func(a *Args) (interface{}, error) {
			if a.Rank == 1 && a.Epoch == 2 {
				return nil, errors.New("step exploded")
			}
			return Tuple{1.0}, nil
		},
	},

	// rank 1 dies without ever reaching its cleanup path
	"vanish": {
		epochs:  2,
		batch:   2,
		samples: 4,
		step: func(a *Args) (interface{}, error) {
			if a.Rank == 1 {
				os.Exit(3)
			}
			return Tuple{1.0}, nil
		},
	},
}

type testDataset struct {
	n int
}

func (d testDataset) Len() int { return d.n }

func (d testDataset) Item(i int) []interface{} {
	return []interface{}{host.FromFloats(float64(i)), i}
}

type testModel struct{}

func (testModel) To(dev device.Device, s device.Stream) (Model, error) { return testModel{}, nil }

func (testModel) SetTraining(train bool) {}

func buildScenario(name string, port int) (*Trainer, error) {
	sc, ok := scenarios[name]
	if !ok {
		return nil, errors.Errorf("unknown scenario %q", name)
	}
	ds := testDataset{n: sc.samples}
	return New(
		sc.step,
		testModel{},
		loader.Config{Dataset: ds, BatchSize: sc.batch, Shuffle: sc.shuffle},
		loader.Config{Dataset: ds, BatchSize: sc.batch},
		sc.epochs,
		port,
		host.New(2),
	)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func startScenario(t *testing.T, name string) *Trainer {
	t.Helper()
	os.Setenv(scenarioEnv, name)
	t.Cleanup(func() { os.Unsetenv(scenarioEnv) })
	tr, err := buildScenario(name, freePort(t))
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func collectResults(t *testing.T, tr *Trainer) []Tuple {
	t.Helper()
	var out []Tuple
	if err := tr.Results(func(tu Tuple) bool {
		out = append(out, tu)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestResultsOnePerEpoch(t *testing.T) {
	tr := startScenario(t, "rank")
	out := collectResults(t, tr)
	if len(out) != 3 {
		t.Fatalf("got %d aggregated results, want 3", len(out))
	}
	for i, tu := range out {
		if len(tu) != 1 || tu[0] != 0.5 {
			t.Errorf("epoch %d: got %v, want (0.5)", i+1, tu)
		}
	}
}

func TestResultsThroughPipeline(t *testing.T) {
	tr := startScenario(t, "pipeline")
	out := collectResults(t, tr)
	if len(out) != 2 {
		t.Fatalf("got %d aggregated results, want 2", len(out))
	}
	for i, tu := range out {
		if len(tu) != 1 || tu[0] != 14.0 {
			t.Errorf("epoch %d: got %v, want (14)", i+1, tu)
		}
	}
}

func TestRunDiscardsResults(t *testing.T) {
	tr := startScenario(t, "rank")
	if err := tr.Run(); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerFailureSurfaces(t *testing.T) {
	tr := startScenario(t, "fail")
	err := tr.Results(func(Tuple) bool { return true })
	if err == nil {
		t.Fatal("failing step: want error")
	}
	if !strings.Contains(err.Error(), "rank 1") {
		t.Errorf("error %q does not name rank 1", err)
	}
}

func TestSentinellessDeathReported(t *testing.T) {
	tr := startScenario(t, "vanish")
	tr.Stall = 200 * time.Millisecond
	err := tr.Run()
	if err == nil {
		t.Fatal("vanished worker: want error")
	}
	if !strings.Contains(err.Error(), "exited without completing") {
		t.Errorf("error %q does not report the vanished worker", err)
	}
}

// Stopping the consumer early must still tear every worker down and release
// the rendezvous port for the next run.
func TestEarlyStopTearsDown(t *testing.T) {
	os.Setenv(scenarioEnv, "rank")
	t.Cleanup(func() { os.Unsetenv(scenarioEnv) })
	port := freePort(t)

	tr, err := buildScenario("rank", port)
	if err != nil {
		t.Fatal(err)
	}
	seen := 0
	if err := tr.Results(func(Tuple) bool {
		seen++
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if seen != 1 {
		t.Fatalf("consumed %d results after stop, want 1", seen)
	}

	deadline := time.Now().Add(5 * time.Second)
	for PortInUse(port) {
		if time.Now().After(deadline) {
			t.Fatal("rendezvous port still bound after teardown")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// a fresh run on the same port proves nothing was left behind
	again, err := buildScenario("rank", port)
	if err != nil {
		t.Fatal(err)
	}
	if out := collectResults(t, again); len(out) != 3 {
		t.Fatalf("rerun yielded %d results, want 3", len(out))
	}
}

func TestNewValidation(t *testing.T) {
	ds := testDataset{n: 8}
	good := loader.Config{Dataset: ds, BatchSize: 4}
	backend := host.New(2)
	step := func(a *Args) (interface{}, error) { return nil, nil }

	if _, err := New(nil, testModel{}, good, good, 1, 0, backend); err == nil {
		t.Error("nil step: want error")
	}
	if _, err := New(step, nil, good, good, 1, 0, backend); err == nil {
		t.Error("nil model: want error")
	}
	if _, err := New(step, testModel{}, good, good, 1, 0, nil); err == nil {
		t.Error("nil backend: want error")
	}

	odd := loader.Config{Dataset: ds, BatchSize: 5}
	if _, err := New(step, testModel{}, odd, good, 1, 0, backend); !errors.Is(err, loader.ErrBatchSize) {
		t.Errorf("odd batch size: got %v, want ErrBatchSize", err)
	}

	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port
	if _, err := New(step, testModel{}, good, good, 1, busy, backend); err == nil {
		t.Error("busy port: want error")
	}
}
