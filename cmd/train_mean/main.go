package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/neurlang/distributed/device"
	"github.com/neurlang/distributed/device/host"
	"github.com/neurlang/distributed/loader"
	"github.com/neurlang/distributed/trainer"
)

// runConfig is the optional YAML run file; keys present in the file override
// the flag values.
type runConfig struct {
	Devices   int `yaml:"devices"`
	Epochs    int `yaml:"epochs"`
	Port      int `yaml:"port"`
	BatchSize int `yaml:"batch_size"`
	Samples   int `yaml:"samples"`
}

// ramp is a synthetic dataset: sample i carries a scalar tensor of value i
// and its index as a plain label.
type ramp struct {
	n int
}

func (r ramp) Len() int { return r.n }

func (r ramp) Item(i int) []interface{} {
	return []interface{}{host.FromFloats(float64(i)), i}
}

// meanModel is a stand-in model: the demo only measures the data path.
type meanModel struct{}

func (meanModel) To(dev device.Device, s device.Stream) (trainer.Model, error) {
	return meanModel{}, nil
}

func (meanModel) SetTraining(train bool) {}

func main() {
	cfgPath := flag.String("config", "", "optional YAML run file")
	devices := flag.Int("devices", 2, "simulated device count")
	epochs := flag.Int("epochs", 3, "training epochs")
	port := flag.Int("port", trainer.DefaultPort, "rendezvous port")
	batch := flag.Int("batch", 8, "global batch size")
	samples := flag.Int("samples", 64, "dataset size")
	flag.Parse()

	cfg := runConfig{
		Devices:   *devices,
		Epochs:    *epochs,
		Port:      *port,
		BatchSize: *batch,
		Samples:   *samples,
	}
	if *cfgPath != "" {
		raw, err := os.ReadFile(*cfgPath)
		if err != nil {
			fail(err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			fail(err)
		}
	}

	step := func(a *trainer.Args) (interface{}, error) {
		var sum, n float64
		err := a.Train.Each(func(b loader.Batch) bool {
			for _, e := range b {
				t, ok := device.AsTensor(e)
				if !ok {
					continue
				}
				v, err := t.Scalar()
				if err != nil {
					return false
				}
				sum += v
				n++
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		loss := sum / n
		a.Log.Printf("epoch %d shard mean %.3f over %.0f samples", a.Epoch, loss, n)
		return loss, nil
	}

	tr, err := trainer.New(
		step,
		meanModel{},
		loader.Config{Dataset: ramp{n: cfg.Samples}, BatchSize: cfg.BatchSize, Shuffle: true},
		loader.Config{Dataset: ramp{n: cfg.Samples}, BatchSize: cfg.BatchSize},
		cfg.Epochs,
		cfg.Port,
		host.New(cfg.Devices),
	)
	if err != nil {
		fail(err)
	}

	epoch := 0
	err = tr.Results(func(out trainer.Tuple) bool {
		epoch++
		fmt.Printf("epoch %d: %v\n", epoch, out)
		return true
	})
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
