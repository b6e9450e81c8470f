package kernels

import (
	"fmt"
	"math/rand/v2"

	"github.com/chewxy/math32"
)

// GenerateDense returns deterministic backbone model bytes for seed.
func GenerateDense(cfg DenseConfig, seed uint64) []byte {
	return generate(cfg.layout(), []int{cfg.InputDim, cfg.InputDim}, cfg.DType, seed)
}

// GenerateGRU returns deterministic streaming model bytes for seed.
func GenerateGRU(cfg GRUConfig, seed uint64) []byte {
	f, h := cfg.Features, cfg.Hidden
	return generate(cfg.layout(), []int{f + h, f + h, f + h, f + h, h, h}, cfg.DType, seed)
}

// generate fills each weight with values uniform in ±1/sqrt(fanIn).
func generate(l layout, fanIn []int, dt DType, seed uint64) []byte {
	if len(fanIn) != len(l.weights) {
		panic(fmt.Sprintf("kernels: %d fan-ins for %d weights", len(fanIn), len(l.weights)))
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]byte, l.size)
	for i, w := range l.weights {
		limit := 1 / math32.Sqrt(float32(fanIn[i]))
		vals := make([]float32, w.Size/dt.Size())
		for j := range vals {
			vals[j] = (2*rng.Float32() - 1) * limit
		}
		encode(data[w.Offset:w.Offset+w.Size], vals, dt)
	}
	return data
}
