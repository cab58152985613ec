package main

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/mpsengine/fixtures"
	"github.com/fxnlabs/mpsengine/internal/gpu"
	"github.com/fxnlabs/mpsengine/pkg/graph"
	"github.com/fxnlabs/mpsengine/pkg/mps"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

func infoCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the selected device",
		Action: func(c *cli.Context) error {
			s, err := e.open()
			if err != nil {
				return err
			}
			defer s.Close()

			info, err := s.Info()
			if err != nil {
				return err
			}
			w := c.App.Writer
			figure.NewFigure("mpsengine", "", true).Print()
			fmt.Fprintln(w)
			fmt.Fprintf(w, "Device:         %s\n", info.Name)
			fmt.Fprintf(w, "Backend:        %s\n", info.Backend)
			fmt.Fprintf(w, "Metal built:    %v\n", gpu.MetalBuilt())
			fmt.Fprintf(w, "Unified memory: %v\n", info.UnifiedMemory)
			if info.TotalMemory > 0 {
				fmt.Fprintf(w, "Total memory:   %.2f GB\n", float64(info.TotalMemory)/(1<<30))
				fmt.Fprintf(w, "Available:      %.2f GB\n", float64(info.AvailableMemory)/(1<<30))
			} else {
				fmt.Fprintln(w, "Total memory:   unlimited")
			}
			return nil
		},
	}
}

func gemmCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "gemm",
		Usage: "Run and time a random matrix multiplication",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "m", Value: 256, Usage: "rows of the result"},
			&cli.IntFlag{Name: "n", Value: 256, Usage: "columns of the result"},
			&cli.IntFlag{Name: "k", Value: 256, Usage: "inner dimension"},
			&cli.BoolFlag{Name: "transpose-left"},
			&cli.BoolFlag{Name: "transpose-right"},
			&cli.Float64Flag{Name: "alpha", Value: 1},
			&cli.Float64Flag{Name: "beta", Value: 0},
			&cli.IntFlag{Name: "iterations", Value: 10},
			&cli.Int64Flag{Name: "seed", Value: 1},
			&cli.BoolFlag{Name: "verify", Value: true, Usage: "compare against a float64 reference"},
			&cli.BoolFlag{Name: "print", Usage: "print the result rows"},
		},
		Action: func(c *cli.Context) error {
			cfg := mps.MatmulConfig{
				TransposeLeft:  c.Bool("transpose-left"),
				TransposeRight: c.Bool("transpose-right"),
				Rows:           c.Int("m"),
				Columns:        c.Int("n"),
				Inner:          c.Int("k"),
				Alpha:          float32(c.Float64("alpha")),
				Beta:           float32(c.Float64("beta")),
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			s, err := e.open()
			if err != nil {
				return err
			}
			defer s.Close()

			rng := rand.New(rand.NewSource(c.Int64("seed")))
			lr, lc := cfg.Rows, cfg.Inner
			if cfg.TransposeLeft {
				lr, lc = lc, lr
			}
			rr, rc := cfg.Inner, cfg.Columns
			if cfg.TransposeRight {
				rr, rc = rc, rr
			}
			leftValues := randomValues(rng, lr*lc)
			rightValues := randomValues(rng, rr*rc)

			left, err := upload(s, leftValues, lr, lc)
			if err != nil {
				return err
			}
			right, err := upload(s, rightValues, rr, rc)
			if err != nil {
				return err
			}
			result, err := upload(s, nil, cfg.Rows, cfg.Columns)
			if err != nil {
				return err
			}

			k, err := s.NewMatmulKernel(cfg)
			if err != nil {
				return err
			}
			defer k.Release()

			iterations := max(c.Int("iterations"), 1)
			start := time.Now()
			cb, err := s.Queue().NewCommandBuffer()
			if err != nil {
				return err
			}
			for i := 0; i < iterations; i++ {
				if err := k.Encode(cb, left, right, result); err != nil {
					return err
				}
			}
			if err := cb.Run(); err != nil {
				return err
			}
			elapsed := time.Since(start)
			gflops := cfg.FLOPs() * float64(iterations) / elapsed.Seconds() / 1e9

			w := c.App.Writer
			fmt.Fprintf(w, "Device:     %s\n", s.Name())
			fmt.Fprintf(w, "Shape:      M=%d N=%d K=%d (transpose left=%v right=%v)\n",
				cfg.Rows, cfg.Columns, cfg.Inner, cfg.TransposeLeft, cfg.TransposeRight)
			fmt.Fprintf(w, "Iterations: %d in one command buffer\n", iterations)
			fmt.Fprintf(w, "Elapsed:    %s\n", elapsed)
			fmt.Fprintf(w, "GFLOPS:     %.2f\n", gflops)

			if c.Bool("verify") || c.Bool("print") {
				values, err := result.Buffer().ReadFloat32()
				if err != nil {
					return err
				}
				got := gpu.Float32ArrayToMatrix(values, cfg.Rows, cfg.Columns)
				if got == nil {
					return fmt.Errorf("result holds %d values, want %dx%d", len(values), cfg.Rows, cfg.Columns)
				}
				if c.Bool("verify") {
					diff := maxAbsDiff(cfg, iterations, leftValues, rightValues, got)
					fmt.Fprintf(w, "Max error:  %g\n", diff)
				}
				if c.Bool("print") {
					fmt.Fprintln(w, "Result:")
					for _, row := range got {
						fmt.Fprintf(w, "  %v\n", row)
					}
				}
			}
			e.log.Debug("gemm finished", zap.Duration("elapsed", elapsed), zap.Float64("gflops", gflops))
			return nil
		},
	}
}

func graphCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "graph",
		Usage: "Evaluate out = x*y + z and its gradients",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "x", Value: 2},
			&cli.Float64Flag{Name: "y", Value: 3},
			&cli.Float64Flag{Name: "z", Value: 4},
		},
		Action: func(c *cli.Context) error {
			s, err := e.open()
			if err != nil {
				return err
			}
			defer s.Close()

			g := graph.New()
			defer g.Release()
			scalar := graph.Shape{}

			inputs := []string{"x", "y", "z"}
			nodes := make([]graph.Node, len(inputs))
			feeds := make([]graph.Feed, len(inputs))
			grads := make([]graph.Gradient, len(inputs))
			for i, name := range inputs {
				if nodes[i], err = g.Placeholder(scalar); err != nil {
					return err
				}
				data, err := graph.FromHostArray([]float32{float32(c.Float64(name))}, scalar)
				if err != nil {
					return err
				}
				feeds[i] = graph.Feed{Node: nodes[i], Data: data}
				grad, err := graph.NewTensorData(scalar)
				if err != nil {
					return err
				}
				grads[i] = graph.Gradient{Node: nodes[i], Data: grad}
			}
			prod, err := g.Multiply(nodes[0], nodes[1])
			if err != nil {
				return err
			}
			out, err := g.Add(prod, nodes[2])
			if err != nil {
				return err
			}

			result, err := graph.NewTensorData(scalar)
			if err != nil {
				return err
			}
			if err := graph.NewExecutor(s, e.log).RunWithGradients(g, feeds, out, result, grads); err != nil {
				return err
			}

			w := c.App.Writer
			v, _ := result.ToHostArray()
			fmt.Fprintf(w, "x*y + z = %g\n", v[0])
			for i, name := range inputs {
				d, _ := grads[i].Data.ToHostArray()
				fmt.Fprintf(w, "d/d%s    = %g\n", name, d[0])
			}
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print a config.yaml with the default settings",
		Action: func(c *cli.Context) error {
			_, err := c.App.Writer.Write(fixtures.ConfigTemplate)
			return err
		},
	}
}

func randomValues(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

// upload creates a dense matrix; nil values give a zeroed one.
func upload(s *mps.Session, values []float32, rows, cols int) (mps.Matrix, error) {
	var (
		buf *mps.Buffer
		err error
	)
	if values == nil {
		buf, err = s.Allocate(rows * cols * gpu.Float32Size)
	} else {
		buf, err = s.AllocateFromFloat32(values)
	}
	if err != nil {
		return mps.Matrix{}, err
	}
	desc, err := mps.DenseDescriptor(rows, cols)
	if err != nil {
		return mps.Matrix{}, err
	}
	return mps.NewMatrix(buf, desc)
}

// maxAbsDiff recomputes the result of iterations accumulated GEMMs in float64.
func maxAbsDiff(cfg mps.MatmulConfig, iterations int, left, right []float32, got [][]float32) float64 {
	dense := func(values []float32, rows, cols int, transpose bool) mat.Matrix {
		data := make([]float64, len(values))
		for i, v := range values {
			data[i] = float64(v)
		}
		if transpose {
			return mat.NewDense(cols, rows, data).T()
		}
		return mat.NewDense(rows, cols, data)
	}

	a := dense(left, cfg.Rows, cfg.Inner, cfg.TransposeLeft)
	b := dense(right, cfg.Inner, cfg.Columns, cfg.TransposeRight)
	var product, want mat.Dense
	product.Mul(a, b)
	product.Scale(float64(cfg.Alpha), &product)

	want.CloneFrom(&product)
	for i := 1; i < iterations; i++ {
		want.Scale(float64(cfg.Beta), &want)
		want.Add(&want, &product)
	}

	var diff float64
	for i := 0; i < cfg.Rows; i++ {
		for j := 0; j < cfg.Columns; j++ {
			diff = math.Max(diff, math.Abs(want.At(i, j)-float64(got[i][j])))
		}
	}
	return diff
}
