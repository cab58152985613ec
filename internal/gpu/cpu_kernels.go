package gpu

import (
	"runtime"
	"time"

	"github.com/fxnlabs/mpsengine/internal/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gorgonia.org/vecf32"
)

// EncodeMatmul records a GEMM on the command buffer. Shapes are checked now,
// the multiplication runs when the buffer executes.
func (c *CPUBackend) EncodeMatmul(cbID CommandBufferID, kernelID KernelID, left, right, result MatrixRef) error {
	cb, err := c.commandBuffer(cbID)
	if err != nil {
		return err
	}
	k, err := c.kernel(kernelID)
	if err != nil {
		return err
	}
	if k.device != cb.device {
		return errors.Wrapf(ErrDeviceMismatch, "%s used with %s", kernelID, cbID)
	}
	if err := k.cfg.Conformable(left, right, result); err != nil {
		return err
	}

	operands := make([]blas32.General, 3)
	for i, m := range []MatrixRef{left, right, result} {
		b, err := c.buffer(m.Buffer)
		if err != nil {
			return err
		}
		if b.device != cb.device {
			return errors.Wrapf(ErrDeviceMismatch, "%s used with %s", m.Buffer, cbID)
		}
		if err := ValidateLayout(m.Rows, m.Columns, m.RowBytes, len(b.bytes)); err != nil {
			return err
		}
		operands[i] = general(b, m)
	}

	cfg := k.cfg
	log := c.log
	err = cb.encode(command{kernel: "gemm", run: func() error {
		start := time.Now()
		blas32.Gemm(transpose(cfg.TransposeLeft), transpose(cfg.TransposeRight),
			cfg.Alpha, operands[0], operands[1], cfg.Beta, operands[2])
		elapsed := time.Since(start)

		if elapsed > 0 {
			gflops := cfg.FLOPs() / elapsed.Seconds() / 1e9
			metrics.MatmulGFLOPS.Set(gflops)
			log.Debug("gemm executed",
				zap.Int("m", cfg.Rows), zap.Int("n", cfg.Columns), zap.Int("k", cfg.Inner),
				zap.Duration("elapsed", elapsed), zap.Float64("gflops", gflops))
		}
		return nil
	}})
	if err != nil {
		return err
	}
	metrics.MatmulEncodes.WithLabelValues(string(KindCPU)).Inc()
	return nil
}

// EncodeElementwise records an elementwise kernel over the first count elements.
func (c *CPUBackend) EncodeElementwise(cbID CommandBufferID, op ElementwiseOp, a, b, out BufferID, count int) error {
	cb, err := c.commandBuffer(cbID)
	if err != nil {
		return err
	}
	if op < OpAdd || op > OpMultiplyAccumulate {
		return errors.Wrapf(ErrInternal, "unknown elementwise op %d", int(op))
	}
	if count <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "element count must be positive, got %d", count)
	}

	views := make([][]float32, 3)
	for i, id := range []BufferID{a, b, out} {
		buf, err := c.buffer(id)
		if err != nil {
			return err
		}
		if buf.device != cb.device {
			return errors.Wrapf(ErrDeviceMismatch, "%s used with %s", id, cbID)
		}
		if count > len(buf.bytes)/Float32Size {
			return errors.Wrapf(ErrShapeMismatch, "%d elements exceed %s of %d bytes", count, id, len(buf.bytes))
		}
		views[i] = buf.storage[:count]
	}

	tile := c.cfg.ParallelThreshold
	return cb.encode(command{kernel: op.String(), run: func() error {
		return runTiled(op, views[0], views[1], views[2], tile)
	}})
}

// runTiled splits large kernels into tiles of at most tile elements and runs
// them concurrently.
func runTiled(op ElementwiseOp, a, b, out []float32, tile int) error {
	n := len(out)
	if tile <= 0 || n <= tile {
		applyElementwise(op, a, b, out)
		return nil
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for lo := 0; lo < n; lo += tile {
		lo := lo
		hi := min(lo+tile, n)
		g.Go(func() error {
			applyElementwise(op, a[lo:hi], b[lo:hi], out[lo:hi])
			return nil
		})
	}
	return g.Wait()
}

func applyElementwise(op ElementwiseOp, a, b, out []float32) {
	switch op {
	case OpAdd, OpMultiply:
		// Both ops commute. Swapping keeps the copy from clobbering b when out aliases it.
		if sameStart(out, b) {
			a, b = b, a
		}
		if !sameStart(out, a) {
			copy(out, a)
		}
		if op == OpAdd {
			vecf32.Add(out, b)
		} else {
			vecf32.Mul(out, b)
		}
	case OpMultiplyAccumulate:
		vecf32.IncrMul(a, b, out)
	}
}

func sameStart(x, y []float32) bool {
	return len(x) > 0 && len(y) > 0 && &x[0] == &y[0]
}

func general(b *cpuBuffer, m MatrixRef) blas32.General {
	stride := m.RowBytes / Float32Size
	return blas32.General{
		Rows:   m.Rows,
		Cols:   m.Columns,
		Stride: stride,
		Data:   b.storage[:(m.Rows-1)*stride+m.Columns],
	}
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}
