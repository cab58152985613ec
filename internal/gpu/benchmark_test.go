package gpu

import (
	"fmt"
	"testing"

	"github.com/fxnlabs/mpsengine/internal/config"
	"go.uber.org/zap"
)

func BenchmarkBackend_Matmul(b *testing.B) {
	backend, err := NewBackend(config.DefaultDevice(), zap.NewNop())
	if err != nil {
		b.Fatal(err)
	}
	dev, err := backend.CreateDefaultDevice()
	if err != nil {
		b.Fatal(err)
	}
	defer backend.ReleaseDevice(dev)
	q, err := backend.MakeCommandQueue(dev)
	if err != nil {
		b.Fatal(err)
	}

	for _, size := range []int{64, 128, 256, 512} {
		b.Run(fmt.Sprintf("size_%d", size), func(b *testing.B) {
			values := make([]float32, size*size)
			for i := range values {
				values[i] = float32(i%100) / 100.0
			}
			data := Float32sToBytes(values)
			left, _ := backend.AllocateBufferWithBytes(dev, data)
			right, _ := backend.AllocateBufferWithBytes(dev, data)
			result, _ := backend.AllocateBuffer(dev, len(data))
			defer backend.ReleaseBuffer(left)
			defer backend.ReleaseBuffer(right)
			defer backend.ReleaseBuffer(result)

			cfg := MatmulConfig{Rows: size, Columns: size, Inner: size, Alpha: 1}
			kernel, err := backend.AllocateMatmulKernel(dev, cfg)
			if err != nil {
				b.Fatal(err)
			}
			defer backend.ReleaseKernel(kernel)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				cb, _ := backend.MakeCommandBuffer(q)
				if err := backend.EncodeMatmul(cb, kernel,
					dense(left, size, size), dense(right, size, size), dense(result, size, size)); err != nil {
					b.Fatal(err)
				}
				_ = backend.Commit(cb)
				if err := backend.WaitUntilCompleted(cb); err != nil {
					b.Fatal(err)
				}
			}

			b.ReportMetric(cfg.FLOPs()*float64(b.N)/b.Elapsed().Seconds()/1e9, "GFLOPS")
			b.ReportMetric(float64(len(data)*3)/(1<<20), "MB")
		})
	}
}

func BenchmarkCPUBackend_Elementwise(b *testing.B) {
	backend := NewCPUBackend(config.DefaultDevice(), zap.NewNop())
	dev, _ := backend.CreateDefaultDevice()
	defer backend.ReleaseDevice(dev)
	q, _ := backend.MakeCommandQueue(dev)

	for _, n := range []int{1 << 10, 1 << 16, 1 << 20} {
		b.Run(fmt.Sprintf("n_%d", n), func(b *testing.B) {
			x, _ := backend.AllocateBuffer(dev, n*Float32Size)
			y, _ := backend.AllocateBuffer(dev, n*Float32Size)
			defer backend.ReleaseBuffer(x)
			defer backend.ReleaseBuffer(y)

			b.SetBytes(int64(n * Float32Size * 3))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				cb, _ := backend.MakeCommandBuffer(q)
				_ = backend.EncodeElementwise(cb, OpAdd, x, y, x, n)
				_ = backend.Commit(cb)
				_ = backend.WaitUntilCompleted(cb)
			}
		})
	}
}
