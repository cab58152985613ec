package graph

import (
	"sync"
	"time"

	"github.com/fxnlabs/mpsengine/internal/gpu"
	"github.com/fxnlabs/mpsengine/internal/logger"
	"github.com/fxnlabs/mpsengine/internal/metrics"
	"github.com/fxnlabs/mpsengine/pkg/mps"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Feed binds input values to a placeholder.
type Feed struct {
	Node Node
	Data *TensorData
}

// Gradient requests the gradient of the output's sum with respect to Node,
// written into Data.
type Gradient struct {
	Node Node
	Data *TensorData
}

const (
	modeForward  = "forward"
	modeBackward = "backward"
)

// Executor runs graphs on a session. Runs are serialized.
type Executor struct {
	session *mps.Session
	log     *zap.Logger

	mu sync.Mutex
}

// NewExecutor returns an executor bound to session.
func NewExecutor(session *mps.Session, log *zap.Logger) *Executor {
	return &Executor{
		session: session,
		log:     logger.OrNop(log).Named("executor"),
	}
}

// Run evaluates output with the given feeds and writes the result into
// outputData. On any error outputData is left untouched.
func (e *Executor) Run(g *Graph, feeds []Feed, output Node, outputData *TensorData) error {
	return e.execute(g, feeds, output, outputData, nil, modeForward)
}

// RunWithGradients is Run followed by a backward pass seeded with ones. Each
// Gradient receives d(sum(output))/d(node); nodes the output does not depend
// on get zeros. Nothing is written unless the whole run succeeds.
func (e *Executor) RunWithGradients(g *Graph, feeds []Feed, output Node, outputData *TensorData, grads []Gradient) error {
	return e.execute(g, feeds, output, outputData, grads, modeBackward)
}

func (e *Executor) execute(g *Graph, feeds []Feed, output Node, outputData *TensorData, grads []Gradient, mode string) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.GraphRuns.WithLabelValues(mode, result).Inc()
		metrics.GraphRunDuration.WithLabelValues(mode).Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	p, err := newPlan(g, feeds, output, outputData, grads)
	if err != nil {
		e.log.Debug("Graph run rejected", zap.String("mode", mode), zap.Error(err))
		return err
	}
	log := e.log.With(zap.String("graph", g.ID().String()), zap.String("mode", mode))

	r := &run{session: e.session, plan: p}
	defer r.release()

	if err := r.forward(); err != nil {
		log.Warn("Forward pass failed", zap.Error(err))
		return err
	}
	if mode == modeBackward {
		if err := r.backward(); err != nil {
			log.Warn("Backward pass failed", zap.Error(err))
			return err
		}
	}

	out, gradValues, err := r.readBack()
	if err != nil {
		log.Warn("Reading results failed", zap.Error(err))
		return err
	}
	targets := []*TensorData{outputData}
	values := [][]float32{out}
	for i, gr := range grads {
		targets = append(targets, gr.Data)
		values = append(values, gradValues[i])
	}
	if err := storeAll(targets, values); err != nil {
		log.Warn("Writing results failed", zap.Error(err))
		return err
	}

	log.Debug("Graph run completed",
		zap.Int("scheduled", len(p.order)),
		zap.Int("feeds", len(p.inputs)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// plan is a validated, scheduled run. It holds copies of everything it needs
// so the graph and the tensor data can change while the device works.
type plan struct {
	nodes  []node
	order  []int
	inputs map[int][]float32
	output int
	grads  []int
}

func newPlan(g *Graph, feeds []Feed, output Node, outputData *TensorData, grads []Gradient) (*plan, error) {
	if g == nil {
		return nil, errors.Wrap(ErrInvalidNode, "nil graph")
	}
	if outputData == nil {
		return nil, errors.Wrap(ErrUseAfterRelease, "nil output data")
	}
	if err := outputData.checkLive(); err != nil {
		return nil, errors.Wrap(err, "output")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	out, err := g.lookupLocked(output)
	if err != nil {
		return nil, errors.Wrap(err, "output")
	}
	if !out.shape.Equal(outputData.shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "output %s has shape %s, output data has %s",
			output, out.shape, outputData.shape)
	}

	p := &plan{
		inputs: make(map[int][]float32, len(feeds)),
		output: output.index,
		grads:  make([]int, len(grads)),
	}
	for _, f := range feeds {
		nd, err := g.lookupLocked(f.Node)
		if err != nil {
			return nil, errors.Wrap(err, "feed")
		}
		if nd.kind != KindPlaceholder {
			return nil, errors.Wrapf(ErrInvalidNode, "feed for %s, which is a %s node", f.Node, nd.kind)
		}
		if _, dup := p.inputs[f.Node.index]; dup {
			return nil, errors.Wrapf(ErrDuplicateFeed, "%s", f.Node)
		}
		if f.Data == nil {
			return nil, errors.Wrapf(ErrUseAfterRelease, "nil data for %s", f.Node)
		}
		if !nd.shape.Equal(f.Data.shape) {
			return nil, errors.Wrapf(ErrShapeMismatch, "feed for %s has shape %s, placeholder has %s",
				f.Node, f.Data.shape, nd.shape)
		}
		values, err := f.Data.ToHostArray()
		if err != nil {
			return nil, errors.Wrapf(err, "feed for %s", f.Node)
		}
		p.inputs[f.Node.index] = values
	}
	for i, gr := range grads {
		nd, err := g.lookupLocked(gr.Node)
		if err != nil {
			return nil, errors.Wrap(err, "gradient")
		}
		if gr.Data == nil {
			return nil, errors.Wrapf(ErrUseAfterRelease, "nil gradient data for %s", gr.Node)
		}
		if !nd.shape.Equal(gr.Data.shape) {
			return nil, errors.Wrapf(ErrShapeMismatch, "gradient for %s has shape %s, node has %s",
				gr.Node, gr.Data.shape, nd.shape)
		}
		if err := gr.Data.checkLive(); err != nil {
			return nil, errors.Wrapf(err, "gradient for %s", gr.Node)
		}
		p.grads[i] = gr.Node.index
	}

	// Nodes only change by being released, so a shallow copy is enough.
	p.nodes = append([]node(nil), g.nodes...)
	p.order = schedule(p.nodes, p.output)
	for _, idx := range p.order {
		nd := p.nodes[idx]
		if nd.kind == KindPlaceholder && nd.released {
			return nil, errors.Wrapf(ErrUseAfterRelease, "output depends on released placeholder node:%d", idx)
		}
		if nd.kind == KindPlaceholder && p.inputs[idx] == nil {
			return nil, errors.Wrapf(ErrMissingFeed, "placeholder node:%d of shape %s", idx, p.nodes[idx].shape)
		}
	}
	return p, nil
}

// run holds the device buffers of one execution.
type run struct {
	session *mps.Session
	plan    *plan

	values map[int]*mps.Buffer
	grads  map[int]*mps.Buffer
	owned  []*mps.Buffer
}

func (r *run) forward() error {
	r.values = make(map[int]*mps.Buffer, len(r.plan.order))
	for _, idx := range r.plan.order {
		nd := r.plan.nodes[idx]
		var (
			buf *mps.Buffer
			err error
		)
		if nd.kind == KindPlaceholder {
			buf, err = r.upload(r.plan.inputs[idx])
		} else {
			buf, err = r.allocate(nd.shape.NumElements())
		}
		if err != nil {
			return err
		}
		r.values[idx] = buf
	}

	return r.encode(func(cb *mps.CommandBuffer) error {
		for _, idx := range r.plan.order {
			nd := r.plan.nodes[idx]
			if nd.kind == KindPlaceholder {
				continue
			}
			op := mps.OpAdd
			if nd.kind == KindMultiply {
				op = mps.OpMultiply
			}
			a, b := r.values[nd.operands[0]], r.values[nd.operands[1]]
			if err := cb.EncodeElementwise(op, a, b, r.values[idx], nd.shape.NumElements()); err != nil {
				return err
			}
		}
		return nil
	})
}

// backward accumulates gradients in reverse schedule order, so every node's
// gradient is complete before it is propagated to its operands.
func (r *run) backward() error {
	r.grads = make(map[int]*mps.Buffer, len(r.plan.order))
	for _, idx := range r.plan.order {
		count := r.plan.nodes[idx].shape.NumElements()
		var (
			buf *mps.Buffer
			err error
		)
		if idx == r.plan.output {
			buf, err = r.upload(ones(count))
		} else {
			buf, err = r.allocate(count)
		}
		if err != nil {
			return err
		}
		r.grads[idx] = buf
	}

	return r.encode(func(cb *mps.CommandBuffer) error {
		for i := len(r.plan.order) - 1; i >= 0; i-- {
			idx := r.plan.order[i]
			nd := r.plan.nodes[idx]
			if nd.kind == KindPlaceholder {
				continue
			}
			count := nd.shape.NumElements()
			grad := r.grads[idx]
			a, b := nd.operands[0], nd.operands[1]

			var err error
			switch nd.kind {
			case KindAdd:
				if err = cb.EncodeElementwise(mps.OpAdd, r.grads[a], grad, r.grads[a], count); err == nil {
					err = cb.EncodeElementwise(mps.OpAdd, r.grads[b], grad, r.grads[b], count)
				}
			case KindMultiply:
				if err = cb.EncodeElementwise(mps.OpMultiplyAccumulate, grad, r.values[b], r.grads[a], count); err == nil {
					err = cb.EncodeElementwise(mps.OpMultiplyAccumulate, grad, r.values[a], r.grads[b], count)
				}
			default:
				err = errors.Wrapf(ErrInternal, "no gradient for %s", nd.kind)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// readBack copies the output and the requested gradients to host memory.
func (r *run) readBack() ([]float32, [][]float32, error) {
	out, err := r.values[r.plan.output].ReadFloat32()
	if err != nil {
		return nil, nil, err
	}
	if want := r.plan.nodes[r.plan.output].shape.NumElements(); len(out) != want {
		return nil, nil, errors.Wrapf(ErrInternal, "read %d output values, expected %d", len(out), want)
	}

	grads := make([][]float32, len(r.plan.grads))
	for i, idx := range r.plan.grads {
		want := r.plan.nodes[idx].shape.NumElements()
		buf, ok := r.grads[idx]
		if !ok {
			grads[i] = make([]float32, want)
			continue
		}
		values, err := buf.ReadFloat32()
		if err != nil {
			return nil, nil, err
		}
		if len(values) != want {
			return nil, nil, errors.Wrapf(ErrInternal, "read %d gradient values, expected %d", len(values), want)
		}
		grads[i] = values
	}
	return out, grads, nil
}

// encode fills one command buffer and runs it to completion.
func (r *run) encode(fill func(cb *mps.CommandBuffer) error) error {
	cb, err := r.session.Queue().NewCommandBuffer()
	if err != nil {
		return err
	}
	if err := fill(cb); err != nil {
		// Retire the partial buffer. It only touches buffers owned by this run.
		_ = cb.Run()
		return err
	}
	return cb.Run()
}

func (r *run) allocate(count int) (*mps.Buffer, error) {
	buf, err := r.session.Allocate(count * gpu.Float32Size)
	if err != nil {
		return nil, err
	}
	r.owned = append(r.owned, buf)
	return buf, nil
}

func (r *run) upload(values []float32) (*mps.Buffer, error) {
	buf, err := r.session.AllocateFromFloat32(values)
	if err != nil {
		return nil, err
	}
	r.owned = append(r.owned, buf)
	return buf, nil
}

func (r *run) release() {
	for _, buf := range r.owned {
		_ = buf.Release()
	}
}

func ones(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
