// Package dispatch implements the Dispatch Engine (C7): it drives
// execute_inference end to end — quantizing the input, walking the layer
// list, calling the Layer Partitioner to slice each layer across the
// worker pool, sending and gathering TASK/RESULT frames in parallel via
// golang.org/x/sync/errgroup, stitching per-worker patches back into a
// single FeatureMap, and applying residual adds across rescaling.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atsika/distinfer/internal/modelconfig"
	"github.com/atsika/distinfer/internal/partition"
	"github.com/atsika/distinfer/internal/protocol"
	"github.com/atsika/distinfer/internal/registry"
	"github.com/atsika/distinfer/internal/stats"
)

// Default header/body timeouts bound how long the engine waits for a
// worker's RESULT once a TASK has been sent: 60s for the header, matching
// the worker-timeout scenario, then 10s for the bulk payload.
const (
	DefaultHeaderTimeout = 60 * time.Second
	DefaultBodyTimeout   = 10 * time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// WithHeaderTimeout overrides how long the engine waits for a RESULT/ERROR
// header once a TASK has been sent to a worker.
func WithHeaderTimeout(d time.Duration) Option {
	return func(e *Engine) { e.headerTimeout = d }
}

// WithBodyTimeout overrides how long the engine waits for a RESULT/ERROR
// payload once its header has arrived.
func WithBodyTimeout(d time.Duration) Option {
	return func(e *Engine) { e.bodyTimeout = d }
}

// Engine owns no state across calls to ExecuteInference beyond the
// registry and stats collector it was built with; everything else
// (feature map, residual buffers, per-worker id maps) lives on the call
// stack of a single inference.
type Engine struct {
	reg           *registry.Registry
	collector     *stats.Collector
	headerTimeout time.Duration
	bodyTimeout   time.Duration
}

// NewEngine builds an Engine against reg and collector, applying opts over
// the default timeouts.
func NewEngine(reg *registry.Registry, collector *stats.Collector, opts ...Option) *Engine {
	e := &Engine{
		reg:           reg,
		collector:     collector,
		headerTimeout: DefaultHeaderTimeout,
		bodyTimeout:   DefaultBodyTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteInference drives one full inference run over workers, a pool the
// caller (the Orchestrator) selected via Registry.WaitForIdle/IdleSnapshot.
// Each worker cycles IDLE->BUSY->IDLE per task inside sendRecv, not once for
// the whole run: spec §4.3's state machine only has a worker BUSY while a
// TASK is actually outstanding, including the gaps between layers. It
// returns the final feature map and the per-layer stats collected along the
// way.
//
// On any layer failure the engine broadcasts SHUTDOWN to every worker still
// registered and returns an *AbortedError naming the layer index and cause,
// per the worker-timeout scenario.
func (e *Engine) ExecuteInference(ctx context.Context, workers []*registry.Worker, input []float64, c, h, w int, layers []modelconfig.LayerConfig, quants []modelconfig.QuantParams) (FeatureMap, *stats.RunStats, error) {
	if len(layers) == 0 {
		return FeatureMap{}, nil, fmt.Errorf("dispatch: no layers to run")
	}
	if len(layers) != len(quants) {
		return FeatureMap{}, nil, fmt.Errorf("dispatch: %d layers but %d quant params", len(layers), len(quants))
	}
	if len(workers) == 0 {
		return FeatureMap{}, nil, partition.ErrNoWorkers
	}

	workerIDs := make([]byte, len(workers))
	workerByID := make(map[byte]*registry.Worker, len(workers))
	for i, wk := range workers {
		workerIDs[i] = wk.ID()
		workerByID[wk.ID()] = wk
	}

	runStats := e.collector.NewRun(uuid.NewString())

	featureMap := FeatureMap{
		Data: QuantizeTensor(input, quants[0].SIn, quants[0].ZIn),
		C:    c, H: h, W: w,
	}

	residuals := make(map[string]residualEntry)

	for idx, layer := range layers {
		if err := ctx.Err(); err != nil {
			e.reg.Shutdown()
			return FeatureMap{}, runStats, &AbortedError{LayerIdx: idx, Cause: err}
		}

		quant := quants[idx]
		layerStart := time.Now()

		if layer.ResidualAddTo != nil {
			residuals[*layer.ResidualAddTo] = residualEntry{
				fm:   featureMap.clone(),
				sIn:  quant.SIn,
				zIn:  quant.ZIn,
			}
		}

		if layer.Type == modelconfig.FC && !featureMap.Is1D() {
			pooled := partition.GlobalAveragePool(featureMap.Data, featureMap.C, featureMap.H, featureMap.W)
			featureMap = FeatureMap{Data: pooled, C: featureMap.C}
		}

		var (
			next        FeatureMap
			workerStats []stats.WorkerStat
			err         error
		)
		if layer.Type == modelconfig.FC {
			next, workerStats, err = e.dispatchFC(ctx, layer, featureMap, workerIDs, workerByID)
		} else {
			next, workerStats, err = e.dispatchConv(ctx, layer, quant, featureMap, workerIDs, workerByID)
		}
		if err != nil {
			e.reg.Shutdown()
			return FeatureMap{}, runStats, &AbortedError{LayerIdx: idx, Cause: err}
		}
		featureMap = next

		if layer.ResidualConnectFrom != nil {
			tag := *layer.ResidualConnectFrom
			saved, ok := residuals[tag]
			if !ok {
				e.reg.Shutdown()
				return FeatureMap{}, runStats, &AbortedError{LayerIdx: idx, Cause: fmt.Errorf("%w: %q", ErrMissingResidual, tag)}
			}
			if quant.SResidualOut == nil || quant.ZResidualOut == nil {
				e.reg.Shutdown()
				return FeatureMap{}, runStats, &AbortedError{LayerIdx: idx, Cause: fmt.Errorf("dispatch: layer %d has residual_connect_from but no residual output scale", idx)}
			}
			data, err := residualAdd(saved, featureMap, quant.SOut, quant.ZOut, *quant.SResidualOut, *quant.ZResidualOut)
			if err != nil {
				e.reg.Shutdown()
				return FeatureMap{}, runStats, &AbortedError{LayerIdx: idx, Cause: err}
			}
			featureMap = FeatureMap{Data: data, C: featureMap.C, H: featureMap.H, W: featureMap.W}
			delete(residuals, tag)
		}

		runStats.AddLayer(stats.LayerStat{
			LayerIdx: idx,
			Name:     layer.Name,
			WallTime: time.Since(layerStart),
			Workers:  workerStats,
		})
	}

	return featureMap, runStats, nil
}

// dispatchConv partitions a CONV/DEPTHWISE/POINTWISE layer by output rows,
// fans the resulting tasks out over workerIDs with one errgroup goroutine
// per slice, and stitches the gathered patches back into a (C,H,W) tensor.
func (e *Engine) dispatchConv(ctx context.Context, layer modelconfig.LayerConfig, quant modelconfig.QuantParams, fm FeatureMap, workerIDs []byte, workerByID map[byte]*registry.Worker) (FeatureMap, []stats.WorkerStat, error) {
	outH, outW := partition.ConvOutDims(fm.H, fm.W, layer.KernelSize, layer.Stride, layer.Padding)
	padded, paddedH, paddedW := partition.PadConstant(fm.Data, fm.C, fm.H, fm.W, layer.Padding, byte(quant.ZIn))

	tasks, err := partition.BuildConvTasks(layer, quant, padded, fm.C, paddedH, paddedW, outH, outW, workerIDs)
	if err != nil {
		return FeatureMap{}, nil, err
	}

	out := make([]byte, layer.OutChannels*outH*outW)
	workerStats := make([]stats.WorkerStat, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			wk, ok := workerByID[t.WorkerID]
			if !ok {
				return fmt.Errorf("%w: worker %d not in pool", ErrProtocolViolation, t.WorkerID)
			}
			res, err := e.sendRecv(gctx, wk, t.Message)
			if err != nil {
				return err
			}
			want := layer.OutChannels * (t.Rows.R1 - t.Rows.R0) * outW
			if len(res.output) != want {
				return fmt.Errorf("%w: worker %d returned %d bytes, want %d", ErrProtocolViolation, t.WorkerID, len(res.output), want)
			}
			stitchRows(out, res.output, layer.OutChannels, outH, outW, t.Rows)
			workerStats[i] = res.stat
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return FeatureMap{}, nil, err
	}

	return FeatureMap{Data: out, C: layer.OutChannels, H: outH, W: outW}, workerStats, nil
}

// dispatchFC partitions an FC layer by output class and broadcasts the full
// (already 1D) activation to every worker, each of which computes only its
// assigned classes.
func (e *Engine) dispatchFC(ctx context.Context, layer modelconfig.LayerConfig, fm FeatureMap, workerIDs []byte, workerByID map[byte]*registry.Worker) (FeatureMap, []stats.WorkerStat, error) {
	tasks, err := partition.BuildFCTasks(layer, fm.Data, len(fm.Data), workerIDs)
	if err != nil {
		return FeatureMap{}, nil, err
	}

	out := make([]byte, layer.OutChannels)
	workerStats := make([]stats.WorkerStat, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			wk, ok := workerByID[t.WorkerID]
			if !ok {
				return fmt.Errorf("%w: worker %d not in pool", ErrProtocolViolation, t.WorkerID)
			}
			res, err := e.sendRecv(gctx, wk, t.Message)
			if err != nil {
				return err
			}
			want := t.Classes.C1 - t.Classes.C0
			if len(res.output) != want {
				return fmt.Errorf("%w: worker %d returned %d bytes, want %d", ErrProtocolViolation, t.WorkerID, len(res.output), want)
			}
			copy(out[t.Classes.C0:t.Classes.C1], res.output)
			workerStats[i] = res.stat
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return FeatureMap{}, nil, err
	}

	return FeatureMap{Data: out, C: layer.OutChannels}, workerStats, nil
}

// stitchRows writes a (outChannels, r1-r0, outW) patch into its row-band of
// a (outChannels, outH, outW) destination buffer.
func stitchRows(dst, patch []byte, outChannels, outH, outW int, rows partition.RowRange) {
	rowCount := rows.R1 - rows.R0
	for ch := 0; ch < outChannels; ch++ {
		srcBase := ch * rowCount * outW
		dstBase := ch*outH*outW + rows.R0*outW
		copy(dst[dstBase:dstBase+rowCount*outW], patch[srcBase:srcBase+rowCount*outW])
	}
}

// workerResult is what sendRecv gathers from one worker's TASK/RESULT
// round trip.
type workerResult struct {
	output []byte
	stat   stats.WorkerStat
}

// sendRecv sends one TASK to wk and waits for its RESULT (or ERROR),
// classifying every failure mode spec §7 names: a transport failure or
// timeout removes the worker from the registry; an ERROR payload becomes
// an ErrWorkerError; an unexpected message type becomes ErrProtocolViolation.
func (e *Engine) sendRecv(ctx context.Context, wk *registry.Worker, task protocol.Task) (workerResult, error) {
	if err := ctx.Err(); err != nil {
		return workerResult{}, err
	}

	if err := e.reg.MarkBusy(wk); err != nil {
		return workerResult{}, fmt.Errorf("worker %d: mark busy: %w", wk.ID(), err)
	}

	payload := protocol.EncodeTask(task)
	sendStart := time.Now()
	if err := wk.Conn().Send(wk.ID(), protocol.MsgTask, payload); err != nil {
		e.reg.Remove(wk)
		return workerResult{}, fmt.Errorf("worker %d: send task: %w", wk.ID(), err)
	}
	sendTime := time.Since(sendStart)
	e.collector.Metrics().IncrementTasksSent()
	e.collector.Metrics().IncrementBytesSent(int64(len(payload)))

	recvStart := time.Now()
	hdr, body, err := wk.Conn().Recv(e.headerTimeout, e.bodyTimeout)
	if err != nil {
		e.reg.Remove(wk)
		return workerResult{}, fmt.Errorf("worker %d: recv result: %w", wk.ID(), err)
	}
	recvTime := time.Since(recvStart)
	e.reg.Touch(wk)

	switch hdr.Type {
	case protocol.MsgResult:
		res, err := protocol.DecodeResult(body)
		if err != nil {
			e.reg.Remove(wk)
			return workerResult{}, fmt.Errorf("worker %d: decode result: %w", wk.ID(), err)
		}
		e.collector.Metrics().IncrementResultsReceived()
		e.collector.Metrics().IncrementBytesReceived(int64(len(body)))
		e.reg.MarkIdle(wk)
		return workerResult{
			output: res.Output,
			stat: stats.WorkerStat{
				WorkerID:    wk.ID(),
				SendTime:    sendTime,
				RecvTime:    recvTime,
				ComputeTime: time.Duration(res.ComputeTimeUs) * time.Microsecond,
			},
		}, nil
	case protocol.MsgError:
		we, derr := protocol.DecodeError(body)
		e.reg.Remove(wk)
		if derr != nil {
			return workerResult{}, fmt.Errorf("worker %d: decode error payload: %w", wk.ID(), derr)
		}
		return workerResult{}, fmt.Errorf("%w: worker %d: code=%d %s", ErrWorkerError, wk.ID(), we.Code, we.Description)
	default:
		e.reg.Remove(wk)
		return workerResult{}, fmt.Errorf("%w: worker %d: unexpected message type %s", ErrProtocolViolation, wk.ID(), hdr.Type)
	}
}
