package dispatch

import (
	"context"
	"errors"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atsika/distinfer/internal/modelconfig"
	"github.com/atsika/distinfer/internal/protocol"
	"github.com/atsika/distinfer/internal/registry"
	"github.com/atsika/distinfer/internal/stats"
	"github.com/atsika/distinfer/internal/transport"
)

// fakeWorker wires a registry.Worker over a net.Pipe whose far end the test
// drives directly, standing in for the remote compute kernel.
func fakeWorker(t *testing.T, reg *registry.Registry, id byte) (*registry.Worker, *transport.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	w := reg.Add(transport.New(server))
	require.NoError(t, reg.Reassign(w, id))
	return w, transport.New(client)
}

func singleConvLayer() (modelconfig.LayerConfig, modelconfig.QuantParams) {
	layer := modelconfig.LayerConfig{
		Name: "conv0", Type: modelconfig.Conv, LayerIdx: 0,
		InChannels: 1, OutChannels: 1, KernelSize: 1, Stride: 1, Padding: 0, Groups: 1,
	}
	quant := modelconfig.QuantParams{SIn: 1, ZIn: 0, SOut: 1, ZOut: 0}
	return layer, quant
}

func TestExecuteInferenceSingleConvLayerOneWorker(t *testing.T) {
	reg := registry.New()
	w0, client0 := fakeWorker(t, reg, 0)

	errCh := make(chan error, 1)
	go func() {
		_, body, err := client0.Recv(time.Second, time.Second)
		if err != nil {
			errCh <- err
			return
		}
		task, err := protocol.DecodeTask(body)
		if err != nil {
			errCh <- err
			return
		}
		out := make([]byte, len(task.Input))
		for i, b := range task.Input {
			out[i] = b // identity kernel=1,stride=1,padding=0
		}
		errCh <- client0.Send(0, protocol.MsgResult, protocol.EncodeResult(protocol.Result{ComputeTimeUs: 42, Output: out}))
	}()

	engine := NewEngine(reg, stats.NewCollector(nil), WithHeaderTimeout(time.Second), WithBodyTimeout(time.Second))
	layer, quant := singleConvLayer()

	input := []float64{1, 2, 3, 4}
	fm, runStats, err := engine.ExecuteInference(context.Background(), []*registry.Worker{w0},
		input, 1, 2, 2, []modelconfig.LayerConfig{layer}, []modelconfig.QuantParams{quant})
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, []byte{1, 2, 3, 4}, fm.Data)
	assert.Equal(t, 1, fm.C)
	assert.Equal(t, 2, fm.H)
	assert.Equal(t, 2, fm.W)
	require.Len(t, runStats.Layers, 1)
	assert.Equal(t, "conv0", runStats.Layers[0].Name)
	assert.Equal(t, registry.Idle, w0.State())
}

// TestExecuteInferenceCyclesWorkerBusyIdleBetweenLayers asserts the per-task
// state cycling spec §4.3/§9 names: a worker must fall back to IDLE between
// layers, not stay BUSY for the whole run.
func TestExecuteInferenceCyclesWorkerBusyIdleBetweenLayers(t *testing.T) {
	reg := registry.New()
	w0, client0 := fakeWorker(t, reg, 0)

	observed := make(chan registry.State, 64)
	stopPoll := make(chan struct{})
	go func() {
		last := registry.State(-1)
		for {
			select {
			case <-stopPoll:
				return
			default:
			}
			if s := w0.State(); s != last {
				observed <- s
				last = s
			}
			runtime.Gosched()
		}
	}()

	serveLayer := func() {
		_, body, err := client0.Recv(time.Second, time.Second)
		require.NoError(t, err)
		task, err := protocol.DecodeTask(body)
		require.NoError(t, err)
		out := make([]byte, len(task.Input))
		copy(out, task.Input)
		require.NoError(t, client0.Send(0, protocol.MsgResult, protocol.EncodeResult(protocol.Result{Output: out})))
	}
	go func() {
		serveLayer()
		serveLayer()
	}()

	engine := NewEngine(reg, stats.NewCollector(nil), WithHeaderTimeout(time.Second), WithBodyTimeout(time.Second))
	layer0, quant0 := singleConvLayer()
	layer1, quant1 := layer0, quant0
	layer1.Name, layer1.LayerIdx = "conv1", 1

	input := []float64{1, 2, 3, 4}
	fm, runStats, err := engine.ExecuteInference(context.Background(), []*registry.Worker{w0},
		input, 1, 2, 2, []modelconfig.LayerConfig{layer0, layer1}, []modelconfig.QuantParams{quant0, quant1})
	require.NoError(t, err)
	require.Len(t, runStats.Layers, 2)
	assert.Equal(t, []byte{1, 2, 3, 4}, fm.Data)

	close(stopPoll)
	var seq []registry.State
	draining := true
	for draining {
		select {
		case s := <-observed:
			seq = append(seq, s)
		default:
			draining = false
		}
	}

	idleCount := 0
	for _, s := range seq {
		if s == registry.Idle {
			idleCount++
		}
	}
	assert.GreaterOrEqual(t, idleCount, 1, "worker should have returned to IDLE between layers, got state sequence %v", seq)
	assert.Equal(t, registry.Idle, w0.State())
}

func TestExecuteInferenceAbortsOnWorkerTimeout(t *testing.T) {
	reg := registry.New()
	w0, client0 := fakeWorker(t, reg, 0)
	w1, client1 := fakeWorker(t, reg, 1)

	// worker-1 receives its TASK (so the engine's Send does not block
	// forever on the unbuffered pipe) but its reader never delivers a
	// RESULT, simulating a stalled compute kernel.
	go func() {
		_, _, _ = client1.Recv(time.Second, time.Second)
	}()

	// net.Pipe is unbuffered, so the abort path's SHUTDOWN write to worker-0
	// blocks until this end reads it: worker-0 reads it right after
	// replying, while the engine is still inside ExecuteInference.
	var shutdownHdr protocol.Header
	shutdownErr := errors.New("worker-0 never reached its SHUTDOWN read")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, body, err := client0.Recv(time.Second, time.Second)
		if err != nil {
			return
		}
		task, err := protocol.DecodeTask(body)
		if err != nil {
			return
		}
		out := make([]byte, len(task.Input))
		copy(out, task.Input)
		_ = client0.Send(0, protocol.MsgResult, protocol.EncodeResult(protocol.Result{Output: out}))
		shutdownHdr, _, shutdownErr = client0.Recv(time.Second, time.Second)
	}()

	engine := NewEngine(reg, stats.NewCollector(nil), WithHeaderTimeout(30*time.Millisecond), WithBodyTimeout(30*time.Millisecond))
	layer := modelconfig.LayerConfig{
		Name: "conv0", Type: modelconfig.Conv, LayerIdx: 0,
		InChannels: 1, OutChannels: 1, KernelSize: 1, Stride: 1, Padding: 0, Groups: 1,
	}
	quant := modelconfig.QuantParams{SIn: 1, ZIn: 0, SOut: 1, ZOut: 0}

	input := []float64{1, 2, 3, 4}
	_, _, err := engine.ExecuteInference(context.Background(), []*registry.Worker{w0, w1},
		input, 1, 2, 2, []modelconfig.LayerConfig{layer}, []modelconfig.QuantParams{quant})

	require.Error(t, err)
	aborted, ok := err.(*AbortedError)
	require.True(t, ok, "expected *AbortedError, got %T", err)
	assert.Equal(t, 0, aborted.LayerIdx)

	<-done

	// worker-1 was dropped from the registry on timeout; worker-0 survives
	// and should receive the SHUTDOWN broadcast the abort path issues.
	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, byte(0), snap[0].ID())

	require.NoError(t, shutdownErr)
	assert.Equal(t, protocol.MsgShutdown, shutdownHdr.Type)
}
