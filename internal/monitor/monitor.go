// Package monitor tracks one job's lifecycle over the engine's push channel,
// reconnecting on transport failures within a bounded budget.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/comfy"
	"github.com/NeuroWaifu/ComfyUI.Worker/internal/model"
)

// Conn is one established push-channel connection.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer establishes push-channel connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Probe reports whether the engine itself is still reachable. A failing probe
// aborts reconnection early instead of burning the whole budget against a
// dead engine.
type Probe func(ctx context.Context) bool

// Monitor watches a single job over the push channel. One Monitor serves one
// invocation; it is not reused.
type Monitor struct {
	dialer   Dialer
	probe    Probe
	attempts int
	delay    time.Duration
	logger   *slog.Logger

	state   atomic.Int32
	attempt atomic.Int32
}

// New creates a monitor with the given reconnect budget. probe may be nil.
func New(dialer Dialer, probe Probe, attempts int, delay time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		dialer:   dialer,
		probe:    probe,
		attempts: attempts,
		delay:    delay,
		logger:   logger.With("component", "monitor"),
	}
}

// State returns the current connection state.
func (m *Monitor) State() ConnState {
	return ConnState(m.state.Load())
}

// Attempt returns the current reconnect attempt count. It is zero whenever
// the channel is connected.
func (m *Monitor) Attempt() int {
	return int(m.attempt.Load())
}

// Outcome is the terminal result of monitoring one job.
type Outcome struct {
	// Job carries the recorded event history and final state.
	Job *model.Job
	// Outputs are the artifact references advertised during execution.
	Outputs []model.ArtifactRef
}

// Run opens the push channel at url and consumes events for promptID until a
// terminal event arrives, the context deadline fires, or the reconnect budget
// is exhausted. Events for other jobs on the shared channel are ignored and
// never buffered.
//
// The returned error is nil on Completed, an *ExecutionError on an engine
// failure event, ErrConnectionExhausted (wrapped) when reconnection gave up,
// or the context error when the deadline cancelled monitoring.
func (m *Monitor) Run(ctx context.Context, url, promptID string) (*Outcome, error) {
	job := &model.Job{ID: promptID, State: model.StateQueued}
	if deadline, ok := ctx.Deadline(); ok {
		job.Deadline = deadline
	}
	out := &Outcome{Job: job}

	m.setState(Connecting)
	conn, err := m.dialer.Dial(ctx, url)
	if err != nil {
		m.logger.Warn("push channel connect failed", "error", err)
		conn, err = m.reconnect(ctx, url)
		if err != nil {
			return out, err
		}
	}
	m.setState(Connected)
	m.logger.Info("push channel connected", "prompt_id", promptID)

	for {
		data, err := m.read(ctx, conn)
		if err != nil {
			conn.Close()
			if ctx.Err() != nil {
				// Deadline fired: the forced close above is the only
				// externally triggered cancellation.
				m.setState(Disconnected)
				return out, ctx.Err()
			}
			m.logger.Warn("push channel closed unexpectedly", "prompt_id", promptID, "error", err)
			conn, err = m.reconnect(ctx, url)
			if err != nil {
				return out, err
			}
			m.setState(Connected)
			m.logger.Info("push channel reconnected", "prompt_id", promptID)
			continue
		}

		if remaining, ok := comfy.QueueRemaining(data); ok {
			m.logger.Debug("engine status", "queue_remaining", remaining)
			continue
		}

		ev, err := comfy.DecodeEvent(data, promptID)
		if err != nil {
			m.logger.Warn("ignoring malformed push frame", "error", err)
			continue
		}
		if ev == nil {
			continue
		}

		job.Record(ev)
		if done, err := m.handle(out, ev); done {
			conn.Close()
			return out, err
		}
	}
}

// handle applies one event for the tracked job. Returns done=true on a
// terminal event, with err set for engine-reported failures.
func (m *Monitor) handle(out *Outcome, ev model.Event) (bool, error) {
	switch e := ev.(type) {
	case model.Started:
		eventsTotal.WithLabelValues("started").Inc()
		m.logger.Info("execution started", "prompt_id", out.Job.ID)

	case model.NodeProgress:
		eventsTotal.WithLabelValues("progress").Inc()
		if e.Max > 0 {
			nodeProgress.Set(float64(e.Value) / float64(e.Max))
		}
		m.logger.Debug("node progress", "node", e.Node, "value", e.Value, "max", e.Max)

	case model.NodeExecuted:
		eventsTotal.WithLabelValues("executed").Inc()
		out.Outputs = append(out.Outputs, e.Outputs...)
		m.logger.Debug("node executed", "node", e.Node, "artifacts", len(e.Outputs))

	case model.Completed:
		eventsTotal.WithLabelValues("completed").Inc()
		out.Outputs = append(out.Outputs, e.Outputs...)
		m.logger.Info("execution finished", "prompt_id", out.Job.ID, "artifacts", len(out.Outputs))
		return true, nil

	case model.ExecError:
		eventsTotal.WithLabelValues("error").Inc()
		m.logger.Error("execution error", "prompt_id", out.Job.ID, "node_id", e.NodeID, "message", e.Message)
		return true, &ExecutionError{NodeID: e.NodeID, NodeType: e.NodeType, Message: e.Message}
	}
	return false, nil
}

// read blocks on the next text frame. The context guard closes the connection
// when the deadline fires, which unblocks ReadMessage with an error; callers
// distinguish deadline from transport failure via ctx.Err().
func (m *Monitor) read(ctx context.Context, conn Conn) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Binary frames carry live previews; only text frames carry events.
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

// reconnect retries the dial up to the configured budget, waiting the
// configured delay between attempts. A successful dial resets the attempt
// counter to zero. Exhausting the budget (or losing the engine entirely, per
// the probe) transitions to GaveUp.
func (m *Monitor) reconnect(ctx context.Context, url string) (Conn, error) {
	if m.attempts <= 0 {
		m.setState(GaveUp)
		gaveUpTotal.Inc()
		return nil, fmt.Errorf("reconnection disabled (0 attempts configured): %w", ErrConnectionExhausted)
	}

	var lastErr error

	for attempt := 1; attempt <= m.attempts; attempt++ {
		m.setState(Reconnecting)
		m.attempt.Store(int32(attempt))
		reconnectsTotal.Inc()

		if m.probe != nil && !m.probe(ctx) {
			m.setState(GaveUp)
			return nil, fmt.Errorf("engine unreachable during reconnect: %w", ErrConnectionExhausted)
		}

		m.logger.Info("reconnect attempt", "attempt", attempt, "max", m.attempts)
		conn, err := m.dialer.Dial(ctx, url)
		if err == nil {
			m.attempt.Store(0)
			return conn, nil
		}
		lastErr = err
		m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)

		if attempt < m.attempts {
			select {
			case <-ctx.Done():
				m.setState(Disconnected)
				return nil, ctx.Err()
			case <-time.After(m.delay):
			}
		}
	}

	m.setState(GaveUp)
	gaveUpTotal.Inc()
	return nil, fmt.Errorf("reconnect failed after %d attempts: %v: %w", m.attempts, lastErr, ErrConnectionExhausted)
}

func (m *Monitor) setState(s ConnState) {
	m.state.Store(int32(s))
}
