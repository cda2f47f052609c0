package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gemelolabs/gemelo-agent/internal/config"
	"github.com/gemelolabs/gemelo-agent/internal/deploy"
)

// signalPollBudget is the number of deploy-signal polls after pairing.
// Deliberately a separate axis from MaxRetries: the probe budget is
// configurable, the signal wait is not.
const signalPollBudget = 30

// Machine is the pairing and deploy state machine. It probes for a twin
// instance, waits for a deploy signal once paired, then fetches and
// launches the configured artifacts. All phases run on one goroutine;
// observers follow along through the event bus.
//
// A Machine is single-owner and not meant to be driven from concurrent
// callers. Each Start bumps a run generation; a goroutine from an older
// generation halts at its next checkpoint, so a Stop/Start cycle cannot
// leave two loops alive.
type Machine struct {
	cfg       *config.Config
	botID     string
	client    *Client
	artifacts *deploy.Deployer
	bus       *Bus
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	retries int
	stopped atomic.Bool
	gen     atomic.Uint64
}

// New wires a Machine for the given identity. The ping URL is derived
// from BaseURL and botID unless the configuration supplies one.
func New(cfg *config.Config, botID string, logger *slog.Logger) *Machine {
	bus := NewBus()
	m := &Machine{
		cfg:    cfg,
		botID:  botID,
		client: NewClient(cfg.BaseURL, cfg.PingURL, botID, cfg.InternalCode, cfg.ConnectTimeout, logger),
		bus:    bus,
		logger: logger,
		state:  StateIdle,
	}
	m.artifacts = deploy.New(cfg.DeployDir, cfg.LaunchCommand, cfg.ArtifactURLs, logger, func(event string, payload any) {
		m.publish(event, payload)
	})
	return m
}

// BotID reports the agent's own identifier.
func (m *Machine) BotID() string { return m.botID }

// State reports the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers an event observer. See Bus.Subscribe.
func (m *Machine) Subscribe(buffer int) (<-chan Event, func()) {
	return m.bus.Subscribe(buffer)
}

// Start resets the retry counter and the stop flag, transitions to
// searching and runs the machine asynchronously. It does not block and
// surfaces no errors; everything downstream is reported through events.
// Safe to call after a prior Stop or from error state.
func (m *Machine) Start(ctx context.Context) {
	gen := m.gen.Add(1)
	m.stopped.Store(false)

	m.mu.Lock()
	m.retries = 0
	m.state = StateSearching
	m.mu.Unlock()
	m.publish(EventStateChange, StateSearching)

	m.logger.Info("pairing started", "ping_url", m.client.PingURL(), "max_retries", m.cfg.MaxRetries)
	go m.run(ctx, gen)
}

// Stop flips the stop flag and moves to idle immediately. In-flight
// network calls are not aborted; their results are discarded once they
// resolve because the flag is checked before every further transition.
func (m *Machine) Stop() {
	m.stopped.Store(true)

	m.mu.Lock()
	already := m.state == StateIdle
	m.state = StateIdle
	m.mu.Unlock()

	if !already {
		m.publish(EventStateChange, StateIdle)
	}
	m.logger.Info("pairing stopped")
}

// Close shuts down the event bus. Call after the machine is stopped.
func (m *Machine) Close() {
	m.bus.Close()
}

// WakeUpGemelo asks the coordination service to initiate pairing toward
// this agent. Only meaningful while listening; a strict no-op otherwise.
// Failure is reported as a non-fatal event and changes no state.
func (m *Machine) WakeUpGemelo(ctx context.Context) error {
	if m.State() != StateListening {
		return nil
	}

	if err := m.client.Wake(ctx); err != nil {
		m.logger.Warn("wake request failed", "err", err)
		m.publish(EventWakeError, err)
		return err
	}
	m.logger.Info("wake request sent", "bot_id", m.botID)
	return nil
}

// halted reports whether this run must make no further progress: either
// Stop was called, or a newer Start superseded it.
func (m *Machine) halted(gen uint64) bool {
	return m.stopped.Load() || m.gen.Load() != gen
}

// run executes the sequential phases: probe loop, signal wait, deploy.
func (m *Machine) run(ctx context.Context, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			m.fail(gen, fmt.Errorf("pairing run panicked: %v", r))
		}
	}()

	peerID, found := m.probeLoop(ctx, gen)
	if !found {
		return
	}

	m.publish(EventGemeloFound, peerID)
	m.logger.Info("gemelo found", "peer", peerID)

	if !m.transition(gen, StateConnected) {
		return
	}
	m.publish(EventConnected, nil)

	// The signal wait and the deploy sequence share the deploying state.
	if !m.transition(gen, StateDeploying) {
		return
	}
	m.publish(EventWaitingDeploySignal, nil)

	if !m.waitForSignal(ctx, gen) {
		return
	}

	m.publish(EventDeployStart, nil)
	if err := m.artifacts.Run(ctx); err != nil {
		m.fail(gen, fmt.Errorf("deploy: %w", err))
		return
	}

	// Terminal success: the machine rests in deploying.
	m.publish(EventDeploySuccess, nil)
	m.logger.Info("deploy complete")
}

// probeLoop attempts to find a twin until success, stop, or retry
// exhaustion. Exhaustion is not a failure: the machine settles into
// listening and may be woken manually.
func (m *Machine) probeLoop(ctx context.Context, gen uint64) (string, bool) {
	for attempt := 1; ; attempt++ {
		if m.halted(gen) {
			return "", false
		}
		m.publish(EventAttempt, attempt)

		peerID, found := m.client.ProbeOnce(ctx)
		if m.halted(gen) {
			// Result arrived after Stop; discard it.
			return "", false
		}
		if found {
			return peerID, true
		}

		m.mu.Lock()
		m.retries++
		n := m.retries
		m.mu.Unlock()
		m.publish(EventRetrying, n)
		m.logger.Debug("gemelo not found", "attempt", attempt, "retries", n)

		if n >= m.cfg.MaxRetries {
			if m.transition(gen, StateListening) {
				m.publish(EventListening, nil)
				m.logger.Info("retry budget exhausted, listening for wake")
			}
			return "", false
		}

		if !m.sleep(ctx, gen) {
			return "", false
		}
	}
}

// waitForSignal polls the deploy-signal endpoint until approval or the
// poll budget runs out. Poll failures are non-fatal; they consume budget
// like any other unapproved poll. Exhaustion is fatal.
func (m *Machine) waitForSignal(ctx context.Context, gen uint64) bool {
	for poll := 1; poll <= signalPollBudget; poll++ {
		if m.halted(gen) {
			return false
		}

		approved, err := m.client.DeploySignal(ctx)
		if m.halted(gen) {
			return false
		}
		if err != nil {
			m.logger.Warn("deploy signal poll failed", "poll", poll, "err", err)
			m.publish(EventSignalPollError, err)
		} else if approved {
			m.publish(EventDeploySignalReceived, nil)
			m.logger.Info("deploy signal received", "poll", poll)
			return true
		}

		if poll < signalPollBudget && !m.sleep(ctx, gen) {
			return false
		}
	}

	m.publish(EventDeploySignalTimeout, nil)
	m.fail(gen, fmt.Errorf("no deploy signal after %d polls", signalPollBudget))
	return false
}

// transition moves to s and emits stateChange, unless this run was
// stopped or superseded in the meantime.
func (m *Machine) transition(gen uint64, s State) bool {
	m.mu.Lock()
	if m.halted(gen) {
		m.mu.Unlock()
		return false
	}
	m.state = s
	m.mu.Unlock()

	m.publish(EventStateChange, s)
	return true
}

// fail funnels every fatal condition through one place: record the error
// state and emit the error event with its cause.
func (m *Machine) fail(gen uint64, cause error) {
	if !m.transition(gen, StateError) {
		return
	}
	m.logger.Error("pairing failed", "err", cause)
	m.publish(EventError, cause)
}

// sleep waits one retry interval. Returns false if the run was halted or
// the context cancelled during the wait.
func (m *Machine) sleep(ctx context.Context, gen uint64) bool {
	t := time.NewTimer(m.cfg.RetryInterval)
	defer t.Stop()

	select {
	case <-t.C:
		return !m.halted(gen)
	case <-ctx.Done():
		return false
	}
}

func (m *Machine) publish(name string, payload any) {
	m.bus.Publish(Event{Name: name, Payload: payload})
}
