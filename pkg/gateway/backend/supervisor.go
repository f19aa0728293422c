// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

type restartRequest struct {
	reason string
	// result receives the outcome; nil for automatic restarts.
	result chan<- error
}

// supervisor owns the state machine and the channel of one backend. All
// transitions happen under mu; probes, launches and restarts run on the
// supervisor goroutine only.
type supervisor struct {
	name string
	desc gateway.BackendDescriptor
	m    *Manager

	restartCh chan restartRequest
	cancel    context.CancelFunc
	done      chan struct{}
	// after, when set, is closed once the supervisor this one replaces
	// has exited. Nothing is launched before that.
	after <-chan struct{}

	mu        sync.Mutex
	state     State
	since     time.Time
	conn      Connection
	failures  int
	restarts  int
	lastErr   string
	lastProbe time.Time
	inflight  int
	draining  bool
	idle      chan struct{}
}

func newSupervisor(m *Manager, desc gateway.BackendDescriptor) *supervisor {
	return &supervisor{
		name:      desc.Name,
		desc:      desc,
		m:         m,
		restartCh: make(chan restartRequest, 1),
		done:      make(chan struct{}),
		state:     StateStopped,
		since:     time.Now(),
	}
}

func (s *supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.shutdown()

	if s.after != nil {
		<-s.after
		if ctx.Err() != nil {
			return
		}
	}

	s.boot(ctx)

	var (
		timer *time.Timer
		tick  <-chan time.Time
	)
	if s.m.policy.HealthChecksEnabled {
		timer = time.NewTimer(s.nextCheck())
		defer timer.Stop()
		tick = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.checkHealth(ctx)
			timer.Reset(s.nextCheck())
		case req := <-s.restartCh:
			err := s.restart(ctx, req.reason)
			if req.result != nil {
				req.result <- err
			}
		}
	}
}

// stop cancels the supervisor and waits for it to exit.
func (s *supervisor) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *supervisor) boot(ctx context.Context) {
	s.transition(StateStarting, "launch")

	conn, err := s.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.recordError(err)
		if errors.Is(err, gateway.ErrInstallFailure) || !s.m.policy.AutoRestart {
			logger.Errorw("backend failed to launch", "backend", s.name, "error", err)
			s.transition(StateFailed, "launch failed")
			return
		}
		logger.Warnw("backend failed to launch, restarting", "backend", s.name, "error", err)
		_ = s.restart(ctx, "launch failed")
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if !s.m.policy.HealthChecksEnabled {
		s.transition(StateHealthy, "initialized")
		return
	}
	s.checkHealth(ctx)
}

// connect resolves, dials and starts a new channel.
func (s *supervisor) connect(ctx context.Context) (Connection, error) {
	spec, err := s.m.launcher.Resolve(s.desc)
	if err != nil {
		if !errors.Is(err, gateway.ErrInstallFailure) {
			err = fmt.Errorf("%w: %v", gateway.ErrInstallFailure, err)
		}
		return nil, err
	}

	conn, err := s.m.dialer.Dial(s.name, spec)
	if err != nil {
		return nil, err
	}

	startCtx, cancel := context.WithTimeout(ctx, s.m.policy.StartTimeout)
	defer cancel()
	if err := conn.Start(startCtx); err != nil {
		s.closeConn(conn)
		return nil, err
	}
	return conn, nil
}

func (s *supervisor) probe(ctx context.Context, conn Connection) error {
	timeout := s.desc.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Probe(probeCtx, s.desc.HealthCheck)
}

func (s *supervisor) probeInterval() time.Duration {
	if s.desc.HealthCheck.Interval > 0 {
		return s.desc.HealthCheck.Interval
	}
	return defaultProbeInterval
}

// nextCheck returns the delay until the next health check. A backend that
// has not passed its first check yet is retried sooner than the configured
// interval.
func (s *supervisor) nextCheck() time.Duration {
	interval := s.probeInterval()
	s.mu.Lock()
	starting := s.state == StateStarting
	s.mu.Unlock()
	if starting {
		return min(interval, startingCheckInterval)
	}
	return interval
}

// checkHealth probes the current channel and applies the outcome.
func (s *supervisor) checkHealth(ctx context.Context) {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()

	switch state {
	case StateStarting, StateHealthy, StateUnhealthy:
	default:
		return
	}
	if conn == nil {
		return
	}

	err := s.probe(ctx, conn)
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	s.lastProbe = time.Now()
	if err == nil {
		s.failures = 0
		if s.state == StateStarting || s.state == StateUnhealthy {
			s.transitionLocked(StateHealthy, "probe succeeded")
		}
		s.mu.Unlock()
		return
	}

	s.failures++
	s.lastErr = err.Error()
	logger.Debugw("backend probe failed", "backend", s.name, "failures", s.failures, "error", err)
	if s.failures >= s.m.policy.UnhealthyThreshold && (s.state == StateStarting || s.state == StateHealthy) {
		s.transitionLocked(StateUnhealthy, "probe failures")
	}
	needRestart := s.state == StateUnhealthy && s.m.policy.AutoRestart
	s.mu.Unlock()

	if needRestart {
		_ = s.restart(ctx, "unhealthy")
	}
}

func (s *supervisor) reportFailure(err error) {
	s.mu.Lock()
	if s.state != StateHealthy {
		s.mu.Unlock()
		return
	}
	s.failures++
	if err != nil {
		s.lastErr = err.Error()
	}
	trigger := false
	if s.failures >= s.m.policy.UnhealthyThreshold {
		s.transitionLocked(StateUnhealthy, "request failures")
		trigger = s.m.policy.AutoRestart
	}
	s.mu.Unlock()

	if trigger {
		select {
		case s.restartCh <- restartRequest{reason: "request failures"}:
		default:
			// A restart is already queued.
		}
	}
}

// restart tears down the channel and relaunches it with exponential backoff.
// After MaxRestartAttempts consecutive failures the backend is Failed.
func (s *supervisor) restart(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return fmt.Errorf("%w: backend %s is draining", gateway.ErrBackendUnavailable, s.name)
	}
	old := s.conn
	s.conn = nil
	s.transitionLocked(StateRestarting, reason)
	s.mu.Unlock()
	s.closeConn(old)

	attempts := 0
	operation := func() (Connection, error) {
		attempts++
		conn, err := s.connect(ctx)
		if err != nil {
			if errors.Is(err, gateway.ErrInstallFailure) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if s.m.policy.HealthChecksEnabled {
			if err := s.probe(ctx, conn); err != nil {
				s.closeConn(conn)
				return nil, err
			}
		}
		return conn, nil
	}

	conn, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.m.newBackOff()),
		backoff.WithMaxTries(uint(s.m.policy.MaxRestartAttempts)), // #nosec G115 -- clamped to >= 1 in NewManager
		backoff.WithNotify(func(err error, next time.Duration) {
			s.recordError(err)
			logger.Warnw("backend restart attempt failed",
				"backend", s.name, "attempt", attempts, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.mu.Lock()
		s.lastErr = err.Error()
		s.transitionLocked(StateFailed, "restart attempts exhausted")
		s.mu.Unlock()
		logger.Errorw("backend failed", "backend", s.name, "attempts", attempts, "error", err)
		return fmt.Errorf("%w: backend %s failed after %d restart attempts: %v",
			gateway.ErrBackendUnavailable, s.name, attempts, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.failures = 0
	s.restarts++
	s.lastProbe = time.Now()
	s.transitionLocked(StateHealthy, "restarted")
	s.mu.Unlock()

	if s.m.onRestart != nil {
		s.m.onRestart(s.name)
	}
	return nil
}

// shutdown closes the channel when the supervisor exits.
func (s *supervisor) shutdown() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.transitionLocked(StateStopped, "stopped")
	s.mu.Unlock()
	s.closeConn(conn)
}

func (s *supervisor) closeConn(conn Connection) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		logger.Debugw("failed to close backend connection", "backend", s.name, "error", err)
	}
}

// availableLocked reports why the backend cannot take a request, or nil.
func (s *supervisor) availableLocked() error {
	if s.draining {
		return fmt.Errorf("%w: backend %s is draining", gateway.ErrBackendUnavailable, s.name)
	}
	if !s.state.Serving() || s.conn == nil {
		return fmt.Errorf("%w: backend %s is %s", gateway.ErrBackendUnavailable, s.name, s.state)
	}
	return nil
}

func (s *supervisor) available() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableLocked()
}

func (s *supervisor) acquire() (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.availableLocked(); err != nil {
		return nil, err
	}
	s.inflight++
	return &Lease{s: s, conn: s.conn}, nil
}

func (s *supervisor) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// drain stops new acquires and waits for in-flight leases. It reports
// whether the backend went idle before timeout.
func (s *supervisor) drain(timeout time.Duration) bool {
	s.mu.Lock()
	s.draining = true
	if s.inflight == 0 {
		s.mu.Unlock()
		return true
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	idle := s.idle
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

func (s *supervisor) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *supervisor) transition(to State, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(to, reason)
}

func (s *supervisor) transitionLocked(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		logger.Errorw("rejected backend state change", "backend", s.name, "error", errIllegalTransition(from, to))
		return
	}
	s.state = to
	s.since = time.Now()
	logger.Infow("backend state changed", "backend", s.name, "from", from, "to", to, "reason", reason)
	if s.m.observer != nil {
		s.m.observer(s.name, from, to)
	}
}

func (s *supervisor) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Name:                s.name,
		Transport:           s.desc.Transport,
		State:               s.state,
		Since:               s.since,
		ConsecutiveFailures: s.failures,
		RestartCount:        s.restarts,
		LastError:           s.lastErr,
		LastProbe:           s.lastProbe,
		InFlight:            s.inflight,
		Draining:            s.draining,
	}
}
