// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/config"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// ErrUnknownBackend indicates the named backend is not configured.
var ErrUnknownBackend = errors.New("unknown backend")

const (
	// DefaultStartTimeout bounds launch plus initialize of one attempt.
	DefaultStartTimeout = 60 * time.Second

	defaultProbeInterval  = 300 * time.Second
	startingCheckInterval = 500 * time.Millisecond
	defaultProbeTimeout   = 10 * time.Second
	defaultRestartInitial = time.Second
	defaultRestartMax     = 30 * time.Second
)

// Policy holds the runtime knobs of the lifecycle manager.
type Policy struct {
	HealthChecksEnabled bool
	AutoRestart         bool
	// MaxRestartAttempts consecutive failed relaunches move a backend to Failed.
	MaxRestartAttempts int
	// UnhealthyThreshold consecutive failures move a backend to Unhealthy.
	UnhealthyThreshold int
	DrainTimeout       time.Duration
	StartTimeout       time.Duration
}

// PolicyFromRuntime derives a Policy from the runtime section of a snapshot.
func PolicyFromRuntime(rt config.RuntimeConfig) Policy {
	return Policy{
		HealthChecksEnabled: rt.HealthChecksEnabled(),
		AutoRestart:         rt.AutoRestart(),
		MaxRestartAttempts:  rt.MaxRestartAttempts,
		UnhealthyThreshold:  rt.UnhealthyThreshold,
		DrainTimeout:        rt.DrainTimeout.Std(),
		StartTimeout:        DefaultStartTimeout,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLauncher sets the launcher. The default is NewDefaultLauncher.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithDialer sets the dialer. The default is an MCPDialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithOnRestart registers a hook called after a backend was relaunched,
// replaced by a changed descriptor, or removed. Cached responses of the
// backend are stale at that point.
func WithOnRestart(fn func(backend string)) Option {
	return func(m *Manager) { m.onRestart = fn }
}

// WithStateObserver registers a hook called on every state transition. It
// runs under the backend's lock and must not call back into the Manager.
func WithStateObserver(fn func(backend string, from, to State)) Option {
	return func(m *Manager) { m.observer = fn }
}

// WithBackOff overrides the restart backoff. newBackOff is called once per
// restart sequence.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackOff = newBackOff }
}

// Manager owns one supervised connection per enabled backend. It is the only
// component that changes backend state.
type Manager struct {
	policy     Policy
	launcher   Launcher
	dialer     Dialer
	newBackOff func() backoff.BackOff
	onRestart  func(string)
	observer   func(string, State, State)

	mu       sync.RWMutex
	backends map[string]*supervisor
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopped  bool

	wg sync.WaitGroup
}

// NewManager creates a Manager. Backends are registered with Reload and
// launched by Start.
func NewManager(policy Policy, opts ...Option) *Manager {
	if policy.UnhealthyThreshold < 1 {
		policy.UnhealthyThreshold = 1
	}
	if policy.MaxRestartAttempts < 1 {
		policy.MaxRestartAttempts = 1
	}
	if policy.StartTimeout <= 0 {
		policy.StartTimeout = DefaultStartTimeout
	}

	m := &Manager{
		policy:   policy,
		launcher: NewDefaultLauncher(),
		dialer:   NewMCPDialer("mcp-gateway", "dev"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = defaultRestartInitial
			b.MaxInterval = defaultRestartMax
			b.Reset()
			return b
		},
		backends: make(map[string]*supervisor),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches every registered backend. Each backend is supervised by
// its own goroutine until Stop or until it is removed by Reload.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return fmt.Errorf("backend manager has been stopped and cannot be restarted")
	}
	if m.started {
		return fmt.Errorf("backend manager already started")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	logger.Infow("starting backend manager",
		"backends", len(m.backends),
		"health_checks", m.policy.HealthChecksEnabled,
		"auto_restart", m.policy.AutoRestart)

	for _, name := range slices.Sorted(maps.Keys(m.backends)) {
		m.runLocked(m.backends[name])
	}
	return nil
}

func (m *Manager) runLocked(s *supervisor) {
	ctx, cancel := context.WithCancel(m.ctx)
	s.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(ctx)
	}()
}

// Stop drains every backend for at most the drain timeout, then closes all
// channels and waits for the supervisors to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sups := slices.Collect(maps.Values(m.backends))
	m.mu.Unlock()

	logger.Infow("stopping backend manager", "backends", len(sups))

	var drain sync.WaitGroup
	for _, s := range sups {
		drain.Add(1)
		go func() {
			defer drain.Done()
			s.drain(m.policy.DrainTimeout)
		}()
	}
	drain.Wait()

	m.cancel()
	m.wg.Wait()
	logger.Infow("backend manager stopped")
}

// ReloadSummary lists what a Reload did, by backend name.
type ReloadSummary struct {
	Added     []string
	Removed   []string
	Changed   []string
	Unchanged []string
}

// Reload applies a new set of descriptors. Added backends are launched,
// removed ones are drained and closed, changed ones are replaced by a fresh
// supervisor and unchanged ones are left alone. Disabled descriptors count
// as removed. The replacement of a changed backend is launched only after
// the old channel has drained and closed, so at most one channel per
// backend is live; requests in between fail with ErrBackendUnavailable.
func (m *Manager) Reload(descriptors []gateway.BackendDescriptor) ReloadSummary {
	next := make(map[string]gateway.BackendDescriptor, len(descriptors))
	for _, d := range descriptors {
		if d.Enabled {
			next[d.Name] = d
		}
	}

	m.mu.Lock()
	var summary ReloadSummary
	var retired []*supervisor
	for name, s := range m.backends {
		d, ok := next[name]
		switch {
		case !ok:
			summary.Removed = append(summary.Removed, name)
			retired = append(retired, s)
			delete(m.backends, name)
		case !s.desc.Equal(d):
			summary.Changed = append(summary.Changed, name)
			retired = append(retired, s)
			successor := m.addLocked(d)
			if s.cancel != nil {
				successor.after = s.done
			}
		default:
			summary.Unchanged = append(summary.Unchanged, name)
		}
	}
	for name, d := range next {
		if _, ok := m.backends[name]; !ok {
			summary.Added = append(summary.Added, name)
			m.addLocked(d)
		}
	}
	if m.started && !m.stopped {
		for _, name := range slices.Concat(summary.Added, summary.Changed) {
			m.runLocked(m.backends[name])
		}
	}
	for _, s := range retired {
		m.retireLocked(s)
	}
	m.mu.Unlock()

	slices.Sort(summary.Added)
	slices.Sort(summary.Removed)
	slices.Sort(summary.Changed)
	slices.Sort(summary.Unchanged)

	logger.Infow("backends reloaded",
		"added", summary.Added,
		"removed", summary.Removed,
		"changed", summary.Changed,
		"unchanged", len(summary.Unchanged))
	return summary
}

func (m *Manager) addLocked(d gateway.BackendDescriptor) *supervisor {
	s := newSupervisor(m, d)
	m.backends[d.Name] = s
	return s
}

func (m *Manager) retireLocked(s *supervisor) {
	if s.cancel == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if !s.drain(m.policy.DrainTimeout) {
			logger.Warnw("drain timeout expired, closing backend with requests in flight",
				"backend", s.name, "timeout", m.policy.DrainTimeout)
		}
		s.stop()
		if m.onRestart != nil {
			m.onRestart(s.name)
		}
	}()
}

func (m *Manager) lookup(name string) (*supervisor, error) {
	m.mu.RLock()
	s, ok := m.backends[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", gateway.ErrBackendUnavailable, ErrUnknownBackend, name)
	}
	return s, nil
}

// Acquire returns a lease on the backend's live connection. It fails with
// gateway.ErrBackendUnavailable unless the backend is Healthy and not
// draining. The lease must be released.
func (m *Manager) Acquire(ctx context.Context, name string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return s.acquire()
}

// Available reports whether the backend can take a request right now. It
// fails with gateway.ErrBackendUnavailable in the same cases as Acquire,
// without taking a lease.
func (m *Manager) Available(name string) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	return s.available()
}

// ReportFailure records a failed live request. Enough consecutive failures
// mark a Healthy backend Unhealthy.
func (m *Manager) ReportFailure(name string, err error) {
	s, lookupErr := m.lookup(name)
	if lookupErr != nil {
		return
	}
	s.reportFailure(err)
}

// ReportSuccess resets the consecutive failure count of a Healthy backend.
func (m *Manager) ReportSuccess(name string) {
	s, err := m.lookup(name)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.state == StateHealthy {
		s.failures = 0
	}
	s.mu.Unlock()
}

// Restart relaunches a backend from any state, including Failed, and waits
// for the outcome.
func (m *Manager) Restart(ctx context.Context, name string) error {
	m.mu.RLock()
	running := m.started && !m.stopped
	m.mu.RUnlock()
	if !running {
		return fmt.Errorf("%w: backend manager is not running", gateway.ErrBackendUnavailable)
	}

	s, err := m.lookup(name)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	select {
	case s.restartCh <- restartRequest{reason: "admin restart", result: result}:
	case <-s.done:
		return fmt.Errorf("%w: backend %s was removed", gateway.ErrBackendUnavailable, name)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		return fmt.Errorf("%w: backend %s was removed", gateway.ErrBackendUnavailable, name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a point-in-time view of one backend.
type Status struct {
	Name                string                `json:"name"`
	Transport           gateway.TransportType `json:"transport"`
	State               State                 `json:"state"`
	Since               time.Time             `json:"since"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	RestartCount        int                   `json:"restart_count"`
	LastError           string                `json:"last_error,omitempty"`
	LastProbe           time.Time             `json:"last_probe,omitzero"`
	InFlight            int                   `json:"in_flight"`
	Draining            bool                  `json:"draining,omitempty"`
}

// Status returns the status of every configured backend, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	sups := slices.Collect(maps.Values(m.backends))
	m.mu.RUnlock()

	out := make([]Status, 0, len(sups))
	for _, s := range sups {
		out = append(out, s.status())
	}
	slices.SortFunc(out, func(a, b Status) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// BackendStatus returns the status of one backend.
func (m *Manager) BackendStatus(name string) (Status, error) {
	s, err := m.lookup(name)
	if err != nil {
		return Status{}, err
	}
	return s.status(), nil
}

// Descriptors returns the descriptors of every configured backend, sorted
// by name.
func (m *Manager) Descriptors() []gateway.BackendDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]gateway.BackendDescriptor, 0, len(m.backends))
	for _, name := range slices.Sorted(maps.Keys(m.backends)) {
		out = append(out, m.backends[name].desc)
	}
	return out
}

// Descriptor returns the descriptor of one backend.
func (m *Manager) Descriptor(name string) (gateway.BackendDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.backends[name]
	if !ok {
		return gateway.BackendDescriptor{}, false
	}
	return s.desc, true
}

// Lease pins a backend connection for the duration of one request. A
// draining backend is closed only after its leases are released or the
// drain timeout expires.
type Lease struct {
	s    *supervisor
	conn Connection
	once sync.Once
}

// Backend returns the backend name.
func (l *Lease) Backend() string {
	return l.s.name
}

// Conn returns the leased connection.
func (l *Lease) Conn() Connection {
	return l.conn
}

// Release ends the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(l.s.release)
}
