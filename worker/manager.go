package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config describes how to launch the worker process. The command and script
// are resolved at Initialize; their absence is fatal and never retried.
type Config struct {
	// Command is the worker executable, e.g. "python3".
	Command string

	// ScriptPath is the worker script passed as the first argument. May be
	// empty if Command is self-contained.
	ScriptPath string

	// Args are extra arguments appended after the script path.
	Args []string

	// ActiveOptions is sent to the worker in the config message.
	ActiveOptions []string

	// WorkDir is the working directory for the worker process.
	WorkDir string

	// Env is extra environment in KEY=VALUE form. The worker always inherits
	// the parent environment plus PYTHONUNBUFFERED=1 so line framing is
	// observed promptly.
	Env []string
}

// readyFuture settles exactly once per spawn attempt. Every caller arriving
// while the worker is starting waits on the same future instead of
// triggering a duplicate spawn.
type readyFuture struct {
	ch   chan struct{}
	once sync.Once
	err  error
}

func newReadyFuture() *readyFuture {
	return &readyFuture{ch: make(chan struct{})}
}

func (f *readyFuture) resolve() {
	f.once.Do(func() { close(f.ch) })
}

func (f *readyFuture) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.ch)
	})
}

func (f *readyFuture) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.ch:
		return f.err
	}
}

// Manager owns the full lifecycle of a single local worker process: spawn,
// config->ready handshake, request/reply correlation over line-delimited
// JSON, keepalive, bounded automatic restart, and graceful-then-forced
// shutdown.
//
// All state transitions are serialized under mu. Submitting callers block on
// their own settlement; nothing blocks the process event handling.
type Manager struct {
	log *zap.SugaredLogger
	cfg Config

	requestTimeout     time.Duration
	startupTimeout     time.Duration
	pingInterval       time.Duration
	maxRestartAttempts int
	restartDelay       time.Duration
	stopGracePeriod    time.Duration

	notifier *notifier
	pending  *pendingTable

	mu             sync.Mutex
	state          State
	gen            string // identifies the live spawn; stale callbacks check it
	instanceID     string
	cmd            *exec.Cmd
	transport      *transport
	health         *healthMonitor
	ready          *readyFuture
	handshakeTimer *time.Timer
	restartTimer   *time.Timer
	procDone       chan struct{}
	modelInfo      json.RawMessage
	lastErr        error
	attempts       int
	stopping       bool
}

// New constructs a manager. The worker is not spawned until Initialize or
// the first Submit.
func New(cfg Config, opts ...Option) (*Manager, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	m := &Manager{
		log:                logger.Named("manager").Sugar(),
		cfg:                cfg,
		requestTimeout:     30 * time.Second,
		startupTimeout:     60 * time.Second,
		pingInterval:       30 * time.Second,
		maxRestartAttempts: 3,
		restartDelay:       5 * time.Second,
		stopGracePeriod:    3 * time.Second,
		notifier:           newNotifier(),
		state:              StateStopped,
	}
	for _, o := range opts {
		o(m)
	}
	m.pending = newPendingTable(m.log.Named("pending"))
	return m, nil
}

// Initialize spawns the worker if necessary and waits for it to become
// ready. Calling it explicitly resets the restart budget; concurrent callers
// during startup all wait on the same handshake.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateReady:
		m.mu.Unlock()
		return nil
	case StateStarting:
		f := m.ready
		m.mu.Unlock()
		return f.wait(ctx)
	}

	m.attempts = 0
	m.stopping = false
	m.stopRestartTimerLocked()
	f, err := m.startLocked()
	m.mu.Unlock()

	if err != nil {
		return err
	}
	return f.wait(ctx)
}

// startLocked performs the stopped->starting transition. It returns an error
// only for configuration problems, which are fatal and never retried; every
// other failure rejects the returned future and goes through the restart
// policy.
func (m *Manager) startLocked() (*readyFuture, error) {
	if err := m.validateConfig(); err != nil {
		err = fmt.Errorf("%w: %v", ErrConfig, err)
		m.lastErr = err
		m.state = StateError
		m.publishLocked(err)
		return nil, err
	}

	gen := uuid.NewString()
	m.gen = gen
	m.instanceID = gen
	m.modelInfo = nil
	m.lastErr = nil
	m.ready = newReadyFuture()
	m.state = StateStarting
	m.publishLocked(nil)

	args := m.cfg.Args
	if m.cfg.ScriptPath != "" {
		args = append([]string{m.cfg.ScriptPath}, m.cfg.Args...)
	}
	cmd := exec.Command(m.cfg.Command, args...)
	cmd.Dir = m.cfg.WorkDir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.Env = append(cmd.Env, m.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		m.failLocked(fmt.Errorf("opening stdin pipe: %w", err), true)
		return m.ready, nil
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.failLocked(fmt.Errorf("opening stdout pipe: %w", err), true)
		return m.ready, nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.failLocked(fmt.Errorf("opening stderr pipe: %w", err), true)
		return m.ready, nil
	}

	if err := cmd.Start(); err != nil {
		m.failLocked(fmt.Errorf("spawning worker: %w", err), true)
		return m.ready, nil
	}
	m.cmd = cmd
	m.log.Infow("spawned worker", "PID", cmd.Process.Pid, "Instance", gen)

	tr := newTransport(m.log.Named("transport"), stdin, stdout, m.handleMessage(gen))
	m.transport = tr
	tr.start()
	go m.logStderr(stderr)

	done := make(chan struct{})
	m.procDone = done
	go func() {
		waitErr := cmd.Wait()
		m.handleExit(gen, waitErr)
		close(done)
	}()

	m.handshakeTimer = time.AfterFunc(m.startupTimeout, func() {
		m.handshakeTimedOut(gen)
	})

	// the config message must be the first thing the worker reads
	cfgMsg := configMessage{Type: msgTypeConfig, ActiveOptions: m.cfg.ActiveOptions}
	if err := tr.writeMessage(cfgMsg); err != nil {
		m.failLocked(fmt.Errorf("writing config message: %w", err), true)
		return m.ready, nil
	}

	return m.ready, nil
}

func (m *Manager) validateConfig() error {
	if m.cfg.Command == "" {
		return errors.New("no worker command configured")
	}
	if _, err := exec.LookPath(m.cfg.Command); err != nil {
		return fmt.Errorf("resolving worker command: %w", err)
	}
	if m.cfg.ScriptPath != "" {
		if _, err := os.Stat(m.cfg.ScriptPath); err != nil {
			return fmt.Errorf("resolving worker script: %w", err)
		}
	}
	return nil
}

// handleMessage builds the transport handler for one spawn. Stale instances
// are filtered by gen.
func (m *Manager) handleMessage(gen string) messageHandler {
	return func(env envelope, raw json.RawMessage) {
		switch env.Type {
		case msgTypeReady:
			m.handleReady(gen, env)
		case msgTypeError:
			if env.RequestID != nil {
				if !m.pending.settle(*env.RequestID, settlement{err: &RequestError{Message: env.Error}}) {
					m.log.Debugf("dropping error for unknown request %d", *env.RequestID)
				}
				return
			}
			m.failInstance(gen, &WorkerFailure{Reason: env.Error})
		case msgTypePong:
			m.log.Debug("received keepalive pong")
		case msgTypePing, msgTypeConfig:
			m.log.Debugf("ignoring unexpected %s message from worker", env.Type)
		default:
			if env.RequestID == nil {
				m.log.Debugf("ignoring %s message with no request id", env.Type)
				return
			}
			if !m.pending.settle(*env.RequestID, settlement{raw: raw}) {
				// a reply can race a timeout cleanup; not an error
				m.log.Debugf("dropping reply for unknown request %d", *env.RequestID)
			}
		}
	}
}

// handleReady performs the starting->ready transition.
func (m *Manager) handleReady(gen string, env envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != StateStarting {
		m.log.Debugf("ignoring ready from stale or unexpected worker instance")
		return
	}

	m.stopHandshakeTimerLocked()
	m.modelInfo = env.ModelInfo
	m.attempts = 0
	m.state = StateReady

	tr := m.transport
	m.health = startHealthMonitor(
		m.log.Named("health"),
		m.pingInterval,
		func() error { return tr.writeMessage(pingMessage{Type: msgTypePing}) },
		func(err error) {
			m.failInstance(gen, fmt.Errorf("keepalive: %w", err))
		},
	)

	m.ready.resolve()
	m.publishLocked(nil)
	m.log.Infow("worker ready", "Instance", gen, "ModelInfo", string(env.ModelInfo))
}

func (m *Manager) handshakeTimedOut(gen string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateStarting {
		return
	}
	m.failLocked(fmt.Errorf("%w after %s", ErrHandshakeTimeout, m.startupTimeout), true)
}

// failInstance routes an asynchronous failure (keepalive write error, global
// worker error) into the error transition, unless the instance it came from
// is already gone.
func (m *Manager) failInstance(gen string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.failLocked(err, true)
}

// failLocked performs the starting|ready->error transition: reject the ready
// future, reject all pending requests, stop the health monitor, tear down
// the process, publish, and (unless stopping) trigger the restart policy.
func (m *Manager) failLocked(err error, restartEligible bool) {
	if m.state == StateStopped && m.cmd == nil {
		return
	}

	m.log.Errorw("worker failed", "Error", err, "State", m.state.String())

	m.stopHealthLocked()
	m.stopHandshakeTimerLocked()
	m.lastErr = err
	m.state = StateError

	if m.ready != nil {
		m.ready.reject(err)
	}
	m.pending.failAll(err)

	if m.transport != nil {
		m.transport.close()
		m.transport = nil
	}
	m.gen = "" // the exit watcher for this spawn must not run the exit transition
	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
	}
	m.cmd = nil

	m.publishLocked(err)

	if restartEligible && !m.stopping {
		m.scheduleRestartLocked(err)
	}
}

// handleExit runs when the worker process exits on its own or after a kill
// that was not already accounted for by failLocked.
func (m *Manager) handleExit(gen string, waitErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}

	prevState := m.state
	requested := m.stopping

	m.stopHealthLocked()
	m.stopHandshakeTimerLocked()
	if m.transport != nil {
		m.transport.close()
		m.transport = nil
	}
	m.cmd = nil
	m.gen = ""

	code, sig := exitStatus(waitErr)
	sigName := "none"
	if sig != 0 {
		sigName = sig.String()
	}
	m.log.Infow("worker exited", "Code", code, "Signal", sigName, "Requested", requested)

	if requested {
		// anything submitted in the window between Stop's rejection and the
		// process exit must not outlive the stop
		m.pending.failAll(ErrStopped)
		m.state = StateStopped
		m.publishLocked(nil)
		return
	}

	failure := &WorkerFailure{
		Reason: fmt.Sprintf("worker exited unexpectedly (code %d, signal %s)", code, sigName),
		Err:    waitErr,
	}
	if m.ready != nil {
		m.ready.reject(failure)
	}
	m.pending.failAll(failure)
	m.lastErr = failure

	if prevState == StateStarting {
		m.state = StateError
	} else {
		m.state = StateStopped
	}
	m.publishLocked(failure)

	// code 0 or the manager's own termination signals mean no restart
	abnormal := code != 0 && sig != syscall.SIGTERM && sig != syscall.SIGINT
	if abnormal {
		m.scheduleRestartLocked(failure)
	}
}

// scheduleRestartLocked applies the bounded fixed-delay restart policy.
// Exceeding the budget leaves the manager in the error state permanently
// until the next explicit Initialize.
func (m *Manager) scheduleRestartLocked(cause error) {
	if m.attempts >= m.maxRestartAttempts {
		m.lastErr = fmt.Errorf("%w after %d attempts (last error: %v)", ErrRestartExhausted, m.attempts, cause)
		m.state = StateError
		m.publishLocked(m.lastErr)
		m.log.Errorw("giving up on worker", "Attempts", m.attempts)
		return
	}

	m.attempts++
	attempt := m.attempts
	m.log.Infow("scheduling worker restart", "Attempt", attempt, "Delay", m.restartDelay)
	m.restartTimer = time.AfterFunc(m.restartDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.restartTimer = nil
		if m.stopping || (m.state != StateError && m.state != StateStopped) {
			return
		}
		m.log.Infow("restarting worker", "Attempt", attempt)
		_, _ = m.startLocked()
	})
}

// Stop gracefully terminates the worker: SIGTERM, a grace window, then
// SIGKILL. It is idempotent and rejects anything still pending. No restart
// is scheduled for a requested stop.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	m.stopRestartTimerLocked()
	m.stopHealthLocked()
	m.stopHandshakeTimerLocked()
	if m.ready != nil {
		m.ready.reject(ErrStopped)
	}
	m.pending.failAll(ErrStopped)

	cmd := m.cmd
	done := m.procDone
	if cmd == nil {
		if m.state != StateStopped {
			m.state = StateStopped
			m.publishLocked(nil)
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.log.Infow("stopping worker", "PID", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		m.log.Debugf("SIGTERM failed, killing: %s", err)
		_ = cmd.Process.Kill()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	case <-time.After(m.stopGracePeriod):
		m.log.Warnw("worker did not exit within grace period, killing", "Grace", m.stopGracePeriod)
		_ = cmd.Process.Kill()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit sends one unit of work to the worker and waits for its reply. kind
// is the request's type discriminator; payload's fields are flattened into
// the request object; out, if non-nil, receives the unmarshaled reply.
//
// If the worker is not ready the call waits on the in-flight handshake,
// spawning the worker first when it is stopped. After restart exhaustion it
// fails immediately rather than hanging.
func (m *Manager) Submit(ctx context.Context, kind string, payload any, out any) error {
	for {
		m.mu.Lock()
		switch m.state {
		case StateReady:
			if m.stopping {
				// Stop has begun but the process has not exited yet
				m.mu.Unlock()
				return ErrStopped
			}
			tr := m.transport
			gen := m.gen
			m.mu.Unlock()
			return m.submitReady(ctx, tr, gen, kind, payload, out)
		case StateStarting:
			f := m.ready
			m.mu.Unlock()
			if err := f.wait(ctx); err != nil {
				return err
			}
			// ready may already be gone again; re-check
		case StateStopped:
			m.mu.Unlock()
			if err := m.Initialize(ctx); err != nil {
				return err
			}
		case StateError:
			err := m.lastErr
			m.mu.Unlock()
			if err == nil {
				err = errors.New("worker in error state")
			}
			return fmt.Errorf("worker unavailable: %w", err)
		default:
			m.mu.Unlock()
			return fmt.Errorf("worker in unknown state")
		}
	}
}

func (m *Manager) submitReady(ctx context.Context, tr *transport, gen, kind string, payload, out any) error {
	req := m.pending.add(m.requestTimeout)

	if err := tr.writeRequest(kind, req.id, payload); err != nil {
		m.pending.settle(req.id, settlement{err: err})
		if errors.Is(err, ErrChannelWrite) {
			// a broken pipe is fatal for the whole channel
			m.failInstance(gen, err)
		}
		return err
	}

	select {
	case s := <-req.ch:
		if s.err != nil {
			return s.err
		}
		if out != nil && len(s.raw) > 0 {
			if err := json.Unmarshal(s.raw, out); err != nil {
				return fmt.Errorf("unmarshaling result: %w", err)
			}
		}
		return nil
	case <-ctx.Done():
		m.pending.settle(req.id, settlement{err: ctx.Err()})
		return ctx.Err()
	}
}

// Subscribe registers a status subscriber. Delivery is best-effort: a slow
// subscriber has updates dropped rather than blocking state transitions.
// The returned function unsubscribes and closes the channel.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	return m.notifier.subscribe()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error behind the most recent failure transition.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ModelInfo returns the metadata the worker reported when it became ready.
func (m *Manager) ModelInfo() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modelInfo
}

// InstanceID identifies the current spawn of the worker, empty if none.
func (m *Manager) InstanceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instanceID
}

// PendingRequests returns the number of in-flight requests.
func (m *Manager) PendingRequests() int {
	return m.pending.len()
}

// RestartAttempts returns the restart attempts consumed since the last
// successful handshake or explicit Initialize.
func (m *Manager) RestartAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) publishLocked(err error) {
	m.notifier.publish(Status{
		State:      m.state,
		InstanceID: m.instanceID,
		ModelInfo:  m.modelInfo,
		Err:        err,
	})
}

func (m *Manager) stopHealthLocked() {
	if m.health != nil {
		m.health.stop()
		m.health = nil
	}
}

func (m *Manager) stopHandshakeTimerLocked() {
	if m.handshakeTimer != nil {
		m.handshakeTimer.Stop()
		m.handshakeTimer = nil
	}
}

func (m *Manager) stopRestartTimerLocked() {
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
}

func (m *Manager) logStderr(r io.Reader) {
	log := m.log.Named("worker_stderr")
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debugf("%s", scanner.Text())
	}
}

func exitStatus(err error) (int, syscall.Signal) {
	if err == nil {
		return 0, 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ee.ExitCode(), ws.Signal()
		}
		return ee.ExitCode(), 0
	}
	return -1, 0
}
