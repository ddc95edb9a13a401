// Package lifecycle implements lazy load / idle unload of the encoder, the
// KYS liveness watchdog, graceful drain, and the PID file.
//
// The lazy-load path uses a double-checked lock: resolve configuration,
// attempt the load, retry with backoff, and leave the instance unhealthy
// on exhausted retries rather than panicking.
package lifecycle

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EncoderHandle is the minimal surface the lifecycle manager needs from
// the loaded encoder: a health probe and a close method. internal/encoder.Encoder
// satisfies this.
type EncoderHandle interface {
	Healthy() bool
	Close()
}

// State is the lifecycle manager's coarse-grained state machine position.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateHealthy  State = "healthy"
	StateDrained  State = "drained"
)

// KYSMode selects the action taken when the watchdog concludes the parent
// is gone.
type KYSMode string

const (
	KYSStandby KYSMode = "standby"
	KYSUnload  KYSMode = "unload"
	KYSKill    KYSMode = "kill"
)

// Config configures lazy load, idle unload, and the KYS watchdog.
type Config struct {
	PIDPath    string
	StatusPath string
	ParentPID  int
	// ParentCmd is the parent's command name as recorded at startup
	// (ReadParentCmd). The watchdog requires the live process table entry
	// to still match it, so a recycled PID doesn't pass for the parent.
	ParentCmd      string
	MaxLoadRetries int
	LoadRetryDelay time.Duration
	IdleUnload     time.Duration
	KYSTimeout     time.Duration
	ActivityGrace  time.Duration
	StartupGrace   time.Duration
	KYSMode        KYSMode
	Logger         *log.Logger // tagged operational log; nil silences the manager
}

// LoadFunc constructs a fresh encoder instance.
type LoadFunc func() (EncoderHandle, error)

// Manager owns the encoder's load/unload lifecycle and the KYS watchdog.
type Manager struct {
	cfg     Config
	loadFn  LoadFunc
	onKill  func()

	mu      sync.Mutex
	state   State
	encoder EncoderHandle
	healthy bool

	lastRequest time.Time
	lastKYS     time.Time
	startedAt   time.Time

	stopCh chan struct{}
}

// New creates a Manager. onKill is invoked when the KYS watchdog decides
// to terminate the process in "kill" mode; callers typically wire this to
// os.Exit after closing the socket.
func New(cfg Config, loadFn LoadFunc, onKill func()) *Manager {
	now := time.Now()
	return &Manager{
		cfg:         cfg,
		loadFn:      loadFn,
		onKill:      onKill,
		state:       StateUnloaded,
		lastRequest: now,
		lastKYS:     now,
		startedAt:   now,
		stopCh:      make(chan struct{}),
	}
}

// WritePID writes "pid:epoch_ms" to the configured PID file path.
func (m *Manager) WritePID() error {
	if m.cfg.PIDPath == "" {
		return nil
	}
	content := fmt.Sprintf("%d:%d", os.Getpid(), time.Now().UnixMilli())
	return os.WriteFile(m.cfg.PIDPath, []byte(content), 0644)
}

// RemovePID removes the PID file on clean exit.
func (m *Manager) RemovePID() error {
	if m.cfg.PIDPath == "" {
		return nil
	}
	err := os.Remove(m.cfg.PIDPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Encoder returns the loaded encoder, lazily loading it on first call via
// a double-checked lock. Failure is retried up to MaxLoadRetries times
// with exponential backoff before giving up.
func (m *Manager) Encoder() (EncoderHandle, error) {
	m.mu.Lock()
	if m.encoder != nil {
		e := m.encoder
		m.mu.Unlock()
		return e, nil
	}
	m.state = StateLoading
	m.mu.Unlock()

	var lastErr error
	retries := m.cfg.MaxLoadRetries
	if retries < 1 {
		retries = 1
	}
	for attempt := 1; attempt <= retries; attempt++ {
		e, err := m.loadFn()
		if err == nil {
			healthy := e.Healthy()
			m.mu.Lock()
			if m.encoder != nil {
				// Second check: a concurrent caller published an encoder
				// while this one was loading; keep theirs, drop ours.
				existing := m.encoder
				m.mu.Unlock()
				e.Close()
				return existing, nil
			}
			m.encoder = e
			m.healthy = healthy
			if healthy {
				m.state = StateHealthy
			}
			m.mu.Unlock()
			if !healthy {
				return e, fmt.Errorf("lifecycle: encoder failed health probe after load")
			}
			return e, nil
		}
		lastErr = err
		m.logf("encoder load attempt %d/%d failed: %v", attempt, retries, err)
		if attempt < retries {
			backoff := m.cfg.LoadRetryDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(backoff)
		}
	}

	m.mu.Lock()
	m.state = StateUnloaded
	m.healthy = false
	m.mu.Unlock()
	return nil, fmt.Errorf("lifecycle: encoder load failed after %d attempts: %w", retries, lastErr)
}

// Loaded returns the current encoder without triggering a load. The
// throttler's thread-scaling callback uses this so scaling never forces
// an idle instance back into memory.
func (m *Manager) Loaded() (EncoderHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encoder, m.encoder != nil
}

// Unload releases the encoder (idle unload or KYS unload action).
func (m *Manager) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.encoder != nil {
		m.encoder.Close()
		m.encoder = nil
	}
	m.state = StateUnloaded
	m.healthy = false
}

// Drain releases the encoder and marks the manager drained; used on
// graceful shutdown after the socket has stopped accepting.
func (m *Manager) Drain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.encoder != nil {
		m.encoder.Close()
		m.encoder = nil
	}
	m.state = StateDrained
	m.healthy = false
}

// RecordActivity updates both "last request" and "last KYS" timestamps,
// since any request counts as liveness.
func (m *Manager) RecordActivity() {
	now := time.Now()
	m.mu.Lock()
	m.lastRequest = now
	m.lastKYS = now
	m.mu.Unlock()
}

// RecordKYS records a liveness heartbeat from the parent process.
func (m *Manager) RecordKYS() {
	m.mu.Lock()
	m.lastKYS = time.Now()
	m.mu.Unlock()
}

// Healthy reports whether the most recently loaded encoder passed its
// health probe.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// State returns the current coarse-grained lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stop halts the background idle-unload and watchdog loops.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// RunIdleUnloadLoop periodically releases the encoder after idle_unload
// seconds of inactivity. A zero duration disables idle unload.
func (m *Manager) RunIdleUnloadLoop() {
	if m.cfg.IdleUnload <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.IdleUnload / 4)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			idleFor := time.Since(m.lastRequest)
			loaded := m.encoder != nil
			m.mu.Unlock()
			if loaded && idleFor >= m.cfg.IdleUnload {
				m.logf("idle for %s, unloading encoder", idleFor.Round(time.Second))
				m.Unload()
			}
		}
	}
}

// RunWatchdogLoop periodically checks KYS liveness and acts per KYSMode
// once both the heartbeat timeout and the activity grace have elapsed and
// no matching parent process remains.
func (m *Manager) RunWatchdogLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkWatchdog()
		}
	}
}

func (m *Manager) checkWatchdog() {
	m.mu.Lock()
	sinceStart := time.Since(m.startedAt)
	sinceKYS := time.Since(m.lastKYS)
	sinceActivity := time.Since(m.lastRequest)
	m.mu.Unlock()

	if sinceStart < m.cfg.StartupGrace {
		return
	}
	if sinceKYS < m.cfg.KYSTimeout {
		return
	}
	if sinceActivity < m.cfg.ActivityGrace {
		return
	}
	if m.parentAlive() {
		return
	}

	m.logf("parent gone (pid %d), no heartbeat for %s, acting: %s",
		m.cfg.ParentPID, sinceKYS.Round(time.Second), m.cfg.KYSMode)
	switch m.cfg.KYSMode {
	case KYSKill:
		m.writeStatus("killed")
		if m.onKill != nil {
			m.onKill()
		}
	case KYSUnload:
		m.writeStatus("unloaded")
		m.Unload()
	default: // standby
		m.writeStatus("standby")
	}
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Printf(format, args...)
	}
}

// parentAlive checks the OS process table for a process matching
// ParentPID by reading /proc/<pid>/comm directly, rather than shelling
// out to `ps`. When a command name was recorded at startup, the live
// entry must still carry it: a PID recycled to an unrelated process is
// not the parent.
func (m *Manager) parentAlive() bool {
	if m.cfg.ParentPID <= 0 {
		return false
	}
	comm := readComm(m.cfg.ParentPID)
	if comm == "" {
		return false
	}
	if m.cfg.ParentCmd != "" {
		return comm == m.cfg.ParentCmd
	}
	return true
}

// ReadParentCmd captures a process's command name from /proc/<pid>/comm
// for later comparison by the watchdog. Empty when the process table
// entry is unreadable (non-Linux hosts, or the process is already gone).
func ReadParentCmd(pid int) string {
	return readComm(pid)
}

func readComm(pid int) string {
	if pid <= 0 {
		return ""
	}
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/comm")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (m *Manager) writeStatus(status string) error {
	if m.cfg.StatusPath == "" {
		return nil
	}
	content := fmt.Sprintf(`{"status":%q,"at":%q}`, status, time.Now().Format(time.RFC3339))
	return os.WriteFile(m.cfg.StatusPath, []byte(content), 0644)
}
