package session

import (
	"sync"
	"time"
)

// HeartbeatInterval is how often a connected session emits a heartbeat frame.
// The heartbeat keeps intermediary network state (NAT bindings) alive; dead
// peer detection itself is the transport's job.
const HeartbeatInterval = 30 * time.Second

// Monitor emits heartbeats while a session is connected and records inbound
// traffic as evidence the remote is alive. A failed heartbeat send means the
// channel is gone and is reported through onFail exactly once.
type Monitor struct {
	interval time.Duration
	send     func() error
	onFail   func()

	mu       sync.Mutex
	lastSeen time.Time

	done     chan struct{}
	stopOnce sync.Once
}

func NewMonitor(interval time.Duration, send func() error, onFail func()) *Monitor {
	return &Monitor{
		interval: interval,
		send:     send,
		onFail:   onFail,
		lastSeen: time.Now(),
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat loop. Returns immediately.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop halts the heartbeat loop. Idempotent and safe from any goroutine.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Touch records inbound traffic; any received frame counts as liveness.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastSeen = time.Now()
	m.mu.Unlock()
}

// LastSeen returns the time of the most recent inbound traffic.
func (m *Monitor) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.send(); err != nil {
				log.Warnw("heartbeat send failed", "err", err)
				m.Stop()
				m.onFail()
				return
			}
		}
	}
}
