// Package connectivity tracks whether the device can reach the server and
// publishes online/offline transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is one observation of the network.
type State struct {
	Connected         bool `json:"connected"`
	InternetReachable bool `json:"internetReachable"`
}

// Online reports whether the state allows talking to the server.
func (s State) Online() bool {
	return s.Connected && s.InternetReachable
}

// Source yields connectivity observations until ctx is done, then closes
// the channel.
type Source interface {
	Watch(ctx context.Context) <-chan State
}

// Prober is a Source that can also take one observation on demand.
type Prober interface {
	Probe(ctx context.Context) State
}

// Monitor debounces observations from a Source into online/offline
// transitions. After the first observation it never publishes the same value
// twice in a row.
//
// Until the first observation arrives the Monitor reports online and
// Provisional() is true. The first observation is always published, even
// when it confirms the assumed online state, so subscribers learn when the
// state becomes trustworthy.
type Monitor struct {
	source   Source
	debounce time.Duration
	logger   logrus.FieldLogger

	mu          sync.Mutex
	online      bool
	provisional bool
	pending     *time.Timer
	gen         uint64
	subs        map[int]chan bool
	nextID      int
}

// NewMonitor creates a Monitor reading from source.
func NewMonitor(source Source, debounce time.Duration, logger logrus.FieldLogger) *Monitor {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "connectivity")
	}
	return &Monitor{
		source:      source,
		debounce:    debounce,
		logger:      logger,
		online:      true,
		provisional: true,
		subs:        make(map[int]chan bool),
	}
}

// Run consumes the source until ctx is done or the source closes.
func (m *Monitor) Run(ctx context.Context) error {
	states := m.source.Watch(ctx)
	defer m.cancelPending()

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			m.observe(st)
		}
	}
}

// IsOnline returns the current debounced state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Provisional reports whether no observation has arrived yet.
func (m *Monitor) Provisional() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provisional
}

// Settle replaces the provisional state with one observation taken now when
// the source supports probing, and returns the resulting state. Callers that
// act on connectivity without running the Monitor use it before trusting
// IsOnline.
func (m *Monitor) Settle(ctx context.Context) bool {
	if p, ok := m.source.(Prober); ok && m.Provisional() {
		m.observe(p.Probe(ctx))
	}
	return m.IsOnline()
}

// Subscribe returns a channel receiving every transition. A subscriber that
// falls behind only sees the latest value. cancel closes the channel.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (m *Monitor) observe(st State) {
	online := st.Online()

	m.mu.Lock()
	defer m.mu.Unlock()

	first := m.provisional
	m.provisional = false

	m.logger.WithFields(logrus.Fields{
		"connected": st.Connected,
		"reachable": st.InternetReachable,
	}).Debug("connectivity observed")

	// The first observation replaces the fail-open guess without waiting.
	if first {
		m.stopPendingLocked()
		m.commitLocked(online)
		return
	}

	if online == m.online {
		// A bounce back to the committed value cancels the pending flip.
		m.stopPendingLocked()
		return
	}

	if m.debounce <= 0 {
		m.stopPendingLocked()
		m.commitLocked(online)
		return
	}

	if m.pending != nil {
		return
	}
	m.gen++
	gen := m.gen
	m.pending = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.pending == nil {
			return
		}
		m.pending = nil
		if m.online != online {
			m.commitLocked(online)
		}
	})
}

func (m *Monitor) commitLocked(online bool) {
	m.online = online
	if online {
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Info("connectivity lost")
	}

	for _, ch := range m.subs {
		select {
		case ch <- online:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

func (m *Monitor) stopPendingLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.gen++
}

func (m *Monitor) cancelPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopPendingLocked()
}
