package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// ProbeSource observes connectivity by polling: link state from the host's
// network interfaces and reachability from an HTTP GET against the server's
// health endpoint.
type ProbeSource struct {
	client   *resty.Client
	url      string
	interval time.Duration
	logger   logrus.FieldLogger

	// interfaces is swapped in tests
	interfaces func() ([]net.Interface, error)
}

// NewProbeSource creates a ProbeSource polling url every interval.
func NewProbeSource(url string, interval, timeout time.Duration, logger logrus.FieldLogger) *ProbeSource {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "connectivity")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0)

	return &ProbeSource{
		client:     client,
		url:        url,
		interval:   interval,
		logger:     logger,
		interfaces: net.Interfaces,
	}
}

var _ Prober = (*ProbeSource)(nil)

// Probe takes one observation.
func (p *ProbeSource) Probe(ctx context.Context) State {
	st := State{Connected: p.linkUp()}
	if !st.Connected {
		return st
	}

	resp, err := p.client.R().SetContext(ctx).Get(p.url)
	if err != nil {
		p.logger.Debugf("health probe failed: %v", err)
		return st
	}
	// Any answer below 500 means the server is reachable.
	st.InternetReachable = resp.StatusCode() < 500
	return st
}

// Watch probes immediately and then on every interval tick.
func (p *ProbeSource) Watch(ctx context.Context) <-chan State {
	out := make(chan State, 1)
	go func() {
		defer close(out)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			st := p.Probe(ctx)
			select {
			case out <- st:
			case <-ctx.Done():
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (p *ProbeSource) linkUp() bool {
	ifaces, err := p.interfaces()
	if err != nil {
		p.logger.Debugf("failed to list interfaces: %v", err)
		// Without interface data let the HTTP probe decide.
		return true
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}

// ManualSource is a Source driven by explicit Set calls.
type ManualSource struct {
	mu   sync.Mutex
	subs []chan State
}

// NewManualSource creates an empty ManualSource.
func NewManualSource() *ManualSource {
	return &ManualSource{}
}

// Watch implements Source.
func (s *ManualSource) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 16)

	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch
}

// Set publishes an observation to every watcher.
func (s *ManualSource) Set(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
