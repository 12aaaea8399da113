// Package connectivity tracks whether the backend is reachable and announces
// transitions to the sync orchestrator.
package connectivity

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"kasirinaja/terminal/internal/metrics"
)

type Prober interface {
	Health(ctx context.Context) error
}

type Options struct {
	// ProbeInterval spaces probes while online.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// InitialBackoff and MaxBackoff bound the exponential probe schedule while offline.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Monitor struct {
	prober Prober
	opts   Options
	online atomic.Bool
	wake   chan struct{}

	mu   sync.Mutex
	subs []chan bool
}

func New(prober Prober, opts Options) *Monitor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 15 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 60 * time.Second
	}
	return &Monitor{prober: prober, opts: opts, wake: make(chan struct{}, 1)}
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Subscribe returns a channel that receives state changes in order. A reader
// that falls far behind loses the oldest ones, never the latest.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) Unsubscribe(ch <-chan bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subs {
		if sub == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// Report applies a hint from the UI (browser online/offline events) and probes
// right away to confirm it.
func (m *Monitor) Report(online bool) {
	m.set(online)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run probes until ctx is done: at ProbeInterval while online, on an
// exponential backoff while offline.
func (m *Monitor) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialBackoff
	b.MaxInterval = m.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		online := m.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		m.set(online)

		wait := m.opts.ProbeInterval
		if online {
			b.Reset()
		} else {
			wait = b.NextBackOff()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	return m.prober.Health(probeCtx) == nil
}

func (m *Monitor) set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	if online {
		metrics.Online.Set(1)
		log.Printf("[connectivity] backend reachable")
	} else {
		metrics.Online.Set(0)
		log.Printf("[connectivity] WARN: backend unreachable, working offline")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
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
