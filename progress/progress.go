// Package progress reports the progress of long analyses.
package progress

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Provider reports how much of its work is done, from 0 to 100. It must be
// safe to call from any goroutine.
type Provider interface {
	PercentageDone() float64
}

// Monitor observes a Provider between Start and End.
type Monitor interface {
	Start(p Provider)
	End()
}

// Nop is a Monitor that reports nothing.
type Nop struct{}

func (Nop) Start(Provider) {}
func (Nop) End()           {}

// Run monitors p while fn runs.
func Run(m Monitor, p Provider, fn func() error) error {
	m.Start(p)
	defer m.End()
	return fn()
}

// ---------------------------------------------------------------------------
// ConsoleMonitor
// ---------------------------------------------------------------------------

// DefaultInterval is the default polling interval of a ConsoleMonitor.
const DefaultInterval = 500 * time.Millisecond

// ConsoleMonitor polls its provider on a ticker and rewrites one status
// line on out.
type ConsoleMonitor struct {
	out      io.Writer
	title    string
	interval time.Duration

	mu       sync.Mutex // protects start/stop lifecycle
	provider Provider
	started  time.Time
	stop     chan struct{}
	stopped  chan struct{}

	reports atomic.Uint64
}

// NewConsoleMonitor returns a monitor writing to out. A non-positive
// interval means DefaultInterval.
func NewConsoleMonitor(out io.Writer, title string, interval time.Duration) *ConsoleMonitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &ConsoleMonitor{out: out, title: title, interval: interval}
}

// Start begins polling p. Starting a running monitor does nothing.
func (m *ConsoleMonitor) Start(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return // already running
	}
	m.provider = p
	m.started = time.Now()
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})

	stopCh := m.stop
	stoppedCh := m.stopped
	go m.loop(p, stopCh, stoppedCh)
}

// End stops polling, waits for the loop and prints the final status. It is
// safe to call on a monitor that is not running.
func (m *ConsoleMonitor) End() {
	m.mu.Lock()
	stopCh, stoppedCh := m.stop, m.stopped
	p, started := m.provider, m.started
	m.stop, m.stopped, m.provider = nil, nil, nil
	m.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-stoppedCh
	fmt.Fprintf(m.out, "\r%s: %5.1f%% in %s\n", m.title, p.PercentageDone(),
		time.Since(started).Round(time.Millisecond))
}

// Reports returns how many intermediate status lines were written.
func (m *ConsoleMonitor) Reports() uint64 {
	return m.reports.Load()
}

func (m *ConsoleMonitor) loop(p Provider, stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			fmt.Fprintf(m.out, "\r%s: %5.1f%%", m.title, p.PercentageDone())
			m.reports.Add(1)
		}
	}
}
