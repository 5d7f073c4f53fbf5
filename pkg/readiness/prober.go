package readiness

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/cln-floresta/internal/types"
)

// DefaultProbeInterval is the default interval between periodic probes.
const DefaultProbeInterval = 30 * time.Second

// ChainInfoSource is the probe target, normally the backend client.
type ChainInfoSource interface {
	GetChainInfo(ctx context.Context) (*types.ChainInfo, error)
}

// Prober periodically asks the backend for its sync state and feeds the
// result to a Tracker. Failed probes are not recorded here: the backend
// client reports them as a side effect of the call.
type Prober struct {
	tracker  *Tracker
	source   ChainInfoSource
	interval time.Duration

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	onProbe func(info *types.ChainInfo, err error)
}

// NewProber creates a prober. An interval of zero disables periodic probes;
// probes requested through the tracker still run.
func NewProber(tracker *Tracker, source ChainInfoSource, interval time.Duration) *Prober {
	return &Prober{
		tracker:  tracker,
		source:   source,
		interval: interval,
	}
}

// SetOnProbe sets a callback invoked after every probe.
// Must be called before Start().
func (p *Prober) SetOnProbe(fn func(info *types.ChainInfo, err error)) {
	p.onProbe = fn
}

// Start runs an initial probe and then starts the probe loop.
func (p *Prober) Start(ctx context.Context) {
	if p.started.Swap(true) {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.Probe(p.ctx)

	p.wg.Add(1)
	go p.probeLoop()
}

// Stop stops the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	if p.closed.Swap(true) {
		return
	}

	if p.cancel != nil {
		p.cancel()
	}

	p.wg.Wait()
}

// Probe performs a single probe.
func (p *Prober) Probe(ctx context.Context) (*types.ChainInfo, error) {
	info, err := p.source.GetChainInfo(ctx)
	if err == nil {
		p.tracker.ObserveChainInfo(info)
	}
	if p.onProbe != nil {
		p.onProbe(info, err)
	}
	return info, err
}

func (p *Prober) probeLoop() {
	defer p.wg.Done()

	var tick <-chan time.Time
	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-tick:
			p.Probe(p.ctx)
		case <-p.tracker.Kicks():
			p.Probe(p.ctx)
		}
	}
}
