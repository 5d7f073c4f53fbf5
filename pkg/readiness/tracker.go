// Package readiness tracks whether the backend full node can serve requests.
//
// The Tracker holds an immutable Snapshot behind an atomic pointer, so Status
// never blocks and never performs I/O. It is fed by two sources: the backend
// client reports the outcome of every call (RecordSuccess, RecordFailure,
// RecordWarmup), and the Prober periodically reports the backend's own view
// of its sync state (ObserveChainInfo).
//
// Usage:
//
//	tracker := readiness.NewTracker(readiness.DefaultFailureThreshold)
//	client, _ := backend.NewClient(cfg, tracker)
//	prober := readiness.NewProber(tracker, client, 30*time.Second)
//	prober.Start(ctx)
//	defer prober.Stop()
//
//	if tracker.Status().State == readiness.StateSyncing {
//	    // report not ready
//	}
package readiness

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/cln-floresta/internal/types"
	"github.com/fortiblox/cln-floresta/pkg/backend"
)

// DefaultFailureThreshold is the number of consecutive connection failures
// after which the backend is considered unreachable.
const DefaultFailureThreshold = 3

// State is the backend readiness state.
type State int32

// Readiness states.
const (
	StateUnreachable State = iota
	StateSyncing
	StateReady
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateReady:
		return "ready"
	default:
		return "unreachable"
	}
}

// Snapshot is an immutable view of the backend status.
type Snapshot struct {
	State State

	// Progress is the sync fraction in [0, 1]. It is 1 when Ready.
	Progress float64

	// Tip is the last tip observed by a probe. Valid only if HasTip.
	Tip    types.ChainTip
	HasTip bool

	Chain   string
	Headers uint64
	Blocks  uint64

	ConsecutiveFailures int
	LastError           string
	UpdatedAt           time.Time
}

// Tracker maintains the backend readiness state machine.
type Tracker struct {
	threshold int
	status    atomic.Pointer[Snapshot]
	kick      chan struct{}

	mu        sync.RWMutex
	listeners []func(old, new Snapshot)
}

var _ backend.StatusRecorder = (*Tracker)(nil)

// NewTracker creates a tracker in the Unreachable state.
func NewTracker(failureThreshold int) *Tracker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	t := &Tracker{
		threshold: failureThreshold,
		kick:      make(chan struct{}, 1),
	}
	t.status.Store(&Snapshot{State: StateUnreachable, UpdatedAt: time.Now()})
	return t
}

// Status returns the current snapshot. It never blocks.
func (t *Tracker) Status() Snapshot {
	return *t.status.Load()
}

// FailureThreshold returns the configured failure threshold.
func (t *Tracker) FailureThreshold() int {
	return t.threshold
}

// OnChange registers a listener invoked when the state or progress changes.
// Listeners run synchronously on the updating goroutine, outside any lock.
func (t *Tracker) OnChange(fn func(old, new Snapshot)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Kicks delivers a value when an immediate probe is wanted.
func (t *Tracker) Kicks() <-chan struct{} {
	return t.kick
}

// RequestProbe asks the prober for an immediate probe without blocking.
func (t *Tracker) RequestProbe() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// ObserveChainInfo records the result of a successful probe.
func (t *Tracker) ObserveChainInfo(info *types.ChainInfo) {
	t.update(func(s Snapshot) Snapshot {
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.Tip = info.Tip()
		s.HasTip = true
		s.Chain = info.Chain
		s.Headers = info.Headers
		s.Blocks = info.Blocks
		if info.Synced() {
			s.State = StateReady
			s.Progress = 1
		} else {
			s.State = StateSyncing
			s.Progress = info.Progress
		}
		return s
	})
}

// RecordSuccess resets the failure count. An Unreachable backend that
// answers again is not assumed ready: a probe is requested instead.
func (t *Tracker) RecordSuccess() {
	old := t.update(func(s Snapshot) Snapshot {
		s.ConsecutiveFailures = 0
		return s
	})
	if old.State == StateUnreachable {
		t.RequestProbe()
	}
}

// RecordFailure counts a connection failure or timeout.
func (t *Tracker) RecordFailure(err error) {
	t.update(func(s Snapshot) Snapshot {
		s.ConsecutiveFailures++
		if err != nil {
			s.LastError = err.Error()
		}
		if s.ConsecutiveFailures >= t.threshold {
			s.State = StateUnreachable
			s.Progress = 0
		}
		return s
	})
}

// RecordWarmup records that the backend is up but still starting.
func (t *Tracker) RecordWarmup() {
	t.update(func(s Snapshot) Snapshot {
		s.ConsecutiveFailures = 0
		s.State = StateSyncing
		s.Progress = 0
		return s
	})
}

// update applies fn with a compare-and-swap loop and notifies listeners.
// It returns the snapshot fn was applied to.
func (t *Tracker) update(fn func(Snapshot) Snapshot) Snapshot {
	for {
		oldPtr := t.status.Load()
		next := fn(*oldPtr)
		next.UpdatedAt = time.Now()
		if !t.status.CompareAndSwap(oldPtr, &next) {
			continue
		}
		if next.State != oldPtr.State || next.Progress != oldPtr.Progress {
			t.notify(*oldPtr, next)
		}
		return *oldPtr
	}
}

func (t *Tracker) notify(old, new Snapshot) {
	t.mu.RLock()
	listeners := make([]func(old, new Snapshot), len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.RUnlock()

	for _, fn := range listeners {
		fn(old, new)
	}
}
