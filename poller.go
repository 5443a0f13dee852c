package pinning

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

type pollState int

const (
	pollIdle pollState = iota
	pollRunning
)

// AvailabilityPoller probes a DiscoveryIndex until it reports a CID as
// available, waiting min(InitialDelay*2^(n-1), MaxDelay) before attempt n.
//
// Callbacks run while the poller lock is held, so once Update deactivates
// the poller no further callback is delivered. Callbacks must not call back
// into the poller.
type AvailabilityPoller struct {
	index     DiscoveryIndex
	cfg       PollConfig
	onSuccess func(cid.Cid)
	onError   func(cid.Cid, error)
	metrics   *Metrics

	lk       sync.Mutex
	target   cid.Cid
	active   bool
	state    pollState
	attempts int
	gen      uint64
	cancel   context.CancelFunc
	closed   bool
}

func NewAvailabilityPoller(index DiscoveryIndex, cfg PollConfig, metrics *Metrics, onSuccess func(cid.Cid), onError func(cid.Cid, error)) *AvailabilityPoller {
	return &AvailabilityPoller{
		index:     index,
		cfg:       cfg,
		metrics:   metrics,
		onSuccess: onSuccess,
		onError:   onError,
	}
}

// Update sets the poll target. The poller is armed while target is defined
// and active is true; any change restarts from attempt zero, and disarming
// cancels without invoking callbacks.
func (p *AvailabilityPoller) Update(target cid.Cid, active bool) {
	p.lk.Lock()
	defer p.lk.Unlock()

	if p.closed {
		return
	}
	if target.Equals(p.target) && active == p.active {
		return
	}

	p.stopLocked()
	p.target = target
	p.active = active

	if !target.Defined() || !active {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.state = pollRunning
	p.attempts = 0
	p.gen++

	go p.run(ctx, p.gen, target)
}

// Attempts returns the number of probes made for the current target.
func (p *AvailabilityPoller) Attempts() int {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.attempts
}

func (p *AvailabilityPoller) Polling() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.state == pollRunning
}

// Close stops polling for good.
func (p *AvailabilityPoller) Close() {
	p.lk.Lock()
	defer p.lk.Unlock()

	p.stopLocked()
	p.closed = true
}

func (p *AvailabilityPoller) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.state = pollIdle
	p.attempts = 0
	p.gen++
}

func (p *AvailabilityPoller) run(ctx context.Context, gen uint64, target cid.Cid) {
	sched := newPollBackoff(p.cfg)

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		delay := sched.NextBackOff()
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if !p.beginAttempt(gen, attempt) {
			return
		}

		ok, err := p.index.Probe(ctx, target)
		if ctx.Err() != nil {
			return
		}
		switch {
		case ok:
			p.metrics.IndexProbes.WithLabelValues("available").Inc()
			p.finish(gen, func() { p.onSuccess(target) })
			return
		case err != nil:
			p.metrics.IndexProbes.WithLabelValues("error").Inc()
			log.Debugf("index probe %d/%d for %s failed: %+v", attempt, p.cfg.MaxAttempts, target, err)
		default:
			p.metrics.IndexProbes.WithLabelValues("not_found").Inc()
			log.Debugf("index probe %d/%d: %s not announced yet", attempt, p.cfg.MaxAttempts, target)
		}
	}

	p.finish(gen, func() {
		p.onError(target, xerrors.Errorf("%s after %d attempts: %w", target, p.cfg.MaxAttempts, ErrIndexNotConfirmed))
	})
}

func (p *AvailabilityPoller) beginAttempt(gen uint64, attempt int) bool {
	p.lk.Lock()
	defer p.lk.Unlock()

	if gen != p.gen {
		return false
	}
	p.attempts = attempt
	return true
}

// finish delivers cb if the run is still current and returns the poller to idle.
func (p *AvailabilityPoller) finish(gen uint64, cb func()) {
	p.lk.Lock()
	defer p.lk.Unlock()

	if gen != p.gen {
		return
	}
	p.state = pollIdle
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	cb()
}

// newPollBackoff returns the jitter-free schedule: InitialDelay doubling up
// to MaxDelay, never giving up on its own.
func newPollBackoff(cfg PollConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
