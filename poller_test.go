package pinning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

// fakeIndex answers "available" from the succeedAt-th probe on; zero never
// succeeds.
type fakeIndex struct {
	lk        sync.Mutex
	probes    int
	succeedAt int
	err       error
}

func (f *fakeIndex) Probe(ctx context.Context, root cid.Cid) (bool, error) {
	f.lk.Lock()
	defer f.lk.Unlock()

	f.probes++
	if f.succeedAt > 0 && f.probes >= f.succeedAt {
		return true, nil
	}
	return false, f.err
}

func (f *fakeIndex) Probes() int {
	f.lk.Lock()
	defer f.lk.Unlock()
	return f.probes
}

type pollRecorder struct {
	lk        sync.Mutex
	successes []cid.Cid
	errs      []error
}

func (r *pollRecorder) onSuccess(c cid.Cid) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.successes = append(r.successes, c)
}

func (r *pollRecorder) onError(c cid.Cid, err error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.errs = append(r.errs, err)
}

func (r *pollRecorder) counts() (int, int) {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.successes), len(r.errs)
}

func fastPoll() PollConfig {
	return PollConfig{
		MaxAttempts:  10,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
	}
}

func newTestPoller(index DiscoveryIndex, cfg PollConfig) (*AvailabilityPoller, *pollRecorder, *Metrics) {
	rec := &pollRecorder{}
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewAvailabilityPoller(index, cfg, metrics, rec.onSuccess, rec.onError), rec, metrics
}

func TestPollBackoffSchedule(t *testing.T) {
	b := newPollBackoff(DefaultPollConfig())

	expect := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, d := range expect {
		assert.Equal(t, d, b.NextBackOff(), "attempt %d", i+1)
	}
}

func TestPollerSucceedsFirstAttempt(t *testing.T) {
	index := &fakeIndex{succeedAt: 1}
	p, rec, metrics := newTestPoller(index, fastPoll())
	defer p.Close()

	root := testCid(t, "bafy123")
	p.Update(root, true)

	require.Eventually(t, func() bool {
		s, _ := rec.counts()
		return s == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, index.Probes())
	assert.Equal(t, root, rec.successes[0])
	assert.False(t, p.Polling())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.IndexProbes.WithLabelValues("available")))
}

func TestPollerRetriesErrors(t *testing.T) {
	index := &fakeIndex{succeedAt: 3, err: xerrors.New("connection reset")}
	p, rec, _ := newTestPoller(index, fastPoll())
	defer p.Close()

	p.Update(testCid(t, "root"), true)

	require.Eventually(t, func() bool {
		s, _ := rec.counts()
		return s == 1
	}, time.Second, time.Millisecond)

	_, errs := rec.counts()
	assert.Equal(t, 0, errs)
	assert.Equal(t, 3, index.Probes())
}

func TestPollerGivesUp(t *testing.T) {
	index := &fakeIndex{}
	p, rec, metrics := newTestPoller(index, fastPoll())
	defer p.Close()

	p.Update(testCid(t, "root"), true)

	require.Eventually(t, func() bool {
		_, errs := rec.counts()
		return errs == 1
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, 10, index.Probes())
	assert.True(t, xerrors.Is(rec.errs[0], ErrIndexNotConfirmed))
	assert.Equal(t, float64(10), testutil.ToFloat64(metrics.IndexProbes.WithLabelValues("not_found")))

	// no further probes once exhausted
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 10, index.Probes())
	s, errs := rec.counts()
	assert.Equal(t, 0, s)
	assert.Equal(t, 1, errs)
}

func TestPollerDeactivateIsSilent(t *testing.T) {
	index := &fakeIndex{}
	p, rec, _ := newTestPoller(index, PollConfig{
		MaxAttempts:  10,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	})
	defer p.Close()

	root := testCid(t, "root")
	p.Update(root, true)

	require.Eventually(t, func() bool {
		return index.Probes() >= 2
	}, time.Second, time.Millisecond)

	p.Update(root, false)
	probes := index.Probes()
	assert.False(t, p.Polling())
	assert.Equal(t, 0, p.Attempts())

	time.Sleep(100 * time.Millisecond)
	s, errs := rec.counts()
	assert.Equal(t, 0, s)
	assert.Equal(t, 0, errs)
	assert.LessOrEqual(t, index.Probes(), probes+1)
}

func TestPollerTargetChangeRestarts(t *testing.T) {
	index := &fakeIndex{}
	p, _, _ := newTestPoller(index, PollConfig{
		MaxAttempts:  10,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     time.Hour,
	})
	defer p.Close()

	p.Update(testCid(t, "first"), true)
	require.Eventually(t, func() bool {
		return p.Attempts() >= 2
	}, time.Second, time.Millisecond)

	// the new target starts over with a 5ms wait before its first probe
	p.Update(testCid(t, "second"), true)
	assert.Equal(t, 0, p.Attempts())
	assert.True(t, p.Polling())

	require.Eventually(t, func() bool {
		return p.Attempts() >= 1
	}, time.Second, time.Millisecond)
}

func TestPollerSameInputsNoop(t *testing.T) {
	index := &fakeIndex{}
	p, _, _ := newTestPoller(index, PollConfig{
		MaxAttempts:  10,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     time.Hour,
	})
	defer p.Close()

	root := testCid(t, "root")
	p.Update(root, true)
	require.Eventually(t, func() bool {
		return p.Attempts() >= 2
	}, time.Second, time.Millisecond)

	p.Update(root, true)
	assert.GreaterOrEqual(t, p.Attempts(), 2)
}

func TestPollerUndefinedTarget(t *testing.T) {
	index := &fakeIndex{succeedAt: 1}
	p, rec, _ := newTestPoller(index, fastPoll())

	p.Update(cid.Undef, true)
	assert.False(t, p.Polling())

	p.Close()
	p.Update(testCid(t, "root"), true)
	assert.False(t, p.Polling())

	time.Sleep(20 * time.Millisecond)
	s, _ := rec.counts()
	assert.Equal(t, 0, s)
	assert.Equal(t, 0, index.Probes())
}
