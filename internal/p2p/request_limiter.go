package p2p

import (
	"sync/atomic"

	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

// RequestLimiter caps concurrent inbound client requests per node.
// A nil limiter or max <= 0 allows everything.
type RequestLimiter struct {
	max  int64
	open int64
}

func NewRequestLimiter(max int64) *RequestLimiter { return &RequestLimiter{max: max} }

// TryAcquire takes a slot; false means the request must be refused.
func (l *RequestLimiter) TryAcquire() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	for {
		o := atomic.LoadInt64(&l.open)
		if o >= l.max {
			metrics.Inc(MetricRequestsLimited, nil)
			return false
		}
		if atomic.CompareAndSwapInt64(&l.open, o, o+1) {
			metrics.AddGauge(MetricRequestsInflight, nil, 1)
			return true
		}
	}
}

// Release returns a slot taken by TryAcquire.
func (l *RequestLimiter) Release() {
	if l == nil || l.max <= 0 {
		return
	}
	for {
		o := atomic.LoadInt64(&l.open)
		if o <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&l.open, o, o-1) {
			metrics.AddGauge(MetricRequestsInflight, nil, -1)
			return
		}
	}
}
