package circuitbreaker

import "github.com/dskow/service-gateway/internal/metrics"

// Bulkhead caps the number of in-flight forwards to one service so a slow
// upstream cannot pin every gateway goroutine.
type Bulkhead struct {
	sem     chan struct{}
	service string
}

// NewBulkhead allows at most maxConcurrent in-flight requests.
func NewBulkhead(service string, maxConcurrent int) *Bulkhead {
	return &Bulkhead{
		sem:     make(chan struct{}, maxConcurrent),
		service: service,
	}
}

// TryAcquire takes a slot without blocking. Every successful call must be
// paired with Release.
func (b *Bulkhead) TryAcquire() bool {
	select {
	case b.sem <- struct{}{}:
		return true
	default:
		metrics.BulkheadRejections.WithLabelValues(b.service).Inc()
		return false
	}
}

// Release frees a slot taken by TryAcquire.
func (b *Bulkhead) Release() {
	<-b.sem
}

// InFlight returns the number of held slots.
func (b *Bulkhead) InFlight() int {
	return len(b.sem)
}
