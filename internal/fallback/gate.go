package fallback

// Gate is a counting semaphore bounding simultaneous in-flight direct
// executions. Acquisition is non-blocking: degraded-mode admission is
// user-facing, and rejecting with a retriable error keeps latency bounded.
type Gate struct {
	permits chan struct{}
}

// NewGate creates a gate with the given number of permits.
func NewGate(cap int) *Gate {
	return &Gate{
		permits: make(chan struct{}, cap),
	}
}

// TryAcquire takes a permit if one is free. The returned release function
// must be called exactly once, typically via defer, so a panicking handler
// can never leak a permit.
func (g *Gate) TryAcquire() (release func(), ok bool) {
	select {
	case g.permits <- struct{}{}:
		var once bool
		return func() {
			if once {
				return
			}
			once = true
			<-g.permits
		}, true
	default:
		return nil, false
	}
}

// InFlight returns the number of permits currently held.
func (g *Gate) InFlight() int {
	return len(g.permits)
}
