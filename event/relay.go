package event

import (
	"context"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/devicelab-dev/simfleet/types"
)

// Relay fans events out to every subscribed sink, synchronously and in
// subscription order. A failing sink is logged and skipped; it never blocks
// or aborts delivery to the remaining sinks.
//
// Delivery happens under the relay's lock, so events published for one
// simulator reach every sink in publish order.
type Relay struct {
	mu    sync.Mutex
	sinks []Sink
}

var _ Sink = (*Relay)(nil)

// NewRelay creates a Relay with the given initial sinks.
func NewRelay(sinks ...Sink) *Relay {
	return &Relay{sinks: sinks}
}

// Subscribe appends sink to the delivery list. Subscribing the same sink
// twice delivers each event to it twice.
func (r *Relay) Subscribe(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// Unsubscribe removes the first occurrence of sink from the delivery list.
func (r *Relay) Unsubscribe(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.sinks {
		if s == sink {
			r.sinks = append(r.sinks[:i], r.sinks[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscribed sink before returning.
func (r *Relay) Publish(ctx context.Context, ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sinks {
		if err := s.Consume(ev); err != nil {
			log.WithFunc("event.Publish").Warnf(ctx, "sink dropped event %s/%d: %v",
				ev.SimulatorID, ev.Seq, err)
		}
	}
}

// Consume lets a Relay act as a Sink so relays can be chained.
func (r *Relay) Consume(ev types.Event) error {
	r.Publish(context.TODO(), ev)
	return nil
}
