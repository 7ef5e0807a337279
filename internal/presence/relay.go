package presence

import "go.uber.org/zap"

// Observer is told about every delivery attempt.
type Observer interface {
	EventDelivered(EventType)
	EventDropped(EventType)
}

type nopObserver struct{}

func (nopObserver) EventDelivered(EventType) {}
func (nopObserver) EventDropped(EventType)   {}

// Relay pushes events to registered connections. Delivery is best-effort and
// at most once: nothing blocks, nothing is retried.
type Relay struct {
	registry *Registry
	logger   *zap.Logger
	observer Observer
}

type RelayOption func(*Relay)

func WithObserver(o Observer) RelayOption {
	return func(r *Relay) {
		if o != nil {
			r.observer = o
		}
	}
}

func NewRelay(registry *Registry, logger *zap.Logger, opts ...RelayOption) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{registry: registry, logger: logger, observer: nopObserver{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Registry() *Registry { return r.registry }

// Deliver queues evt for userID. It returns false when the user is not
// registered or their outbound queue refused the event.
func (r *Relay) Deliver(userID string, evt Event) bool {
	conn, ok := r.registry.Lookup(userID)
	if !ok {
		r.observer.EventDropped(evt.Type)
		r.logger.Debug("relay miss", zap.String("user_id", userID), zap.String("event", string(evt.Type)))
		return false
	}
	return r.send(conn, evt)
}

// Broadcast queues evt on every registered connection except exclude and
// returns how many accepted it.
func (r *Relay) Broadcast(evt Event, exclude Conn) int {
	sent := 0
	for _, conn := range r.registry.Connections(exclude) {
		if r.send(conn, evt) {
			sent++
		}
	}
	return sent
}

func (r *Relay) send(conn Conn, evt Event) bool {
	if conn.Send(evt) {
		r.observer.EventDelivered(evt.Type)
		return true
	}
	r.observer.EventDropped(evt.Type)
	r.logger.Debug("relay dropped event", zap.String("conn_id", conn.ID()), zap.String("event", string(evt.Type)))
	return false
}
