package dummy

import "github.com/yombo/module-garagedoor/pubsub"

// Publisher for testing, recording emitted events.
type Publisher struct {
	Events []*pubsub.Event
}

func (pub *Publisher) ID() string {
	return "dummy"
}

func (pub *Publisher) Emit(ev *pubsub.Event) {
	pub.Events = append(pub.Events, ev)
	ev.Published.Set()
}

func (pub *Publisher) Close() {
}
