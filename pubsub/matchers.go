package pubsub

import "strings"

// PrefixTopic matches a topic and everything nested below it. Commands are
// published per device as command/<device>, so a service watching for any
// command subscribes with Prefix("command").
type PrefixTopic struct {
	Prefix string
}

func Prefix(prefix string) *PrefixTopic {
	return &PrefixTopic{prefix}
}

func (t *PrefixTopic) Match(topic string) bool {
	return t.Prefix == topic || strings.HasPrefix(topic, t.Prefix+"/")
}

// AllTopic matches every event on the bus.
type AllTopic struct{}

func All() *AllTopic {
	return &AllTopic{}
}

func (t *AllTopic) Match(topic string) bool {
	return true
}

// ExactTopic matches a single topic, eg Exact("state") for sensor state
// changes or Exact("config") for config updates.
type ExactTopic struct {
	Exact string
}

func Exact(exact string) *ExactTopic {
	return &ExactTopic{exact}
}

func (t *ExactTopic) Match(topic string) bool {
	return t.Exact == topic
}
