package services

// Store is the persistent key value state behind the gateway. Door automata
// live under garagedoor/state/automata/<door>, last device events under
// garagedoor/state/devices/<device> and garagedoor/state/events/<topic>/<device>,
// and the distributed config under garagedoor/config.
type Store interface {
	Set(key string, value string) error
	SetWithTTL(key string, value string, ttl uint64) error
	Get(key string) (string, error)
	GetRecursive(prefix string) ([]Node, error)
}

// Node is a single key value pair returned by GetRecursive.
type Node struct {
	Key   string
	Value string
}
