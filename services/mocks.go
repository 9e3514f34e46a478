package services

import (
	"fmt"
	"strings"
)

// A very basic, only partial implementation of Store.
// Enough to pass tests.
type MockStore struct {
	data map[string]string
}

func NewMockStore() *MockStore {
	ret := MockStore{
		data: map[string]string{},
	}
	return &ret
}

func (store *MockStore) Get(key string) (string, error) {
	if value, ok := store.data[key]; ok {
		return value, nil
	}
	return "", fmt.Errorf("key missing: %s", key)
}

func (store *MockStore) Set(key string, value string) error {
	if store.data == nil {
		store.data = map[string]string{}
	}
	store.data[key] = value
	return nil
}

func (store *MockStore) SetWithTTL(key string, value string, ttl uint64) error {
	return store.Set(key, value)
}

func (store *MockStore) GetRecursive(prefix string) ([]Node, error) {
	var ret []Node
	for key, value := range store.data {
		if strings.HasPrefix(key, prefix) {
			ret = append(ret, Node{Key: key, Value: value})
		}
	}

	return ret, nil
}
