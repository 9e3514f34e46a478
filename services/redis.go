package services

import (
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

type RedisStore struct {
	pool *redis.Pool
}

func NewRedisStore(address string) (Store, error) {
	ret := &RedisStore{newPool(address)}
	// test the connection
	err := ret.Ping()
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func newPool(server string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     1,
		IdleTimeout: 3600 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", server)
		},
	}
}

func (store *RedisStore) Ping() error {
	conn := store.pool.Get()
	defer conn.Close()
	_, err := conn.Do("PING")
	return err
}

func (store *RedisStore) Set(key string, value string) error {
	conn := store.pool.Get()
	defer conn.Close()
	_, err := conn.Do("SET", key, value)
	return err
}

func (store *RedisStore) SetWithTTL(key string, value string, ttl uint64) error {
	conn := store.pool.Get()
	defer conn.Close()
	_, err := conn.Do("SET", key, value, "EX", ttl)
	return err
}

func (store *RedisStore) Get(key string) (string, error) {
	conn := store.pool.Get()
	defer conn.Close()
	str, err := redis.String(conn.Do("GET", key))
	if err == redis.ErrNil {
		err = errors.Errorf("key missing: %s", key)
	}
	return str, err
}

func (store *RedisStore) GetRecursive(prefix string) ([]Node, error) {
	conn := store.pool.Get()
	defer conn.Close()
	reply, err := conn.Do("KEYS", prefix+"/*")
	if err != nil {
		return nil, err
	}
	ikeys := reply.([]interface{})
	keys, err := redis.Strings(reply, err)
	if err != nil {
		return nil, err
	}
	if len(ikeys) == 0 {
		return nil, nil
	}
	values, err := redis.Strings(conn.Do("MGET", ikeys...))
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, len(keys))
	for i, key := range keys {
		nodes[i] = Node{Key: key, Value: values[i]}
	}
	return nodes, nil
}
