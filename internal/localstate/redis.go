package localstate

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores states as JSON strings with an expiry.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

// DialRedis builds a client and checks it with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (s *Redis) Load(ctx context.Context, key string) (State, bool) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("localstate: redis get %s: %v", key, err)
		}
		return State{}, false
	}
	st, ok := decode(data)
	if !ok {
		log.Printf("localstate: discarding undecodable state for %s", key)
	}
	return st, ok
}

func (s *Redis) Save(ctx context.Context, key string, st State) {
	b, err := encode(st)
	if err != nil {
		log.Printf("localstate: encode %s: %v", key, err)
		return
	}
	if err := s.rdb.Set(ctx, key, b, s.ttl).Err(); err != nil {
		log.Printf("localstate: redis set %s: %v", key, err)
	}
}

func (s *Redis) Delete(ctx context.Context, key string) {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		log.Printf("localstate: redis del %s: %v", key, err)
	}
}
