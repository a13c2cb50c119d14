package app

import (
	"context"

	"github.com/go-redis/redis/v8"
)

func ConnectRedis(config string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: config,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return rdb, nil
}
