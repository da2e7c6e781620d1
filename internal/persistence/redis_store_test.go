package persistence_test

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/inboxflow/internal/persistence"
	"github.com/petrijr/inboxflow/internal/persistence/storetest"
	"github.com/petrijr/inboxflow/internal/testutil"
)

const redisPrefix = "inboxflow:test:"

type redisStoreSuite struct {
	storetest.CheckpointSuite
	client *redis.Client
}

func TestRedisStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	s := new(redisStoreSuite)
	s.client = redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() {
		_ = s.client.Close()
	})
	s.Store = persistence.NewRedisStore(s.client, redisPrefix)
	s.Reset = func() {
		ctx := context.Background()

		// Clean up all keys with this prefix.
		iter := s.client.Scan(ctx, 0, redisPrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			err := s.client.Del(ctx, iter.Val()).Err()
			s.NoErrorf(err, "redis DEL %q failed: %v", iter.Val(), err)
		}
		s.NoError(iter.Err(), "redis SCAN failed")
	}
	suite.Run(t, s)
}
