//go:build integration

package redisclient_test

import (
	"context"
	"testing"
	"time"

	"fulfillment-engine/internal/redisclient"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type RedisClientIntegrationTestSuite struct {
	suite.Suite
	container testcontainers.Container
	client    *redisclient.Client
}

func (s *RedisClientIntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.container = container

	endpoint, err := container.Endpoint(ctx, "")
	s.Require().NoError(err)

	client, err := redisclient.NewClient(endpoint, "", 0)
	s.Require().NoError(err)
	s.client = client
}

func (s *RedisClientIntegrationTestSuite) SetupTest() {
	s.Require().NoError(s.client.GetClient().FlushDB(context.Background()).Err())
}

func (s *RedisClientIntegrationTestSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(context.Background()))
	}
}

func (s *RedisClientIntegrationTestSuite) TestTrackingCacheExpires() {
	ctx := context.Background()
	cache := s.client.TrackingCache()

	_, ok, err := cache.Get(ctx, "AB1")
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(cache.Set(ctx, "AB1", "royal-mail", []byte(`{"status":"IN_TRANSIT"}`), time.Second))

	payload, ok, err := cache.Get(ctx, "AB1")
	s.Require().NoError(err)
	s.True(ok)
	s.JSONEq(`{"status":"IN_TRANSIT"}`, string(payload))

	s.Eventually(func() bool {
		_, ok, err := cache.Get(ctx, "AB1")
		return err == nil && !ok
	}, 5*time.Second, 100*time.Millisecond)
}

func (s *RedisClientIntegrationTestSuite) TestLockIsExclusive() {
	ctx := context.Background()

	ok, err := s.client.AcquireLock(ctx, "order:key-1", time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.client.AcquireLock(ctx, "order:key-1", time.Minute)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.client.ReleaseLock(ctx, "order:key-1"))

	ok, err = s.client.AcquireLock(ctx, "order:key-1", time.Minute)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *RedisClientIntegrationTestSuite) TestMarkEventProcessedDeduplicates() {
	ctx := context.Background()

	first, err := s.client.MarkEventProcessed(ctx, "evt_1", time.Hour)
	s.Require().NoError(err)
	s.True(first)

	second, err := s.client.MarkEventProcessed(ctx, "evt_1", time.Hour)
	s.Require().NoError(err)
	s.False(second)

	s.Require().NoError(s.client.ForgetEvent(ctx, "evt_1"))
	again, err := s.client.MarkEventProcessed(ctx, "evt_1", time.Hour)
	s.Require().NoError(err)
	s.True(again)
}

func TestRedisClientIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(RedisClientIntegrationTestSuite))
}
