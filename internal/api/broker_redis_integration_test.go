//go:build redis_integration

package api

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"emdispatch/internal/model"
)

// redisURL uses REDIS_URL when set, otherwise starts a throwaway container.
func redisURL(t *testing.T) string {
	t.Helper()
	if u := os.Getenv("REDIS_URL"); u != "" {
		return u
	}
	ctx := context.Background()
	tc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tc.Terminate(ctx) })
	host, err := tc.Host(ctx)
	require.NoError(t, err)
	port, err := tc.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestRedisBrokerFanOutAcrossReplicas(t *testing.T) {
	url := redisURL(t)
	a, err := NewRedisBroker(url, nil)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := NewRedisBroker(url, nil)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	require.NoError(t, a.Ping(context.Background()))

	ch := b.Subscribe("c1")
	defer b.Unsubscribe("c1", ch)
	other := b.Subscribe("c2")
	defer b.Unsubscribe("c2", other)

	a.PublishCaseEvent(context.Background(), model.CaseEvent{ID: "e1", Type: "case.accepted", CaseID: "c1", To: model.CaseAccepted})

	select {
	case evt := <-ch:
		assert.Equal(t, "e1", evt.ID)
		assert.Equal(t, "case.accepted", evt.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("event did not cross replicas")
	}
	select {
	case evt := <-other:
		t.Fatalf("unexpected event on other case: %+v", evt)
	case <-time.After(200 * time.Millisecond):
	}

	b.Unsubscribe("c1", ch)
	b.Unsubscribe("c1", ch)
}
