package redis

import (
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestBackend starts Redis in a container and returns a backend with a
// unique key prefix. The test is skipped when no container runtime is
// available.
func NewTestBackend(t *testing.T) *Backend {
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	redisC, err := testcontainers.Run(
		ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := redisC.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err)
	t.Logf("redis endpoint: %s", endpoint)

	b, err := Open(ctx, Options{
		Addr:      endpoint,
		KeyPrefix: "test-" + gonanoid.Must(6) + ":",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}
