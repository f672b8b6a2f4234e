package nats

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestContainer starts a JetStream enabled NATS server in a container and
// returns a Connector for it. The test is skipped when no container runtime
// is available.
func NewTestContainer(t *testing.T) Connector {
	return ConnectURL(NewTestServerURL(t))
}

// NewTestServerURL is like NewTestContainer but returns the server URL.
func NewTestServerURL(t *testing.T) string {
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	natsC, err := testcontainers.Run(
		ctx, "nats:latest",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := natsC.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("nats endpoint: %s", endpoint)
	return endpoint
}
