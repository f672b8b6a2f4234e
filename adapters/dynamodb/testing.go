package dynamodb

import (
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestBackend starts DynamoDB local in a container and returns a backend
// on a fresh table. The test is skipped when no container runtime is
// available.
func NewTestBackend(t *testing.T) *Backend {
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	ddbC, err := testcontainers.Run(
		ctx, "amazon/dynamodb-local:latest",
		testcontainers.WithCmd("-jar", "DynamoDBLocal.jar", "-inMemory", "-sharedDb"),
		testcontainers.WithExposedPorts("8000/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("8000/tcp")),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ddbC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := ddbC.PortEndpoint(ctx, "8000/tcp", "http")
	require.NoError(t, err)
	t.Logf("dynamodb endpoint: %s", endpoint)

	b, err := Open(ctx, Options{
		Table:           "events-" + gonanoid.Must(8),
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     "local",
		SecretAccessKey: "local",
		CreateTable:     true,
	})
	require.NoError(t, err)
	return b
}
