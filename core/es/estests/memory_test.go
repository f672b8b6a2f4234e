package estests

import (
	"testing"

	"github.com/codewandler/evstore/core/es"
)

func TestInMemoryBackend(t *testing.T) {
	RunBackendSuite(t, func(t *testing.T) es.Backend {
		return es.NewInMemoryBackend()
	})
}
