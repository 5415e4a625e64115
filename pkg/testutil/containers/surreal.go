//go:build integration

package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	surrealImage = "surrealdb/surrealdb:v2.3.7"
	surrealPort  = "8000/tcp"
)

// SurrealContainer runs an in-memory SurrealDB. There is no testcontainers
// module for it, so it is started as a generic container.
type SurrealContainer struct {
	Container testcontainers.Container
	Endpoint  string
}

func NewSurrealContainer(t *testing.T) *SurrealContainer {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        surrealImage,
			ExposedPorts: []string{surrealPort},
			Cmd:          []string{"start", "--user", "root", "--pass", "root", "memory"},
			WaitingFor: wait.ForHTTP("/health").
				WithPort(surrealPort).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start surrealdb container: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("surrealdb host: %v", err)
	}
	port, err := container.MappedPort(ctx, surrealPort)
	if err != nil {
		t.Fatalf("surrealdb port: %v", err)
	}
	return &SurrealContainer{
		Container: container,
		Endpoint:  fmt.Sprintf("ws://root:root@%s:%s/rpc", host, port.Port()),
	}
}

// URL selects a namespace and database on the shared instance. Suites pick
// a fresh database per test to stay isolated.
func (c *SurrealContainer) URL(ns, db string) string {
	return fmt.Sprintf("%s?ns=%s&db=%s", c.Endpoint, ns, db)
}
