package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestMongo holds a MongoDB container and the URI to reach it
type TestMongo struct {
	URI       string
	container testcontainers.Container
}

// SetupTestMongo starts a MongoDB container. The test is skipped when no
// container runtime is available.
func SetupTestMongo(t *testing.T) *TestMongo {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := startContainer(ctx, req)
	if err != nil {
		t.Skipf("MongoDB container unavailable: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		terminate(t, container)
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		terminate(t, container)
		t.Fatal(err)
	}
	return &TestMongo{
		URI:       fmt.Sprintf("mongodb://%s:%s", host, port.Port()),
		container: container,
	}
}

func (tm *TestMongo) Teardown(t *testing.T) {
	terminate(t, tm.container)
}
