package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"

	"github.com/openfga/grapher/pkg/testutils"
)

const (
	mongoImage   = "mongo:7"
	mongoPort    = nat.Port("27017/tcp")
	mongoReplSet = "rs0"
)

// RunMongoDBTestContainer starts a single node MongoDB replica set, so change streams
// are available, and returns its connection uri. The test is skipped when no Docker
// daemon answers. The container is stopped when the test finishes.
func RunMongoDBTestContainer(t testing.TB) string {
	ctx := context.Background()

	dc, err := testutils.NewDockerClient()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = dc.Close()
	})

	if err := dc.Ping(ctx); err != nil {
		t.Skipf("docker is not available: %v", err)
	}

	require.NoError(t, dc.PullImage(ctx, mongoImage))

	containerCfg := &container.Config{
		Image: mongoImage,
		Cmd:   []string{"mongod", "--replSet", mongoReplSet, "--bind_ip_all"},
		ExposedPorts: nat.PortSet{
			mongoPort: {},
		},
	}
	hostCfg := &container.HostConfig{
		AutoRemove:      true,
		PublishAllPorts: true,
	}

	name := "mongodb-" + testutils.CreateRandomString(12)
	inspect, err := dc.RunContainer(ctx, containerCfg, hostCfg, name)
	require.NoError(t, err, "failed to start mongodb container")

	t.Cleanup(func() {
		t.Logf("stopping container %s", name)
		if err := dc.StopContainer(context.Background(), inspect.ID, 5*time.Second); err != nil {
			t.Logf("failed to stop mongodb container: %v", err)
		}
	})

	hostPort, err := testutils.HostPort(inspect, mongoPort)
	require.NoError(t, err)

	initiate := fmt.Sprintf("rs.initiate({_id: '%s', members: [{_id: 0, host: 'localhost:27017'}]})", mongoReplSet)
	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.MaxElapsedTime = 30 * time.Second
	err = backoff.Retry(func() error {
		return dc.ExecCommand(ctx, inspect.ID, container.ExecOptions{
			Cmd: []string{"mongosh", "--quiet", "--eval", initiate},
		})
	}, backoffPolicy)
	require.NoError(t, err, "failed to initiate the mongodb replica set")

	// the member is announced as localhost:27017 inside the container, so the
	// client must not follow the replica set topology
	return fmt.Sprintf("mongodb://localhost:%s/?directConnection=true", hostPort)
}
