package testutils

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	MinioAccessKey = "minioadmin"
	MinioSecretKey = "minioadmin"
)

// Environment holds the shared containers' connection details
type Environment struct {
	Redis         *redis.Client
	MinioEndpoint string
	NATS          *nats.Conn
	JetStream     nats.JetStreamContext
}

var (
	once    sync.Once
	env     *Environment
	initErr error

	// Cleanup function
	globalCleanup func()
)

// RequireIntegration skips t unless integration tests were asked for
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() || os.Getenv("EKKO_INTEGRATION") == "" {
		t.Skip("integration test: set EKKO_INTEGRATION=1 to run")
	}
}

// GetTestEnvironment returns shared Redis, MinIO and NATS instances. Redis is
// flushed on every call.
func GetTestEnvironment(ctx context.Context) (*Environment, error) {
	once.Do(func() {
		env, initErr = setupGlobalTestEnvironment(ctx)
	})
	if initErr != nil {
		return nil, fmt.Errorf("failed to initialize test environment: %w", initErr)
	}

	// Reset data between tests
	if err := env.Redis.FlushAll(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to flush Redis: %w", err)
	}
	return env, nil
}

// CleanupTestEnvironment should be called from TestMain after all tests
func CleanupTestEnvironment() {
	if globalCleanup != nil {
		globalCleanup()
	}
}

func setupGlobalTestEnvironment(ctx context.Context) (*Environment, error) {
	var containers []testcontainers.Container
	terminate := func() {
		for _, c := range containers {
			_ = c.Terminate(context.Background())
		}
	}

	redisC, err := tcRedis.Run(ctx, "redis:7")
	if err != nil {
		return nil, fmt.Errorf("failed to start Redis: %w", err)
	}
	containers = append(containers, redisC)

	redisURL, err := redisC.ConnectionString(ctx)
	if err != nil {
		terminate()
		return nil, err
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		terminate()
		return nil, err
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		terminate()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	minioC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     MinioAccessKey,
				"MINIO_ROOT_PASSWORD": MinioSecretKey,
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		terminate()
		return nil, fmt.Errorf("failed to start MinIO: %w", err)
	}
	containers = append(containers, minioC)

	minioEndpoint, err := minioC.PortEndpoint(ctx, "9000/tcp", "")
	if err != nil {
		terminate()
		return nil, err
	}

	// Start NATS container with tmpfs
	natsC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"-js", "-sd", "/data/jetstream"},
			Tmpfs:        map[string]string{"/data/jetstream": "rw"},
			WaitingFor:   wait.ForLog("Listening for client connections").WithStartupTimeout(10 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		terminate()
		return nil, fmt.Errorf("failed to start NATS: %w", err)
	}
	containers = append(containers, natsC)

	natsURL, err := natsC.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		terminate()
		return nil, err
	}
	nc, err := nats.Connect(natsURL)
	if err != nil {
		terminate()
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		terminate()
		return nil, err
	}

	globalCleanup = func() {
		nc.Close()
		rc.Close()
		terminate()
	}

	return &Environment{Redis: rc, MinioEndpoint: minioEndpoint, NATS: nc, JetStream: js}, nil
}
