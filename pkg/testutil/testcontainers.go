package testutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Images used by the integration suite.
const (
	MongoImage    = "mongo:6.0"
	RedisImage    = "redis:7.0"
	RabbitMQImage = "rabbitmq:3.12-management"
	PostgresImage = "postgres:16-alpine"
	NATSImage     = "nats:2.10"
)

// Container is a started dependency and the address it is reachable on.
type Container struct {
	testcontainers.Container
	Host string
	Port string
	// URI is the connection string for the service (empty for Redis, use Addr).
	URI string
}

// Addr returns host:port.
func (c *Container) Addr() string {
	return c.Host + ":" + c.Port
}

// Close terminates the container; a nil container is a no-op.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Container == nil {
		return nil
	}
	return c.Terminate(ctx)
}

type containerSpec struct {
	name     string
	image    string
	port     string
	env      map[string]string
	cmd      []string
	waitLog  string
	deadline time.Duration
	uri      func(host, port string) string
}

func start(ctx context.Context, spec containerSpec) (*Container, error) {
	strategies := []wait.Strategy{wait.ForListeningPort(nat.Port(spec.port + "/tcp"))}
	if spec.waitLog != "" {
		strategies = append([]wait.Strategy{wait.ForLog(spec.waitLog)}, strategies...)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        spec.image,
			ExposedPorts: []string{spec.port + "/tcp"},
			Env:          spec.env,
			Cmd:          spec.cmd,
			WaitingFor:   wait.ForAll(strategies...).WithDeadline(spec.deadline),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s container: %w", spec.name, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get %s container host: %w", spec.name, err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(spec.port))
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get %s container port: %w", spec.name, err)
	}

	c := &Container{Container: container, Host: host, Port: mapped.Port()}
	if spec.uri != nil {
		c.URI = spec.uri(host, mapped.Port())
	}
	return c, nil
}

func StartMongo(ctx context.Context) (*Container, error) {
	return start(ctx, containerSpec{
		name:  "MongoDB",
		image: MongoImage,
		port:  "27017",
		env: map[string]string{
			"MONGO_INITDB_ROOT_USERNAME": "test",
			"MONGO_INITDB_ROOT_PASSWORD": "test",
		},
		waitLog:  "Waiting for connections",
		deadline: 60 * time.Second,
		uri: func(host, port string) string {
			return fmt.Sprintf("mongodb://test:test@%s:%s/?authSource=admin", host, port)
		},
	})
}

func StartRedis(ctx context.Context) (*Container, error) {
	return start(ctx, containerSpec{
		name:     "Redis",
		image:    RedisImage,
		port:     "6379",
		waitLog:  "Ready to accept connections",
		deadline: 30 * time.Second,
	})
}

func StartRabbitMQ(ctx context.Context) (*Container, error) {
	return start(ctx, containerSpec{
		name:  "RabbitMQ",
		image: RabbitMQImage,
		port:  "5672",
		env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "test",
			"RABBITMQ_DEFAULT_PASS": "test",
		},
		waitLog:  "Server startup complete",
		deadline: 90 * time.Second,
		uri: func(host, port string) string {
			return fmt.Sprintf("amqp://test:test@%s:%s/", host, port)
		},
	})
}

func StartPostgres(ctx context.Context) (*Container, error) {
	return start(ctx, containerSpec{
		name:  "Postgres",
		image: PostgresImage,
		port:  "5432",
		env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "analytics",
		},
		// postgres logs this line once for the init server and once for the real one
		waitLog:  "database system is ready to accept connections",
		deadline: 60 * time.Second,
		uri: func(host, port string) string {
			return fmt.Sprintf("postgres://test:test@%s:%s/analytics?sslmode=disable", host, port)
		},
	})
}

func StartNATS(ctx context.Context) (*Container, error) {
	return start(ctx, containerSpec{
		name:     "NATS",
		image:    NATSImage,
		port:     "4222",
		waitLog:  "Server is ready",
		deadline: 30 * time.Second,
		uri: func(host, port string) string {
			return fmt.Sprintf("nats://%s:%s", host, port)
		},
	})
}

// Infrastructure is the set of containers behind the analytics pipeline.
type Infrastructure struct {
	Mongo    *Container
	Redis    *Container
	RabbitMQ *Container
	Postgres *Container
	NATS     *Container
}

// StartInfrastructure starts every dependency; on failure the already started
// containers are terminated.
func StartInfrastructure(ctx context.Context) (*Infrastructure, error) {
	infra := &Infrastructure{}
	steps := []struct {
		dst   **Container
		start func(context.Context) (*Container, error)
	}{
		{&infra.Mongo, StartMongo},
		{&infra.Redis, StartRedis},
		{&infra.RabbitMQ, StartRabbitMQ},
		{&infra.Postgres, StartPostgres},
		{&infra.NATS, StartNATS},
	}
	for _, step := range steps {
		c, err := step.start(ctx)
		if err != nil {
			_ = infra.Close(ctx)
			return nil, err
		}
		*step.dst = c
	}
	return infra, nil
}

func (i *Infrastructure) Close(ctx context.Context) error {
	var errs []error
	for _, c := range []*Container{i.NATS, i.Postgres, i.RabbitMQ, i.Redis, i.Mongo} {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing test infrastructure: %w", errors.Join(errs...))
	}
	return nil
}
