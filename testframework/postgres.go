package testframework

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/breez/swapd-itest/log"
	_ "github.com/lib/pq"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

const (
	postgresDBName       = "swapd"
	postgresReadyTimeout = 30 * time.Second
	postgresExpiry       = 30 * time.Minute
)

// containerRunner is the part of *dockertest.Pool the provisioner uses.
type containerRunner interface {
	RunWithOptions(opts *dockertest.RunOptions, hcOpts ...func(*docker.HostConfig)) (*dockertest.Resource, error)
	Purge(r *dockertest.Resource) error
}

type PostgresContainer struct {
	Name     string
	Port     int
	DBName   string
	password string

	runner   containerRunner
	resource *dockertest.Resource
	probe    func(dsn string) error
	expiry   time.Duration
}

// ConnectionString is the url swapd is given as --db-url.
func (c *PostgresContainer) ConnectionString() string {
	return fmt.Sprintf("postgres://postgres:%s@127.0.0.1:%d/postgres?sslmode=disable", c.password, c.Port)
}

func (c *PostgresContainer) runOptions(image, tag string) *dockertest.RunOptions {
	return &dockertest.RunOptions{
		Name:       c.Name,
		Repository: image,
		Tag:        tag,
		Env: []string{
			fmt.Sprintf("POSTGRES_PASSWORD=%s", c.password),
			fmt.Sprintf("POSTGRES_DB=%s", c.DBName),
		},
		PortBindings: map[docker.Port][]docker.PortBinding{
			"5432/tcp": {{HostIP: "127.0.0.1", HostPort: strconv.Itoa(c.Port)}},
		},
	}
}

// Start runs the container and waits until postgres answers queries.
func (c *PostgresContainer) Start(image, tag string, timeout time.Duration) error {
	log.Debugf("starting postgres container %s", c.Name)
	resource, err := c.runner.RunWithOptions(c.runOptions(image, tag), func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return fmt.Errorf("%w: postgres container %s: %v", ErrStart, c.Name, err)
	}
	c.resource = resource

	// Hard kill in case teardown never runs.
	if c.expiry > 0 {
		if err := resource.Expire(uint(c.expiry.Seconds())); err != nil {
			log.Warnf("postgres container %s: setting expiry: %v", c.Name, err)
		}
	}

	var lastErr error
	err = WaitForInterval(func() bool {
		lastErr = c.probe(c.ConnectionString())
		return lastErr == nil
	}, timeout, 250*time.Millisecond)
	if err != nil {
		return fmt.Errorf("postgres container %s not available: %w (last error: %v)", c.Name, err, lastErr)
	}

	log.Debugf("postgres container %s is available on port %d", c.Name, c.Port)
	return nil
}

// Stop purges the container. Stopping a container that never started is a
// no-op.
func (c *PostgresContainer) Stop() error {
	if c.resource == nil {
		return nil
	}
	if err := c.runner.Purge(c.resource); err != nil {
		return err
	}
	c.resource = nil
	return nil
}

func pingPostgres(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var one int
	return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}
