package testframework

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/breez/swapd-itest/log"
	"github.com/ory/dockertest/v3"
)

// registry tracks the instances a factory handed out together with the
// ports it reserved on their behalf.
type registry[T any] struct {
	name    string
	ids     IntIdGetter
	pool    *PortPool
	stop    func(T) error
	release func(T)

	mu        sync.Mutex
	ports     []int
	instances []T
	mayFail   []bool
	killed    bool
}

func newRegistry[T any](name string, pool *PortPool, stop func(T) error, release func(T)) *registry[T] {
	return &registry[T]{
		name:    name,
		pool:    pool,
		stop:    stop,
		release: release,
	}
}

func (r *registry[T]) reservePorts(n int) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.killed {
		return nil, fmt.Errorf("%w: %s", ErrTornDown, r.name)
	}
	ports, err := r.pool.ReserveN(n)
	if err != nil {
		return nil, err
	}
	r.ports = append(r.ports, ports...)
	return ports, nil
}

// add registers an instance for KillAll. After KillAll the instance is
// refused and its ports are released.
func (r *registry[T]) add(instance T, mayFail bool) error {
	r.mu.Lock()
	if r.killed {
		r.mu.Unlock()
		if r.release != nil {
			r.release(instance)
		}
		return fmt.Errorf("%w: %s", ErrTornDown, r.name)
	}
	r.instances = append(r.instances, instance)
	r.mayFail = append(r.mayFail, mayFail)
	r.mu.Unlock()
	return nil
}

// Instances returns the instances in creation order.
func (r *registry[T]) Instances() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.instances...)
}

// KillAll stops every instance and releases every port. expected[i] tells
// whether instance i had to stop cleanly. Instances past the end of expected,
// or all of them when it is nil, must stop cleanly unless created with
// MayFail. The returned bool is false if an instance that had to stop
// cleanly did not. Only those failures are returned as errors. Calling
// KillAll again is a no-op, and the registry refuses new instances.
func (r *registry[T]) KillAll(expected []bool) (bool, []error) {
	r.mu.Lock()
	if r.killed {
		r.mu.Unlock()
		return true, nil
	}
	r.killed = true
	instances := append([]T(nil), r.instances...)
	mayFail := append([]bool(nil), r.mayFail...)
	ports := r.ports
	r.ports = nil
	r.mu.Unlock()

	mustStop := make([]bool, len(instances))
	for i := range instances {
		if i < len(expected) {
			mustStop[i] = expected[i]
		} else {
			mustStop[i] = !mayFail[i]
		}
	}

	ok := true
	var errs []error
	for i, inst := range instances {
		err := r.stop(inst)
		if r.release != nil {
			r.release(inst)
		}
		if err == nil {
			continue
		}
		if mustStop[i] {
			ok = false
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", r.name, err))
		} else {
			log.Debugf("%s %d failed to stop as allowed: %v", r.name, i, err)
		}
	}

	r.pool.Release(ports...)
	return ok, errs
}

type nodeOptions struct {
	extraArgs []string
	lndConfig map[string]string
	start     bool
	mayFail   bool
}

type NodeOption func(*nodeOptions)

// WithNodeArgs appends lightningd command line arguments.
func WithNodeArgs(args ...string) NodeOption {
	return func(o *nodeOptions) {
		o.extraArgs = append(o.extraArgs, args...)
	}
}

// WithLndConfig overrides lnd.conf entries.
func WithLndConfig(config map[string]string) NodeOption {
	return func(o *nodeOptions) {
		o.lndConfig = mergeMaps(o.lndConfig, config)
	}
}

func WithoutNodeStart() NodeOption {
	return func(o *nodeOptions) {
		o.start = false
	}
}

func NodeMayFail() NodeOption {
	return func(o *nodeOptions) {
		o.mayFail = true
	}
}

// LightningFactory creates lightning nodes of one implementation.
type LightningFactory struct {
	*registry[LightningNode]

	kind    LightningKind
	testDir string
	bitcoin *BitcoinNode
	cfg     *Config
}

func NewLightningFactory(kind LightningKind, testDir string, bitcoin *BitcoinNode, pool *PortPool, cfg *Config) *LightningFactory {
	timeout := cfg.Timeout()
	return &LightningFactory{
		registry: newRegistry[LightningNode](
			fmt.Sprintf("%s node", kind),
			pool,
			func(n LightningNode) error { return n.Stop(timeout) },
			func(n LightningNode) { n.ReleasePorts(pool) },
		),
		kind:    kind,
		testDir: testDir,
		bitcoin: bitcoin,
		cfg:     cfg,
	}
}

func (f *LightningFactory) Kind() LightningKind {
	return f.kind
}

// GetNode creates and, unless WithoutNodeStart is given, starts a node.
func (f *LightningFactory) GetNode(opts ...NodeOption) (LightningNode, error) {
	o := &nodeOptions{start: true}
	for _, opt := range opts {
		opt(o)
	}

	id := f.ids.NextId()
	var (
		node LightningNode
		err  error
	)
	switch f.kind {
	case KindCln:
		node, err = NewClnNode(f.testDir, f.bitcoin, id, f.pool, f.cfg, o.extraArgs...)
	case KindLnd:
		node, err = NewLndNode(f.testDir, f.bitcoin, id, f.pool, f.cfg, o.lndConfig)
	default:
		return nil, fmt.Errorf("unknown lightning implementation %q", f.kind)
	}
	if err != nil {
		return nil, err
	}
	if err := f.add(node, o.mayFail); err != nil {
		return nil, err
	}

	if o.start {
		if err := node.Start(); err != nil {
			return nil, fmt.Errorf("starting %s: %w", node.Prefix(), err)
		}
	}
	return node, nil
}

// GetNodes creates n nodes with the same options.
func (f *LightningFactory) GetNodes(n int, opts ...NodeOption) ([]LightningNode, error) {
	nodes := make([]LightningNode, 0, n)
	for i := 0; i < n; i++ {
		node, err := f.GetNode(opts...)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

var containerNameReplacer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// PostgresFactory provisions one postgres container per swapd.
type PostgresFactory struct {
	*registry[*PostgresContainer]

	testName string
	image    string
	tag      string
	password string
	timeout  time.Duration
	expiry   time.Duration
	probe    func(dsn string) error

	runnerMu sync.Mutex
	runner   containerRunner
}

func NewPostgresFactory(testName string, pool *PortPool, cfg *Config) *PostgresFactory {
	return &PostgresFactory{
		registry: newRegistry[*PostgresContainer](
			"postgres container",
			pool,
			func(c *PostgresContainer) error { return c.Stop() },
			nil,
		),
		testName: containerNameReplacer.ReplaceAllString(testName, "-"),
		image:    cfg.PostgresImage,
		tag:      cfg.PostgresTag,
		password: cfg.PostgresPassword,
		timeout:  postgresReadyTimeout,
		expiry:   postgresExpiry,
		probe:    pingPostgres,
	}
}

func (f *PostgresFactory) containerRunner() (containerRunner, error) {
	f.runnerMu.Lock()
	defer f.runnerMu.Unlock()
	if f.runner != nil {
		return f.runner, nil
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		return nil, fmt.Errorf("%w: could not connect to docker: %v", ErrStart, err)
	}
	if err := pool.Client.Ping(); err != nil {
		return nil, fmt.Errorf("%w: could not connect to docker: %v", ErrStart, err)
	}
	f.runner = pool
	return pool, nil
}

// GetContainer starts a fresh postgres container and waits until it accepts
// queries.
func (f *PostgresFactory) GetContainer() (*PostgresContainer, error) {
	runner, err := f.containerRunner()
	if err != nil {
		return nil, err
	}
	ports, err := f.reservePorts(1)
	if err != nil {
		return nil, err
	}

	c := &PostgresContainer{
		Name:     fmt.Sprintf("swapd-test-%s-%d", f.testName, f.ids.NextId()),
		Port:     ports[0],
		DBName:   postgresDBName,
		password: f.password,
		runner:   runner,
		probe:    f.probe,
		expiry:   f.expiry,
	}
	if err := f.add(c, false); err != nil {
		return nil, err
	}

	if err := c.Start(f.image, f.tag, f.timeout); err != nil {
		return nil, err
	}
	return c, nil
}

// SwapdFactory wires swapd instances to a fresh postgres container and a
// fresh lightning node each.
type SwapdFactory struct {
	*registry[*SwapDaemon]

	testDir   string
	bitcoin   *BitcoinNode
	oracle    *FeeOracle
	lightning map[LightningKind]*LightningFactory
	postgres  *PostgresFactory
	cfg       *Config
}

func NewSwapdFactory(testDir string, bitcoin *BitcoinNode, oracle *FeeOracle, lightning []*LightningFactory, postgres *PostgresFactory, pool *PortPool, cfg *Config) *SwapdFactory {
	timeout := cfg.Timeout()
	byKind := make(map[LightningKind]*LightningFactory, len(lightning))
	for _, lf := range lightning {
		byKind[lf.Kind()] = lf
	}
	return &SwapdFactory{
		registry: newRegistry[*SwapDaemon](
			"swapd",
			pool,
			func(s *SwapDaemon) error {
				defer s.Close()
				return s.Stop(timeout)
			},
			nil,
		),
		testDir:   testDir,
		bitcoin:   bitcoin,
		oracle:    oracle,
		lightning: byKind,
		postgres:  postgres,
		cfg:       cfg,
	}
}

// GetSwapd creates a swapd with its own postgres and lightning node. With
// ExpectFail the daemon is returned together with the start error.
func (f *SwapdFactory) GetSwapd(opts ...SwapdOption) (*SwapDaemon, error) {
	o := defaultSwapdOptions()
	for _, opt := range opts {
		opt(o)
	}

	lf, ok := f.lightning[o.backend]
	if !ok {
		return nil, fmt.Errorf("no %s factory configured", o.backend)
	}

	ports, err := f.reservePorts(2)
	if err != nil {
		return nil, err
	}
	id := f.ids.NextId()

	pg, err := f.postgres.GetContainer()
	if err != nil {
		return nil, fmt.Errorf("postgres for swapd-%d: %w", id, err)
	}
	node, err := lf.GetNode()
	if err != nil {
		return nil, fmt.Errorf("lightning node for swapd-%d: %w", id, err)
	}

	config := f.cfg.Swapd
	config.Extra = mergeMaps(config.Extra)
	for _, c := range o.configure {
		c(&config)
	}

	s, err := NewSwapDaemon(SwapdParams{
		Id:               id,
		Dir:              filepath.Join(f.testDir, fmt.Sprintf("swapd-%d", id)),
		Executable:       f.cfg.SwapdPath,
		GrpcPort:         ports[0],
		InternalGrpcPort: ports[1],
		Bitcoin:          f.bitcoin,
		Lightning:        node,
		Postgres:         pg,
		FeeOracle:        f.oracle,
		Config:           config,
		Fees:             o.fees,
		MayFail:          o.mayFail,
		SkipSyncWait:     !o.waitForSync,
		Timeout:          f.cfg.Timeout(),
	})
	if err != nil {
		return nil, err
	}
	if err := f.add(s, o.mayFail); err != nil {
		s.Close()
		return nil, err
	}

	if !o.start {
		return s, nil
	}
	if err := s.Start(); err != nil {
		if o.expectFail {
			log.Infof("%s: failed to start as expected: %v", s.Prefix(), err)
			return s, err
		}
		s.Process().Kill()
		return nil, err
	}
	return s, nil
}
