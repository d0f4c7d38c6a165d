package testframework

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/breez/swapd-itest/log"
	"go.uber.org/multierr"
)

type envOptions struct {
	pool *PortPool
}

type EnvOption func(*envOptions)

// WithPortPool shares a pool between several environments.
func WithPortPool(pool *PortPool) EnvOption {
	return func(o *envOptions) {
		o.pool = pool
	}
}

// Env owns every resource of one test: the port pool, bitcoind, the fee
// oracle and the factories handing out lightning nodes, postgres containers
// and swapd instances.
type Env struct {
	Name   string
	Dir    string
	Config *Config
	// Pool is the env's scope of the port pool. Only ports reserved through
	// it count as leaks at teardown.
	Pool *PortPool

	Bitcoin   *BitcoinNode
	FeeOracle *FeeOracle

	Cln      *LightningFactory
	Lnd      *LightningFactory
	Postgres *PostgresFactory
	Swapd    *SwapdFactory

	mu       sync.Mutex
	tornDown bool
}

// NewEnv starts bitcoind and the fee oracle and wires the factories to them.
// If anything fails the partially built env is torn down.
func NewEnv(name, dir string, cfg *Config, opts ...EnvOption) (*Env, error) {
	o := &envOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.pool == nil {
		o.pool = NewPortPool()
	}
	if err := os.MkdirAll(dir, os.ModeDir|os.ModePerm); err != nil {
		return nil, err
	}

	env := &Env{
		Name:   name,
		Dir:    dir,
		Config: cfg,
		Pool:   o.pool.Scope(),
	}
	if err := env.setup(); err != nil {
		if tdErr := env.Teardown(); tdErr != nil {
			log.Warnf("%s: teardown after failed setup: %v", name, tdErr)
		}
		return nil, err
	}
	return env, nil
}

func (e *Env) setup() error {
	bitcoin, err := NewBitcoinNode(e.Dir, 1, e.Pool, e.Config)
	if err != nil {
		return err
	}
	e.Bitcoin = bitcoin
	if err := bitcoin.Start(); err != nil {
		return fmt.Errorf("starting bitcoind: %w", err)
	}

	oracle, err := NewFeeOracle(e.Pool)
	if err != nil {
		return err
	}
	e.FeeOracle = oracle
	if err := oracle.Start(); err != nil {
		return err
	}

	e.Cln = NewLightningFactory(KindCln, e.Dir, bitcoin, e.Pool, e.Config)
	e.Lnd = NewLightningFactory(KindLnd, e.Dir, bitcoin, e.Pool, e.Config)
	e.Postgres = NewPostgresFactory(e.Name, e.Pool, e.Config)
	e.Swapd = NewSwapdFactory(e.Dir, bitcoin, oracle, []*LightningFactory{e.Cln, e.Lnd}, e.Postgres, e.Pool, e.Config)
	return nil
}

// Processes returns every supervised process, swapd instances first. Used
// for failure dumps.
func (e *Env) Processes() []*DaemonProcess {
	var procs []*DaemonProcess
	if e.Swapd != nil {
		for _, s := range e.Swapd.Instances() {
			procs = append(procs, s.Process())
		}
	}
	for _, lf := range []*LightningFactory{e.Cln, e.Lnd} {
		if lf == nil {
			continue
		}
		for _, n := range lf.Instances() {
			procs = append(procs, n.Process())
		}
	}
	if e.Bitcoin != nil {
		procs = append(procs, e.Bitcoin.DaemonProcess)
	}
	return procs
}

// Teardown stops everything in reverse dependency order. expected applies to
// the swapd instances, see KillAll. Leaked port reservations are reported
// as an error. Calling Teardown again is a no-op.
func (e *Env) Teardown(expected ...bool) error {
	e.mu.Lock()
	if e.tornDown {
		e.mu.Unlock()
		return nil
	}
	e.tornDown = true
	e.mu.Unlock()

	var errs error
	killAll := func(ok bool, killErrs []error) {
		errs = multierr.Append(errs, multierr.Combine(killErrs...))
		if !ok && len(killErrs) == 0 {
			errs = multierr.Append(errs, errors.New("unexpected failure during teardown"))
		}
	}

	if e.Swapd != nil {
		var exp []bool
		if len(expected) > 0 {
			exp = expected
		}
		killAll(e.Swapd.KillAll(exp))
	}
	for _, lf := range []*LightningFactory{e.Cln, e.Lnd} {
		if lf != nil {
			killAll(lf.KillAll(nil))
		}
	}
	if e.Postgres != nil {
		killAll(e.Postgres.KillAll(nil))
	}

	if e.FeeOracle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.Config.Timeout())
		if err := e.FeeOracle.Stop(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to stop fee oracle: %w", err))
		}
		cancel()
		e.FeeOracle.ReleasePorts(e.Pool)
	}

	if e.Bitcoin != nil {
		if err := e.Bitcoin.Stop(e.Config.Timeout()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to stop bitcoind: %w", err))
		}
		e.Bitcoin.Kill()
		e.Bitcoin.ReleasePorts(e.Pool)
	}

	if leaked := e.Pool.Reserved(); leaked > 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: %d reserved ports leaked", e.Name, leaked))
	}
	return errs
}
