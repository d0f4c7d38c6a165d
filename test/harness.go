package test

import (
	"testing"

	"github.com/breez/swapd-itest/testframework"
)

// Harness owns the environment of one scenario test and tears it down in
// t.Cleanup. Failed tests get the logs of every process dumped.
type Harness struct {
	t   *testing.T
	env *testframework.Env

	swapdExpected []bool
}

type HarnessOption func(*testframework.Config)

// WithSwapdDefaults adjusts the swapd config every instance of the test
// starts with.
func WithSwapdDefaults(f func(*testframework.SwapdConfig)) HarnessOption {
	return func(cfg *testframework.Config) {
		f(&cfg.Swapd)
	}
}

func NewHarness(t *testing.T, opts ...HarnessOption) *Harness {
	t.Helper()
	IsIntegrationTest(t)

	cfg, err := testframework.LoadConfig("")
	requireNoError(t, err, "failed to load config")
	for _, opt := range opts {
		opt(cfg)
	}

	env, err := testframework.NewEnv(t.Name(), makeTestDataDir(t), cfg)
	requireNoError(t, err, "failed to set up environment")

	h := &Harness{t: t, env: env}
	t.Cleanup(h.teardown)
	// Registered last so that it runs before teardown.
	DumpOnFailure(t, WithEnv(env))
	return h
}

func (h *Harness) teardown() {
	err := h.env.Teardown(h.swapdExpected...)
	if err != nil {
		h.t.Errorf("teardown failed: %v\n%s", err, swapdFailureSummary(h.env.Swapd.Instances()))
	}
}

func (h *Harness) Env() *testframework.Env {
	return h.env
}

func (h *Harness) Bitcoin() *testframework.BitcoinNode {
	return h.env.Bitcoin
}

func (h *Harness) FeeOracle() *testframework.FeeOracle {
	return h.env.FeeOracle
}

// ExpectSwapdExits overrides whether the i-th swapd of the test has to exit
// cleanly at teardown.
func (h *Harness) ExpectSwapdExits(clean ...bool) {
	h.swapdExpected = clean
}

func (h *Harness) factory(kind testframework.LightningKind) *testframework.LightningFactory {
	if kind == testframework.KindLnd {
		return h.env.Lnd
	}
	return h.env.Cln
}

// User starts a lightning node acting as the swap client.
func (h *Harness) User(kind testframework.LightningKind, opts ...testframework.NodeOption) testframework.LightningNode {
	h.t.Helper()
	node, err := h.factory(kind).GetNode(opts...)
	requireNoError(h.t, err, "failed to start %s user node", kind)
	return node
}

// Swapper starts a swapd together with its lightning node and database.
func (h *Harness) Swapper(opts ...testframework.SwapdOption) *testframework.SwapDaemon {
	h.t.Helper()
	s, err := h.env.Swapd.GetSwapd(opts...)
	requireNoError(h.t, err, "failed to start swapd")
	return s
}

// SetupUserAndSwapper starts a user node and a swapd whose node opens a
// channel to the user, so the swapper can pay the user's invoices.
func (h *Harness) SetupUserAndSwapper(userKind testframework.LightningKind, opts ...testframework.SwapdOption) (testframework.LightningNode, *testframework.SwapDaemon) {
	h.t.Helper()
	user := h.User(userKind)
	swapper := h.Swapper(opts...)

	_, err := swapper.Lightning.OpenChannel(user, testframework.FUNDAMOUNT, true, true)
	requireNoError(h.t, err, "failed to open channel from swapper to user")
	return user, swapper
}

var backends = []testframework.LightningKind{testframework.KindCln, testframework.KindLnd}

// forEachBackend runs f once per swapd lightning backend.
func forEachBackend(t *testing.T, f func(t *testing.T, backend testframework.LightningKind)) {
	for _, backend := range backends {
		backend := backend
		t.Run(string(backend), func(t *testing.T) {
			f(t, backend)
		})
	}
}
