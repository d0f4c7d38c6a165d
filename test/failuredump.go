package test

import (
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/breez/swapd-itest/testframework"
)

// DumpOption configures which processes to include in a failure dump.
type DumpOption func(*[]tailableProcess)

// DumpOnFailure registers a t.Cleanup that tails logs from the configured
// processes only when the test fails. Use With* options to add processes.
func DumpOnFailure(t *testing.T, opts ...DumpOption) {
	t.Helper()

	t.Cleanup(func() {
		if !t.Failed() {
			return
		}
		var processes []tailableProcess
		for _, opt := range opts {
			opt(&processes)
		}
		if len(processes) == 0 {
			return
		}
		pprintFail(processes...)
	})
}

// WithBitcoin includes bitcoind logs in the failure dump.
func WithBitcoin(bitcoind *testframework.BitcoinNode) DumpOption {
	return func(ps *[]tailableProcess) {
		if bitcoind == nil {
			return
		}
		*ps = append(*ps, tailableProcess{p: bitcoind.DaemonProcess, lines: defaultLines})
	}
}

// WithLightningNodes includes lightning node logs. CLN nodes are filtered by
// SWAPD_TEST_FILTER; LND nodes are included without filter.
func WithLightningNodes(nodes ...testframework.LightningNode) DumpOption {
	return func(ps *[]tailableProcess) {
		filter := os.Getenv("SWAPD_TEST_FILTER")
		for _, n := range nodes {
			if n == nil {
				continue
			}
			tp := tailableProcess{p: n.Process(), lines: defaultLines}
			if n.Kind() == testframework.KindCln {
				tp.filter = filter
			}
			*ps = append(*ps, tp)
		}
	}
}

// WithSwapds includes swapd logs together with any crash log and error log
// the instances left behind.
func WithSwapds(swapds ...*testframework.SwapDaemon) DumpOption {
	return func(ps *[]tailableProcess) {
		filter := os.Getenv("SWAPD_TEST_FILTER")
		for _, s := range swapds {
			if s == nil {
				continue
			}
			tp := tailableProcess{p: s.Process(), filter: filter, lines: defaultLines}
			a := s.FailureArtifacts()
			tp.extra = map[string]string{}
			if a.ExitCode != 0 {
				tp.extra["exit code"] = strconv.Itoa(a.ExitCode)
			}
			if len(a.CrashLog) > 0 {
				tp.extra["crash.log"] = strings.Join(a.CrashLog, "\n")
			}
			if a.ErrLog != "" {
				tp.extra["errlog"] = a.ErrLog
			}
			*ps = append(*ps, tp)
		}
	}
}

// WithEnv includes every process of the environment.
func WithEnv(env *testframework.Env) DumpOption {
	return func(ps *[]tailableProcess) {
		if env == nil {
			return
		}
		if env.Swapd != nil {
			WithSwapds(env.Swapd.Instances()...)(ps)
		}
		for _, lf := range []*testframework.LightningFactory{env.Cln, env.Lnd} {
			if lf != nil {
				WithLightningNodes(lf.Instances()...)(ps)
			}
		}
		WithBitcoin(env.Bitcoin)(ps)
	}
}

// swapdFailureSummary renders the artifacts of every swapd that left any,
// for inclusion in assertion messages.
func swapdFailureSummary(swapds []*testframework.SwapDaemon) string {
	var b strings.Builder
	for _, s := range swapds {
		a := s.FailureArtifacts()
		if a.Empty() {
			continue
		}
		b.WriteString(a.Prefix)
		b.WriteString(": exit code ")
		b.WriteString(strconv.Itoa(a.ExitCode))
		if len(a.CrashLog) > 0 {
			b.WriteString("\ncrash.log:\n")
			b.WriteString(strings.Join(a.CrashLog, "\n"))
		}
		if a.ErrLog != "" {
			b.WriteString("\nerrlog:\n")
			b.WriteString(a.ErrLog)
		}
		b.WriteString("\n")
	}
	return b.String()
}
