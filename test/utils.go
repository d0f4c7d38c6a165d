package test

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/breez/swapd-itest/testframework"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultLines = 30

func IsIntegrationTest(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("set env RUN_INTEGRATION_TESTS=1 to run this test")
	}
}

func OverrideLinesFromEnvVar(lines int) int {
	if slines, ok := os.LookupEnv("PS_LOG_LINES"); ok {
		n, err := strconv.Atoi(slines)
		if err != nil {
			return lines
		}
		return n
	}
	return lines
}

type tailableProcess struct {
	p      *testframework.DaemonProcess
	lines  int
	filter string
	// extra sections printed after the log, e.g. swapd crash logs
	extra map[string]string
}

func pprintFail(fps ...tailableProcess) {
	fmt.Printf("\n============================== FAILURE ==============================\n\n")
	for _, fp := range fps {
		if fp.p == nil {
			continue
		}
		fmt.Printf("+++++++++++++++++++++++++++++ %s (StdOut) +++++++++++++++++++++++++++++\n", fp.p.Prefix())
		fmt.Printf("%s\n", fp.p.Tail(OverrideLinesFromEnvVar(fp.lines), fp.filter))
		if fp.p.StdErr.String() != "" {
			fmt.Printf("+++++++++++++++++++++++++++++ %s (StdErr) +++++++++++++++++++++++++++++\n", fp.p.Prefix())
			fmt.Printf("%s\n", fp.p.StdErr.String())
		}
		for _, name := range sortedKeys(fp.extra) {
			fmt.Printf("+++++++++++++++++++++++++++++ %s (%s) +++++++++++++++++++++++++++++\n", fp.p.Prefix(), name)
			fmt.Printf("%s\n", fp.extra[name])
		}
		fmt.Printf("+++++++++++++++++++++++++++++ %s (End) +++++++++++++++++++++++++++++\n", fp.p.Prefix())
		fmt.Printf("\n")
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// makeTestDataDir creates a per-test directory below TEST_DATA_DIR or the
// system temp dir. It is kept on failure so the logs can be inspected.
func makeTestDataDir(t *testing.T) string {
	t.Helper()
	base := os.Getenv("TEST_DATA_DIR")
	if base == "" {
		base = os.TempDir()
	}
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dir, err := os.MkdirTemp(base, "swapd-itest-"+name+"-")
	require.NoError(t, err)
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("test data kept in %s", dir)
			return
		}
		_ = os.RemoveAll(dir)
	})
	return filepath.Clean(dir)
}

func requireNoError(tb testing.TB, err error, msgAndArgs ...any) {
	tb.Helper()
	require.NoError(tb, err, msgAndArgs...)
}

// requireStatus asserts a grpc error with the given code and exact message.
func requireStatus(tb testing.TB, err error, code codes.Code, msg string) {
	tb.Helper()
	require.Error(tb, err)
	st, ok := status.FromError(err)
	require.True(tb, ok, "not a grpc status error: %v", err)
	require.Equal(tb, code, st.Code(), st.Message())
	require.Equal(tb, msg, st.Message())
}

func paymentHash(preimage []byte) string {
	h := sha256.Sum256(preimage)
	return hex.EncodeToString(h[:])
}
