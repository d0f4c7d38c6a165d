package testframework

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breez/swapd-itest/swaprpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
)

const fakeSwapdScript = `#!/bin/sh
trap 'exit 0' TERM
echo "swapd started"
while true; do sleep 0.1; done
`

type fakeSwapManager struct {
	swaprpc.UnimplementedSwapManagerServer
	height  atomic.Uint64
	process func() *DaemonProcess
	stops   atomic.Int32
}

func (f *fakeSwapManager) GetInfo(context.Context, *swaprpc.GetInfoRequest) (*swaprpc.GetInfoReply, error) {
	return &swaprpc.GetInfoReply{BlockHeight: f.height.Load(), Network: "regtest"}, nil
}

func (f *fakeSwapManager) Stop(context.Context, *swaprpc.StopRequest) (*swaprpc.StopReply, error) {
	f.stops.Add(1)
	if pid := f.process().Pid(); pid > 0 {
		_ = unix.Kill(pid, unix.SIGTERM)
	}
	return &swaprpc.StopReply{}, nil
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-swapd")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newFakeSwapd(t *testing.T, script string, mayFail bool) (*SwapDaemon, *fakeSwapManager) {
	t.Helper()
	dir := t.TempDir()
	pool := NewPortPool()
	ports, err := pool.ReserveN(2)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Release(ports...) })

	s, err := NewSwapDaemon(SwapdParams{
		Id:               1,
		Dir:              filepath.Join(dir, "swapd-1"),
		Executable:       writeScript(t, dir, script),
		GrpcPort:         ports[0],
		InternalGrpcPort: ports[1],
		Config:           DefaultSwapdConfig(),
		MayFail:          mayFail,
		Timeout:          5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Process().Kill()
		_ = s.Close()
	})

	fake := &fakeSwapManager{process: s.Process}
	lis, err := net.Listen("tcp", s.InternalAddress())
	require.NoError(t, err)
	srv := grpc.NewServer()
	swaprpc.RegisterSwapManagerServer(srv, fake)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	return s, fake
}

func TestSwapdConfig_Flags(t *testing.T) {
	cfg := DefaultSwapdConfig()
	cfg.Extra = map[string]string{"zz-switch": "", "aa-value": "1"}

	flags := cfg.Flags()
	assert.Contains(t, flags, "--max-swap-amount-sat=4000000")
	assert.Contains(t, flags, "--lock-time=288")
	assert.Contains(t, flags, "--min-confirmations=1")
	assert.Contains(t, flags, "--min-redeem-blocks=72")
	assert.Contains(t, flags, "--dust-limit-sat=546")
	assert.Contains(t, flags, "--auto-migrate")
	assert.Equal(t, []string{"--aa-value=1", "--zz-switch"}, flags[len(flags)-2:])
}

func TestNewSwapDaemon_CmdLine(t *testing.T) {
	oracle := &FeeOracle{Port: 4242}
	pg := &PostgresContainer{Port: 5555, password: "pw"}
	s, err := NewSwapDaemon(SwapdParams{
		Id:               3,
		Dir:              t.TempDir(),
		Executable:       "swapd",
		GrpcPort:         1001,
		InternalGrpcPort: 1002,
		Postgres:         pg,
		FeeOracle:        oracle,
		Fees:             []int{1, 2, 3, 4, 5},
		Config:           DefaultSwapdConfig(),
	})
	require.NoError(t, err)
	defer s.Close()

	cmd := s.CmdLine()
	assert.Equal(t, "swapd", cmd[0])
	assert.Contains(t, cmd, "--address=127.0.0.1:1001")
	assert.Contains(t, cmd, "--internal-address=127.0.0.1:1002")
	assert.Contains(t, cmd, "--network=regtest")
	assert.Contains(t, cmd, "--db-url=postgres://postgres:pw@127.0.0.1:5555/postgres?sslmode=disable")
	assert.Contains(t, cmd, "--whatthefee-url=http://127.0.0.1:4242?fees=1%2C2%2C3%2C4%2C5")
	assert.Equal(t, "swapd-3", s.Prefix())
}

func TestSwapDaemon_IsSynced(t *testing.T) {
	s, fake := newFakeSwapd(t, fakeSwapdScript, false)

	assert.False(t, s.IsSynced(), "no chain source")

	s.chainHeight = func() (int, error) { return 0, fmt.Errorf("bitcoind down") }
	assert.False(t, s.IsSynced())

	s.chainHeight = func() (int, error) { return 150, nil }
	fake.height.Store(149)
	assert.False(t, s.IsSynced())

	fake.height.Store(150)
	assert.True(t, s.IsSynced())
}

func TestSwapDaemon_StartStop(t *testing.T) {
	s, fake := newFakeSwapd(t, fakeSwapdScript, false)
	s.chainHeight = func() (int, error) { return 120, nil }
	fake.height.Store(120)

	require.NoError(t, s.Start())
	assert.Equal(t, StateReady, s.Process().State())

	require.NoError(t, s.Stop(5*time.Second))
	assert.EqualValues(t, 1, fake.stops.Load())
	assert.Equal(t, 0, s.ExitCode())
	assert.False(t, s.Process().IsRunning())

	// Stopping twice is harmless.
	assert.NoError(t, s.Stop(time.Second))
}

func TestSwapDaemon_RestartUsesFreshProcess(t *testing.T) {
	s, fake := newFakeSwapd(t, fakeSwapdScript, false)
	s.waitForSync = false

	require.NoError(t, s.Start())
	first := s.Process()

	require.NoError(t, s.Restart(5*time.Second, false))
	assert.NotSame(t, first, s.Process())
	assert.True(t, s.Process().IsRunning())
	assert.Zero(t, fake.stops.Load())

	require.NoError(t, s.Restart(5*time.Second, true))
	assert.EqualValues(t, 1, fake.stops.Load())

	require.NoError(t, s.Stop(5*time.Second))

	// Every run appended to the same log.
	data, err := os.ReadFile(s.Process().LogPath())
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "swapd started"))
}

func TestSwapDaemon_UncleanExit(t *testing.T) {
	script := `#!/bin/sh
trap 'exit 7' TERM
echo "swapd started"
echo "boom" >&2
while true; do sleep 0.1; done
`
	s, _ := newFakeSwapd(t, script, false)
	s.waitForSync = false
	require.NoError(t, s.Start())

	err := s.Stop(5 * time.Second)
	assert.ErrorIs(t, err, ErrUncleanExit)
	assert.Equal(t, 7, s.ExitCode())

	artifacts := s.FailureArtifacts()
	assert.Equal(t, "boom", artifacts.ErrLog)
	assert.Equal(t, 7, artifacts.ExitCode)
}

func TestSwapDaemon_MayFailToleratesExitCode(t *testing.T) {
	script := `#!/bin/sh
trap 'exit 7' TERM
echo "swapd started"
while true; do sleep 0.1; done
`
	s, _ := newFakeSwapd(t, script, true)
	s.waitForSync = false
	require.NoError(t, s.Start())
	require.NoError(t, os.WriteFile(s.CrashLogPath(), []byte("panic\n"), 0o644))

	assert.NoError(t, s.Stop(5*time.Second))
	assert.Equal(t, 7, s.ExitCode())
	// Crash logs of instances allowed to fail are not reported.
	assert.Empty(t, s.FailureArtifacts().CrashLog)
}

func TestLastLines(t *testing.T) {
	assert.Nil(t, lastLines("", 3))
	assert.Equal(t, []string{"b", "c"}, lastLines("a\nb\nc\n", 2))
	assert.Equal(t, []string{"a"}, lastLines("a", 5))
}
