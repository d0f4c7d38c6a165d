package testframework

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/breez/swapd-itest/log"
	"github.com/breez/swapd-itest/swaprpc"
	"google.golang.org/grpc"
)

// SwapdConfig holds the tunables swapd is started with.
type SwapdConfig struct {
	LogLevel                    string `toml:"log_level"`
	ChainPollIntervalSeconds    int    `toml:"chain_poll_interval_seconds"`
	RedeemPollIntervalSeconds   int    `toml:"redeem_poll_interval_seconds"`
	PreimagePollIntervalSeconds int    `toml:"preimage_poll_interval_seconds"`
	MaxSwapAmountSat            uint64 `toml:"max_swap_amount_sat"`
	LockTime                    uint32 `toml:"lock_time"`
	MinConfirmations            uint32 `toml:"min_confirmations"`
	MinRedeemBlocks             uint32 `toml:"min_redeem_blocks"`
	DustLimitSat                uint64 `toml:"dust_limit_sat"`
	AutoMigrate                 bool   `toml:"auto_migrate"`

	// Extra holds additional flags by name. An empty value renders as a bare
	// switch.
	Extra map[string]string `toml:"extra"`
}

func DefaultSwapdConfig() SwapdConfig {
	return SwapdConfig{
		LogLevel:                    "swapd=trace,sqlx::query=debug,reqwest=debug,info",
		ChainPollIntervalSeconds:    1,
		RedeemPollIntervalSeconds:   1,
		PreimagePollIntervalSeconds: 1,
		MaxSwapAmountSat:            4_000_000,
		LockTime:                    288,
		MinConfirmations:            1,
		MinRedeemBlocks:             72,
		DustLimitSat:                546,
		AutoMigrate:                 true,
	}
}

// Flags renders the config as command line flags.
func (c SwapdConfig) Flags() []string {
	flags := []string{
		fmt.Sprintf("--log-level=%s", c.LogLevel),
		fmt.Sprintf("--chain-poll-interval-seconds=%d", c.ChainPollIntervalSeconds),
		fmt.Sprintf("--redeem-poll-interval-seconds=%d", c.RedeemPollIntervalSeconds),
		fmt.Sprintf("--preimage-poll-interval-seconds=%d", c.PreimagePollIntervalSeconds),
		fmt.Sprintf("--max-swap-amount-sat=%d", c.MaxSwapAmountSat),
		fmt.Sprintf("--lock-time=%d", c.LockTime),
		fmt.Sprintf("--min-confirmations=%d", c.MinConfirmations),
		fmt.Sprintf("--min-redeem-blocks=%d", c.MinRedeemBlocks),
		fmt.Sprintf("--dust-limit-sat=%d", c.DustLimitSat),
	}
	if c.AutoMigrate {
		flags = append(flags, "--auto-migrate")
	}

	keys := make([]string, 0, len(c.Extra))
	for k := range c.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := c.Extra[k]; v != "" {
			flags = append(flags, fmt.Sprintf("--%s=%s", k, v))
		} else {
			flags = append(flags, fmt.Sprintf("--%s", k))
		}
	}
	return flags
}

type swapdOptions struct {
	configure   []func(*SwapdConfig)
	fees        []int
	mayFail     bool
	expectFail  bool
	start       bool
	waitForSync bool
	backend     LightningKind
}

func defaultSwapdOptions() *swapdOptions {
	return &swapdOptions{
		start:       true,
		waitForSync: true,
		backend:     KindCln,
	}
}

type SwapdOption func(*swapdOptions)

// WithSwapdConfig edits the config of a single swapd instance.
func WithSwapdConfig(f func(*SwapdConfig)) SwapdOption {
	return func(o *swapdOptions) {
		o.configure = append(o.configure, f)
	}
}

// WithSwapdFlag sets an extra command line flag.
func WithSwapdFlag(name, value string) SwapdOption {
	return WithSwapdConfig(func(c *SwapdConfig) {
		if c.Extra == nil {
			c.Extra = map[string]string{}
		}
		c.Extra[name] = value
	})
}

// WithFees sets the fee oracle values swapd is pointed at.
func WithFees(fees ...int) SwapdOption {
	return func(o *swapdOptions) {
		o.fees = fees
	}
}

// MayFail tolerates a non-zero exit code on stop.
func MayFail() SwapdOption {
	return func(o *swapdOptions) {
		o.mayFail = true
	}
}

// ExpectFail marks the start as expected to fail. The daemon is returned
// together with the start error.
func ExpectFail() SwapdOption {
	return func(o *swapdOptions) {
		o.expectFail = true
		o.mayFail = true
	}
}

func WithoutStart() SwapdOption {
	return func(o *swapdOptions) {
		o.start = false
	}
}

func WithoutSyncWait() SwapdOption {
	return func(o *swapdOptions) {
		o.waitForSync = false
	}
}

// WithBackend selects the lightning implementation swapd runs against.
func WithBackend(kind LightningKind) SwapdOption {
	return func(o *swapdOptions) {
		o.backend = kind
	}
}

// SwapdParams wires a swapd instance to the processes it depends on.
type SwapdParams struct {
	Id               int
	Dir              string
	Executable       string
	GrpcPort         int
	InternalGrpcPort int
	Bitcoin          *BitcoinNode
	Lightning        LightningNode
	Postgres         *PostgresContainer
	FeeOracle        *FeeOracle
	Config           SwapdConfig
	Fees             []int
	MayFail          bool
	SkipSyncWait     bool
	Timeout          time.Duration
}

// SwapDaemon controls one swapd process and its two grpc facades.
type SwapDaemon struct {
	Id               int
	Dir              string
	GrpcPort         int
	InternalGrpcPort int
	Lightning        LightningNode
	Postgres         *PostgresContainer
	Config           SwapdConfig
	MayFail          bool

	daemon      *DaemonProcess
	cmdLine     []string
	prefix      string
	timeout     time.Duration
	waitForSync bool
	rc          int
	chainHeight func() (int, error)

	publicConn   *grpc.ClientConn
	internalConn *grpc.ClientConn
	public       *swaprpc.SwapperClient
	internal     *swaprpc.SwapManagerClient
}

func NewSwapDaemon(p SwapdParams) (*SwapDaemon, error) {
	if err := os.MkdirAll(p.Dir, os.ModeDir|os.ModePerm); err != nil {
		return nil, fmt.Errorf("os.MkdirAll() %w", err)
	}

	cmdLine := []string{
		p.Executable,
		fmt.Sprintf("--address=%s", swapdAddress(p.GrpcPort)),
		fmt.Sprintf("--internal-address=%s", swapdAddress(p.InternalGrpcPort)),
		"--network=regtest",
	}
	if p.Bitcoin != nil {
		cmdLine = append(cmdLine, p.Bitcoin.SwapdArgs()...)
	}
	if p.Lightning != nil {
		cmdLine = append(cmdLine, p.Lightning.SwapdArgs()...)
	}
	if p.Postgres != nil {
		cmdLine = append(cmdLine, fmt.Sprintf("--db-url=%s", p.Postgres.ConnectionString()))
	}
	if p.FeeOracle != nil {
		cmdLine = append(cmdLine, fmt.Sprintf("--whatthefee-url=%s", p.FeeOracle.URL(p.Fees...)))
	}
	cmdLine = append(cmdLine, p.Config.Flags()...)

	ctx := context.Background()
	publicConn, err := swaprpc.Dial(ctx, swapdAddress(p.GrpcPort))
	if err != nil {
		return nil, err
	}
	internalConn, err := swaprpc.Dial(ctx, swapdAddress(p.InternalGrpcPort))
	if err != nil {
		publicConn.Close()
		return nil, err
	}

	prefix := fmt.Sprintf("swapd-%d", p.Id)
	s := &SwapDaemon{
		Id:               p.Id,
		Dir:              p.Dir,
		GrpcPort:         p.GrpcPort,
		InternalGrpcPort: p.InternalGrpcPort,
		Lightning:        p.Lightning,
		Postgres:         p.Postgres,
		Config:           p.Config,
		MayFail:          p.MayFail,
		cmdLine:          cmdLine,
		prefix:           prefix,
		timeout:          p.Timeout,
		waitForSync:      !p.SkipSyncWait,
		publicConn:       publicConn,
		internalConn:     internalConn,
		public:           swaprpc.NewSwapperClient(publicConn),
		internal:         swaprpc.NewSwapManagerClient(internalConn),
	}
	s.daemon = s.newProcess()
	if p.Bitcoin != nil {
		s.chainHeight = func() (int, error) {
			info, err := p.Bitcoin.GetBlockchainInfo()
			if err != nil {
				return 0, err
			}
			return info.Blocks, nil
		}
	}
	return s, nil
}

func (s *SwapDaemon) newProcess() *DaemonProcess {
	d := NewDaemonProcess(s.cmdLine, s.Dir, s.prefix)
	d.WithErrLog()
	return d
}

func (s *SwapDaemon) Process() *DaemonProcess {
	return s.daemon
}

func (s *SwapDaemon) Prefix() string {
	return s.prefix
}

func (s *SwapDaemon) CmdLine() []string {
	return s.cmdLine
}

func (s *SwapDaemon) Address() string {
	return swapdAddress(s.GrpcPort)
}

func (s *SwapDaemon) InternalAddress() string {
	return swapdAddress(s.InternalGrpcPort)
}

// Public returns the client of the public swap service.
func (s *SwapDaemon) Public() *swaprpc.SwapperClient {
	return s.public
}

// Internal returns the client of the internal management service.
func (s *SwapDaemon) Internal() *swaprpc.SwapManagerClient {
	return s.internal
}

// ExitCode is the return code recorded by the last Stop.
func (s *SwapDaemon) ExitCode() int {
	return s.rc
}

// Start launches swapd and waits until it logged readiness and, unless
// disabled, caught up with the chain.
func (s *SwapDaemon) Start() error {
	if s.daemon.State() != StateNotStarted {
		s.daemon = s.newProcess()
	}
	if err := s.daemon.Start(); err != nil {
		return err
	}
	if err := s.daemon.WaitForReady("swapd started", s.timeout); err != nil {
		return err
	}
	log.Infof("%s: started", s.prefix)

	if !s.waitForSync {
		return nil
	}
	if err := WaitFor(s.IsSynced, s.timeout); err != nil {
		return fmt.Errorf("%s not synced with bitcoind: %w", s.prefix, err)
	}
	return nil
}

// IsSynced reports whether swapd's view of the chain tip matches bitcoind.
// Any error counts as not synced.
func (s *SwapDaemon) IsSynced() bool {
	if s.chainHeight == nil {
		return false
	}
	height, err := s.chainHeight()
	if err != nil {
		log.Debugf("%s: chain height: %v", s.prefix, err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := s.internal.GetInfo(ctx, &swaprpc.GetInfoRequest{})
	if err != nil {
		log.Debugf("%s: still waiting for sync: %v", s.prefix, err)
		return false
	}
	log.Debugf("%s: chain height is %d, swapd height is %d", s.prefix, height, info.BlockHeight)
	return info.BlockHeight == uint64(height)
}

// Stop asks swapd to shut down over the internal api and waits for it to
// exit, killing it after timeout.
func (s *SwapDaemon) Stop(timeout time.Duration) error {
	if !s.daemon.IsRunning() {
		return s.checkExit()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	_, err := s.internal.Stop(ctx, &swaprpc.StopRequest{})
	cancel()
	if err != nil {
		// The process may already be gone.
		log.Debugf("%s: stop rpc: %v", s.prefix, err)
	}

	code, err := s.daemon.AwaitExit(timeout)
	if err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	s.rc = code
	return s.checkExit()
}

func (s *SwapDaemon) checkExit() error {
	if code, ok := s.daemon.ExitCode(); ok {
		s.rc = code
	}
	if s.rc != 0 && !s.MayFail {
		return fmt.Errorf("%w: %s rc=%d", ErrUncleanExit, s.prefix, s.rc)
	}
	return nil
}

// Restart stops swapd, through the api when clean or with signals
// otherwise, and starts a fresh process on the same ports and log.
func (s *SwapDaemon) Restart(timeout time.Duration, clean bool) error {
	if clean {
		if err := s.Stop(timeout); err != nil {
			return err
		}
	} else if s.daemon.IsRunning() {
		code, err := s.daemon.Stop(timeout)
		if err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
		log.Debugf("%s: stopped with rc=%d for restart", s.prefix, code)
	}
	return s.Start()
}

// Close drops the grpc connections.
func (s *SwapDaemon) Close() error {
	var errs []string
	for _, c := range []*grpc.ClientConn{s.publicConn, s.internalConn} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// FailureArtifacts collects what swapd left behind on failure.
type FailureArtifacts struct {
	Prefix   string
	ExitCode int
	CrashLog []string
	ErrLog   string
}

func (a *FailureArtifacts) Empty() bool {
	return len(a.CrashLog) == 0 && a.ErrLog == ""
}

// CrashLogPath is where swapd writes its panic output.
func (s *SwapDaemon) CrashLogPath() string {
	return filepath.Join(s.Dir, "crash.log")
}

func (s *SwapDaemon) FailureArtifacts() *FailureArtifacts {
	a := &FailureArtifacts{
		Prefix:   s.prefix,
		ExitCode: s.rc,
	}
	if !s.MayFail {
		if b, err := os.ReadFile(s.CrashLogPath()); err == nil {
			a.CrashLog = lastLines(string(b), 50)
		}
	}
	if b, err := os.ReadFile(s.daemon.ErrLogPath()); err == nil {
		a.ErrLog = strings.TrimSpace(string(b))
	}
	return a
}

func lastLines(s string, n int) []string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func swapdAddress(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
