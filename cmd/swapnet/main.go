package main

import (
	"errors"
	"fmt"
	core_log "log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/breez/swapd-itest/log"
	"github.com/breez/swapd-itest/testframework"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sys/unix"
)

type SwapnetConfig struct {
	ConfigFile string   `long:"configfile" description:"path to a toml config, overrides SWAPNET_CONFIG"`
	DataDir    string   `long:"datadir" description:"directory for all process data, a temp dir if empty"`
	Backend    string   `long:"backend" description:"lightning implementation of the swapper" choice:"cln" choice:"lnd" default:"cln"`
	Users      []string `long:"user" description:"start a user node of the given kind with a channel from the swapper, may be repeated" choice:"cln" choice:"lnd"`
	LogLevel   string   `long:"loglevel" description:"harness log level" default:"info"`
	Keep       bool     `long:"keep" description:"keep the data dir on exit"`
}

func main() {
	err := run()
	if err != nil {
		core_log.Fatal(err)
	}
}

func run() error {
	cfg := &SwapnetConfig{}
	if _, err := flags.Parse(cfg); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	log.SetLogger(log.NewZapLogger(cfg.LogLevel))

	netCfg, err := testframework.LoadConfig(cfg.ConfigFile)
	if err != nil {
		return err
	}

	dir := cfg.DataDir
	if dir == "" {
		dir, err = os.MkdirTemp("", "swapnet-")
		if err != nil {
			return err
		}
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return err
	}

	env, err := testframework.NewEnv("swapnet", dir, netCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Teardown(); err != nil {
			log.Warnf("teardown: %v", err)
		}
		if !cfg.Keep && cfg.DataDir == "" {
			_ = os.RemoveAll(dir)
		}
	}()

	swapper, err := env.Swapd.GetSwapd(testframework.WithBackend(testframework.LightningKind(cfg.Backend)))
	if err != nil {
		return err
	}

	var users []testframework.LightningNode
	for _, kind := range cfg.Users {
		factory := env.Cln
		if testframework.LightningKind(kind) == testframework.KindLnd {
			factory = env.Lnd
		}
		user, err := factory.GetNode()
		if err != nil {
			return err
		}
		if _, err := swapper.Lightning.OpenChannel(user, testframework.FUNDAMOUNT, true, true); err != nil {
			return fmt.Errorf("opening channel to %s: %w", user.Prefix(), err)
		}
		users = append(users, user)
	}

	fmt.Println(describe(env, swapper, users))
	log.Infof("swapnet is up, press ctrl-c to tear it down")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM)
	sig := <-sigChan
	log.Infof("received signal: %v, tearing down", sig)
	return nil
}

func describe(env *testframework.Env, swapper *testframework.SwapDaemon, users []testframework.LightningNode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "datadir:   %s\n", env.Dir)
	fmt.Fprintf(&b, "bitcoind:  rpc 127.0.0.1:%d user=%s password=%s wallet=%s\n",
		env.Bitcoin.RpcPort, env.Bitcoin.RpcUser, env.Bitcoin.RpcPassword, env.Bitcoin.WalletName)
	fmt.Fprintf(&b, "feeoracle: %s\n", env.FeeOracle.URL())
	if swapper.Postgres != nil {
		fmt.Fprintf(&b, "postgres:  %s\n", swapper.Postgres.ConnectionString())
	}
	fmt.Fprintf(&b, "swapd:     public %s internal %s dir %s\n", swapper.Address(), swapper.InternalAddress(), swapper.Dir)
	fmt.Fprintf(&b, "swapper:   %s\n", nodeDetails(swapper.Lightning))
	for _, u := range users {
		fmt.Fprintf(&b, "user:      %s\n", nodeDetails(u))
	}
	return b.String()
}

func nodeDetails(n testframework.LightningNode) string {
	switch node := n.(type) {
	case *testframework.ClnNode:
		return fmt.Sprintf("%s %s grpc 127.0.0.1:%d dir %s", n.Prefix(), n.Address(), node.GrpcPort, node.NetworkDir)
	case *testframework.LndNode:
		return fmt.Sprintf("%s %s rpc 127.0.0.1:%d macaroon %s", n.Prefix(), n.Address(), node.RpcPort, node.MacaroonPath)
	default:
		return fmt.Sprintf("%s %s", n.Prefix(), n.Address())
	}
}
