package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	log2 "log"
	"os"

	"github.com/breez/swapd-itest/swaprpc"
	"github.com/urfave/cli"
	"google.golang.org/grpc"
)

func main() {
	app := cli.NewApp()
	app.Name = "swapctl"
	app.Usage = "swapd control cli"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rpchost",
			Value: "127.0.0.1:9000",
			Usage: "swapd public grpc address host:port",
		},
		cli.StringFlag{
			Name:  "internalhost",
			Value: "127.0.0.1:9001",
			Usage: "swapd internal grpc address host:port",
		},
	}
	app.Commands = []cli.Command{
		getInfoCommand, getSwapCommand, addFiltersCommand,
		createSwapCommand, paySwapCommand, parametersCommand, stopCommand,
	}
	err := app.Run(os.Args)
	if err != nil {
		log2.Fatal(err)
	}
}

var (
	addressFlag = cli.StringFlag{
		Name:     "address",
		Usage:    "swap address",
		Required: true,
	}
	addressesFlag = cli.StringSliceFlag{
		Name:     "address",
		Usage:    "address to filter, may be repeated",
		Required: true,
	}
	hashFlag = cli.StringFlag{
		Name:     "hash",
		Usage:    "hex encoded payment hash",
		Required: true,
	}
	refundPubkeyFlag = cli.StringFlag{
		Name:     "refund_pubkey",
		Usage:    "hex encoded compressed refund pubkey",
		Required: true,
	}
	bolt11Flag = cli.StringFlag{
		Name:     "bolt11",
		Usage:    "invoice for the swap preimage",
		Required: true,
	}

	getInfoCommand = cli.Command{
		Name:   "getinfo",
		Usage:  "shows the network and block height swapd sees",
		Action: getInfo,
	}
	getSwapCommand = cli.Command{
		Name:  "getswap",
		Usage: "gets a swap by its address",
		Flags: []cli.Flag{
			addressFlag,
		},
		Action: getSwap,
	}
	addFiltersCommand = cli.Command{
		Name:  "addfilters",
		Usage: "adds addresses whose outputs swapd ignores",
		Flags: []cli.Flag{
			addressesFlag,
		},
		Action: addFilters,
	}
	createSwapCommand = cli.Command{
		Name:  "createswap",
		Usage: "creates a swap address for a payment hash",
		Flags: []cli.Flag{
			hashFlag,
			refundPubkeyFlag,
		},
		Action: createSwap,
	}
	paySwapCommand = cli.Command{
		Name:  "payswap",
		Usage: "asks swapd to pay the invoice of a funded swap",
		Flags: []cli.Flag{
			bolt11Flag,
		},
		Action: paySwap,
	}
	parametersCommand = cli.Command{
		Name:   "parameters",
		Usage:  "shows the current swap limits",
		Action: parameters,
	}
	stopCommand = cli.Command{
		Name:   "stop",
		Usage:  "stops swapd",
		Action: stop,
	}
)

func getInfo(ctx *cli.Context) error {
	client, cleanup, err := getInternalClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	res, err := client.GetInfo(context.Background(), &swaprpc.GetInfoRequest{})
	if err != nil {
		return err
	}
	printRespJSON(res)
	return nil
}

func getSwap(ctx *cli.Context) error {
	client, cleanup, err := getInternalClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	res, err := client.GetSwap(context.Background(), &swaprpc.GetSwapRequest{
		Address: ctx.String(addressFlag.Name),
	})
	if err != nil {
		return err
	}
	printRespJSON(res)
	return nil
}

func addFilters(ctx *cli.Context) error {
	client, cleanup, err := getInternalClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	res, err := client.AddAddressFilters(context.Background(), &swaprpc.AddAddressFiltersRequest{
		Addresses: ctx.StringSlice(addressesFlag.Name),
	})
	if err != nil {
		return err
	}
	printRespJSON(res)
	return nil
}

func createSwap(ctx *cli.Context) error {
	hash, err := decodeHexFlag(ctx, hashFlag.Name, 32)
	if err != nil {
		return err
	}
	pubkey, err := decodeHexFlag(ctx, refundPubkeyFlag.Name, 33)
	if err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	res, err := client.CreateSwap(context.Background(), &swaprpc.CreateSwapRequest{
		Hash:         hash,
		RefundPubkey: pubkey,
	})
	if err != nil {
		return err
	}
	printRespJSON(res)
	return nil
}

func paySwap(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	res, err := client.PaySwap(context.Background(), &swaprpc.PaySwapRequest{
		PaymentRequest: ctx.String(bolt11Flag.Name),
	})
	if err != nil {
		return err
	}
	printRespJSON(res)
	return nil
}

func parameters(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	res, err := client.SwapParameters(context.Background(), &swaprpc.SwapParametersRequest{})
	if err != nil {
		return err
	}
	printRespJSON(res)
	return nil
}

func stop(ctx *cli.Context) error {
	client, cleanup, err := getInternalClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	res, err := client.Stop(context.Background(), &swaprpc.StopRequest{})
	if err != nil {
		return err
	}
	printRespJSON(res)
	return nil
}

func decodeHexFlag(ctx *cli.Context, name string, size int) ([]byte, error) {
	b, err := hex.DecodeString(ctx.String(name))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("invalid %s: expected %d bytes, got %d", name, size, len(b))
	}
	return b, nil
}

func getClient(ctx *cli.Context) (*swaprpc.SwapperClient, func(), error) {
	conn, err := getClientConn(ctx.GlobalString("rpchost"))
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { conn.Close() }
	return swaprpc.NewSwapperClient(conn), cleanup, nil
}

func getInternalClient(ctx *cli.Context) (*swaprpc.SwapManagerClient, func(), error) {
	conn, err := getClientConn(ctx.GlobalString("internalhost"))
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { conn.Close() }
	return swaprpc.NewSwapManagerClient(conn), cleanup, nil
}

func getClientConn(address string) (*grpc.ClientConn, error) {
	maxMsgRecvSize := grpc.MaxCallRecvMsgSize(1 * 1024 * 1024 * 200)
	conn, err := swaprpc.Dial(context.Background(), address, grpc.WithDefaultCallOptions(maxMsgRecvSize))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to RPC server: %v", err)
	}
	return conn, nil
}

func printRespJSON(resp any) {
	jsonStr, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fmt.Println("unable to decode response: ", err)
		return
	}
	fmt.Println(string(jsonStr))
}
