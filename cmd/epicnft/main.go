// epicnft serves the MyEpicNFT mint page and JSON API, and offers one-shot
// commands to mint, read the minted count and follow mint events.
//
// Usage:
//
//	epicnft [global flags] [serve|mint|count|watch]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
	rpcFlag = &cli.StringFlag{
		Name:  "rpc",
		Usage: "Ethereum JSON-RPC endpoint (overrides EPICNFT_RPC_URL)",
	}
	contractFlag = &cli.StringFlag{
		Name:  "contract",
		Usage: "MyEpicNFT contract address (overrides the deployments file)",
	}
	walletFlag = &cli.StringFlag{
		Name:  "wallet",
		Usage: "Wallet backend: auto, rpc, keystore, key or none",
	}
	keystoreFlag = &cli.StringFlag{
		Name:  "keystore",
		Usage: "Keystore directory for the keystore wallet",
	}
	accountFlag = &cli.StringFlag{
		Name:  "account",
		Usage: "Keystore account to unlock",
	}
	portFlag = &cli.IntFlag{
		Name:  "http.port",
		Usage: "HTTP port for the page and API",
	}
	pollFlag = &cli.DurationFlag{
		Name:  "poll",
		Usage: "Event polling interval when the endpoint has no subscriptions",
	}
	dryRunFlag = &cli.BoolFlag{
		Name:  "dry-run",
		Usage: "Use an in-memory contract and a throwaway key instead of a node",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "epicnft",
		Usage: "Mint MyEpicNFT tokens from a wallet",
		Flags: []cli.Flag{
			verbosityFlag,
			rpcFlag,
			contractFlag,
			walletFlag,
			keystoreFlag,
			accountFlag,
			portFlag,
			pollFlag,
			dryRunFlag,
		},
		Before: setupLogging,
		Action: serveCmd,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the mint page and JSON API",
				Action: serveCmd,
			},
			{
				Name:   "mint",
				Usage:  "Connect the wallet, mint one NFT and wait for it to be mined",
				Action: mintCmd,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "event-timeout",
						Usage: "How long to wait for the mint event after mining",
						Value: defaultEventTimeout,
					},
				},
			},
			{
				Name:   "count",
				Usage:  "Print how many NFTs have been minted so far",
				Action: countCmd,
			},
			{
				Name:   "watch",
				Usage:  "Print mint events until interrupted",
				Action: watchCmd,
			},
		},
	}
}

func setupLogging(c *cli.Context) error {
	lvl := log.FromLegacyLevel(c.Int(verbosityFlag.Name))
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
