package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"epicnft/internal/minter"
	"epicnft/internal/server"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

const (
	defaultEventTimeout = 30 * time.Second
	noticePollInterval  = 500 * time.Millisecond
)

func serveCmd(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, c, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.ctrl.CheckWallet(ctx); err != nil {
		log.Warn("Wallet check failed", "err", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	srv := server.NewServer(cfg, b.ctrl, store)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func mintCmd(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	b, err := openBackend(ctx, c, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	out := c.App.Writer
	if err := b.ctrl.Connect(ctx); err != nil {
		printNotices(out, b.ctrl.Notices(), "")
		return err
	}
	st := b.ctrl.Snapshot()
	fmt.Fprintf(out, "Connected %s\n", st.Account)
	fmt.Fprintf(out, "%d/%d NFTs minted so far\n", st.Minted, st.Total)

	res, err := b.ctrl.Mint(ctx)
	if err != nil {
		printNotices(out, b.ctrl.Notices(), "")
		return err
	}
	fmt.Fprintf(out, "Mined in block %d: %s\n", res.BlockNumber, res.ExplorerURL)
	txHash := res.TxHash.Hex()

	deadline := time.NewTimer(c.Duration("event-timeout"))
	defer deadline.Stop()
	tick := time.NewTicker(noticePollInterval)
	defer tick.Stop()
	for {
		if printNotices(out, b.ctrl.Notices(), txHash) {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			log.Warn("No mint event seen yet, the NFT will still show up on OpenSea")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func countCmd(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	b, err := openBackend(ctx, c, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.ctrl.RefreshMinted(ctx); err != nil {
		return err
	}
	st := b.ctrl.Snapshot()
	fmt.Fprintf(c.App.Writer, "%d/%d NFTs minted so far\n", st.Minted, st.Total)
	return nil
}

func watchCmd(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	b, err := openBackend(ctx, c, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.ctrl.RefreshMinted(ctx); err != nil {
		log.Warn("Fetching minted count failed", "err", err)
	}
	if err := b.ctrl.Listen(); err != nil {
		return err
	}
	log.Info("Watching for mints", "contract", cfg.ContractAddress())

	tick := time.NewTicker(noticePollInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			printNotices(c.App.Writer, b.ctrl.Notices(), "")
		case <-ctx.Done():
			return nil
		}
	}
}

// printNotices writes ns and reports whether one of them announced the mint
// made by txHash. Mints by other wallets are printed but do not match.
func printNotices(w io.Writer, ns []minter.Notice, txHash string) bool {
	seen := false
	for _, n := range ns {
		fmt.Fprintf(w, "[%s] %s\n", n.Kind, n.Message)
		if txHash != "" && n.Kind == minter.NoticeMinted && strings.EqualFold(n.TxHash, txHash) {
			seen = true
		}
	}
	return seen
}
