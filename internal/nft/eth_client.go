package nft

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"epicnft/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	defaultPollInterval = 4 * time.Second
	methodNotFoundCode  = -32601
)

// EthClient talks to a deployed MyEpicNFT contract.
type EthClient struct {
	client       *ethclient.Client
	contract     *bind.BoundContract
	abi          abi.ABI
	address      common.Address
	pollInterval time.Duration
}

type EthClientConfig struct {
	Contract common.Address
	// PollInterval paces log polling when the endpoint cannot push
	// subscriptions (plain HTTP).
	PollInterval time.Duration
}

func NewEthClient(cli *ethclient.Client, cfg EthClientConfig) (*EthClient, error) {
	if cli == nil {
		return nil, fmt.Errorf("rpc client is required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("contract address is required")
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.MyEpicNFTABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &EthClient{
		client:       cli,
		contract:     bind.NewBoundContract(cfg.Contract, parsedABI, cli, cli, cli),
		abi:          parsedABI,
		address:      cfg.Contract,
		pollInterval: interval,
	}, nil
}

func (c *EthClient) Mint(ctx context.Context, opts *bind.TransactOpts) (*types.Transaction, error) {
	if opts == nil {
		return nil, ErrReadOnly
	}
	txOpts := *opts
	txOpts.Context = ctx

	tx, err := c.contract.Transact(&txOpts, contracts.MethodMint)
	if err != nil {
		return nil, fmt.Errorf("%s tx: %w", contracts.MethodMint, err)
	}
	return tx, nil
}

func (c *EthClient) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return nil, fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrTxFailed, tx.Hash().Hex())
	}
	return receipt, nil
}

func (c *EthClient) TotalMinted(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, contracts.MethodTotalMinted); err != nil {
		return 0, fmt.Errorf("%s call: %w", contracts.MethodTotalMinted, err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%s: unexpected output length %d", contracts.MethodTotalMinted, len(out))
	}
	total := abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	if !total.IsUint64() {
		return 0, fmt.Errorf("%s: total %s overflows uint64", contracts.MethodTotalMinted, total)
	}
	return total.Uint64(), nil
}

// WatchMinted subscribes to NewEpicNFTMinted. Endpoints without notification
// support are polled with eth_getLogs from the current head instead. Logs
// retracted by a reorg are dropped.
func (c *EthClient) WatchMinted(ctx context.Context, sink chan<- MintedEvent) (event.Subscription, error) {
	logs, sub, err := c.contract.WatchLogs(&bind.WatchOpts{Context: ctx}, contracts.EventMinted)
	if notificationsUnsupported(err) {
		log.Info("Endpoint has no subscriptions, polling for mint events", "interval", c.pollInterval)
		return c.pollMinted(ctx, sink)
	}
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", contracts.EventMinted, err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case lg := <-logs:
				if lg.Removed {
					log.Debug("Mint event removed by reorg", "tx", lg.TxHash, "block", lg.BlockNumber)
					continue
				}
				ev, err := c.parseMinted(lg)
				if err != nil {
					return err
				}
				select {
				case sink <- ev:
				case err := <-sub.Err():
					return err
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (c *EthClient) pollMinted(ctx context.Context, sink chan<- MintedEvent) (event.Subscription, error) {
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	next := head + 1
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{c.abi.Events[contracts.EventMinted].ID}},
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			head, err := c.client.BlockNumber(ctx)
			if err != nil {
				log.Warn("Mint event poll failed", "err", err)
				continue
			}
			if head < next {
				continue
			}
			q := query
			q.FromBlock = new(big.Int).SetUint64(next)
			q.ToBlock = new(big.Int).SetUint64(head)
			logs, err := c.client.FilterLogs(ctx, q)
			if err != nil {
				log.Warn("Mint event poll failed", "from", next, "to", head, "err", err)
				continue
			}
			for _, lg := range logs {
				if lg.Removed {
					continue
				}
				ev, err := c.parseMinted(lg)
				if err != nil {
					return err
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			}
			next = head + 1
		}
	}), nil
}

func (c *EthClient) parseMinted(lg types.Log) (MintedEvent, error) {
	var out struct {
		Sender  common.Address
		TokenId *big.Int
	}
	if err := c.contract.UnpackLog(&out, contracts.EventMinted, lg); err != nil {
		return MintedEvent{}, fmt.Errorf("unpack %s: %w", contracts.EventMinted, err)
	}
	return MintedEvent{
		From:        out.Sender,
		TokenID:     out.TokenId,
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
	}, nil
}

// notificationsUnsupported matches both the client-side HTTP refusal and a
// server answering eth_subscribe with method-not-found.
func notificationsUnsupported(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return true
	}
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr) && rpcErr.ErrorCode() == methodNotFoundCode
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}
