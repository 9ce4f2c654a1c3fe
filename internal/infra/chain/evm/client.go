// Package evm reads blocks and receipts from an EVM JSON-RPC endpoint.
package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/roundwatcher/internal/core/domain"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/provider"
)

// codeMethodNotFound is the JSON-RPC error code for an unknown method.
const codeMethodNotFound = -32601

var (
	// ErrBlockNotFound is returned when a block is not available yet.
	ErrBlockNotFound = errors.New("block not found")

	// ErrReceiptNotFound is returned when a receipt of a mined transaction is missing.
	ErrReceiptNotFound = errors.New("receipt not found")
)

// Caller issues a single JSON-RPC call. It is satisfied by *batch.Provider
// and *provider.HTTPProvider.
type Caller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// Config holds client settings.
type Config struct {
	ChainID            domain.ChainID
	Filter             BoostFilter
	ReceiptConcurrency int // Receipt fetches in flight per block (default: 10)
	Logger             *slog.Logger
}

// Client is an EVM chain adapter.
type Client struct {
	caller Caller
	cfg    Config
	log    *slog.Logger

	// set once the node rejects eth_getBlockReceipts
	noBlockReceipts atomic.Bool
}

// NewClient creates a client on top of caller.
func NewClient(caller Caller, cfg Config) *Client {
	if cfg.ReceiptConcurrency <= 0 {
		cfg.ReceiptConcurrency = 10
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		caller: caller,
		cfg:    cfg,
		log:    log.With("component", "evm", "chain", cfg.ChainID),
	}
}

func (c *Client) call(ctx context.Context, out any, method string, params ...any) (bool, error) {
	raw, err := c.caller.Call(ctx, method, params)
	if err != nil {
		return false, fmt.Errorf("%s failed: %w", method, err)
	}
	if isNull(raw) {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", method, err)
	}
	return true, nil
}

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	ok, err := c.call(ctx, &n, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("eth_blockNumber: empty result")
	}
	return uint64(n), nil
}

func (c *Client) ChainID(ctx context.Context) (domain.ChainID, error) {
	var id hexutil.Big
	ok, err := c.call(ctx, &id, "eth_chainId")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("eth_chainId: empty result")
	}
	return domain.ChainID(id.ToInt().String()), nil
}

// HeaderByNumber returns nil, nil when the block does not exist yet.
func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (*domain.BlockHeader, error) {
	var h rpcHeader
	ok, err := c.call(ctx, &h, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
	if err != nil || !ok {
		return nil, err
	}
	return h.toDomain(), nil
}

func (c *Client) LatestHeader(ctx context.Context) (*domain.BlockHeader, error) {
	var h rpcHeader
	ok, err := c.call(ctx, &h, "eth_getBlockByNumber", "latest", false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("latest block: %w", ErrBlockNotFound)
	}
	return h.toDomain(), nil
}

// BlockWithTransactions returns nil, nil when the block does not exist yet.
func (c *Client) BlockWithTransactions(ctx context.Context, number uint64) (*Block, error) {
	var b Block
	ok, err := c.call(ctx, &b, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true)
	if err != nil || !ok {
		return nil, err
	}
	return &b, nil
}

// TransactionReceipts fetches receipts concurrently. The result is in the
// order of hashes; a missing receipt fails the whole call.
func (c *Client) TransactionReceipts(ctx context.Context, hashes []common.Hash) ([]*Receipt, error) {
	receipts := make([]*Receipt, len(hashes))
	if len(hashes) == 0 {
		return receipts, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ReceiptConcurrency)

	for i, hash := range hashes {
		g.Go(func() error {
			var r Receipt
			ok, err := c.call(ctx, &r, "eth_getTransactionReceipt", hash)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("tx %s: %w", hash.Hex(), ErrReceiptNotFound)
			}
			receipts[i] = &r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return receipts, nil
}

// BlockReceipts fetches the receipts of block number with one
// eth_getBlockReceipts call, ordered like hashes. It falls back to
// TransactionReceipts when the node does not serve the method or the result
// does not cover every hash.
func (c *Client) BlockReceipts(ctx context.Context, number uint64, hashes []common.Hash) ([]*Receipt, error) {
	if c.noBlockReceipts.Load() {
		return c.TransactionReceipts(ctx, hashes)
	}

	var all []*Receipt
	ok, err := c.call(ctx, &all, "eth_getBlockReceipts", hexutil.EncodeUint64(number))
	if err != nil {
		var rpcErr *provider.RPCError
		if !errors.As(err, &rpcErr) || rpcErr.Code != codeMethodNotFound {
			return nil, err
		}
		c.noBlockReceipts.Store(true)
		c.log.Info("eth_getBlockReceipts not supported, fetching receipts per transaction")
		return c.TransactionReceipts(ctx, hashes)
	}
	if !ok {
		return c.TransactionReceipts(ctx, hashes)
	}

	byHash := make(map[common.Hash]*Receipt, len(all))
	for _, r := range all {
		if r != nil {
			byHash[r.TxHash] = r
		}
	}
	receipts := make([]*Receipt, len(hashes))
	for i, h := range hashes {
		r, found := byHash[h]
		if !found {
			c.log.Debug("Block receipts incomplete, fetching per transaction", "block", number, "tx", h.Hex())
			return c.TransactionReceipts(ctx, hashes)
		}
		receipts[i] = r
	}
	return receipts, nil
}

// BoostedTransactions returns the boosted transactions of block number,
// ordered by position in the block.
func (c *Client) BoostedTransactions(ctx context.Context, number uint64) ([]domain.BoostedTransaction, error) {
	block, err := c.BlockWithTransactions(ctx, number)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("block %d: %w", number, ErrBlockNotFound)
	}
	if len(block.Transactions) == 0 {
		return nil, nil
	}

	hashes := make([]common.Hash, len(block.Transactions))
	for i, tx := range block.Transactions {
		hashes[i] = tx.Hash
	}

	receipts, err := c.BlockReceipts(ctx, number, hashes)
	if err != nil {
		return nil, fmt.Errorf("block %d receipts: %w", number, err)
	}

	var boosted []domain.BoostedTransaction
	for i, r := range receipts {
		if !c.cfg.Filter.Boosted(r) {
			continue
		}
		boosted = append(boosted, toBoosted(block.Transactions[i], r, int64(block.Timestamp)))
	}

	if len(boosted) > 0 {
		c.log.Debug("Boosted transactions found",
			"block", number,
			"count", len(boosted),
			"txs", len(block.Transactions),
		)
	}
	domain.SortTransactions(boosted)
	return boosted, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
