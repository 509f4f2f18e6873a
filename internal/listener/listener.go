// Package listener drives a single network's cursor over block
// numbers: catching up to the chain head at startup, then tailing new
// blocks one at a time, gating each fetch on the block's bloom filter
// and demultiplexing matching logs to the hooks subscribed on that
// chain.
package listener

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"blockwatch/internal/config"
	"blockwatch/internal/ethrpc"
	"blockwatch/internal/metrics"
	"blockwatch/internal/store"
)

// Listener owns one network's watermark and wakes the delivery worker
// whenever it writes a new Delivery row.
type Listener struct {
	name      string
	network   config.Network
	hooks     map[string]config.Hook
	contracts []common.Address

	rpc     *ethrpc.Client
	store   *store.Store
	wake    chan<- struct{}
	log     *zap.Logger
	metrics *metrics.Collector
}

// New builds a Listener for one configured network. hooks must already
// be filtered to those whose chain_id matches network.ChainID.
func New(name string, network config.Network, hooks map[string]config.Hook, rpc *ethrpc.Client, st *store.Store, wake chan<- struct{}, log *zap.Logger, m *metrics.Collector) *Listener {
	contracts := uniqueContracts(hooks)
	return &Listener{
		name:      name,
		network:   network,
		hooks:     hooks,
		contracts: contracts,
		rpc:       rpc,
		store:     st,
		wake:      wake,
		log:       log.With(zap.Int32("chain_id", network.ChainID), zap.String("network", name)),
		metrics:   m,
	}
}

func uniqueContracts(hooks map[string]config.Hook) []common.Address {
	seen := map[common.Address]bool{}
	var out []common.Address
	for _, h := range hooks {
		for _, addr := range h.ContractAddr {
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	return out
}

// Run executes one full pass of the INIT → CATCHUP → HEAD state
// machine. It returns only on error or ctx cancellation; the
// supervisor is responsible for restarting it after a backoff
// on a backoff schedule.
func (l *Listener) Run(ctx context.Context) error {
	next, err := l.startCursor(ctx)
	if err != nil {
		return fmt.Errorf("listener %s: init: %w", l.name, err)
	}

	next, err = l.catchUp(ctx, next)
	if err != nil {
		return fmt.Errorf("listener %s: catchup: %w", l.name, err)
	}

	return l.tailHead(ctx, next)
}

// startCursor returns the first block number this listener should
// evaluate. A chain with no tracker row starts at the node's current
// latest block, not genesis.
func (l *Listener) startCursor(ctx context.Context) (uint64, error) {
	last, ok, err := l.store.LastBlock(ctx, l.network.ChainID)
	if err != nil {
		return 0, err
	}
	if ok {
		return last + 1, nil
	}

	latest, err := l.rpc.LatestBlock(ctx, l.name, l.network.RPCURL)
	if err != nil {
		return 0, err
	}
	return latest, nil
}

// catchUp pages forward at network.LogsPageSize blocks per
// eth_getLogs call until the cursor reaches a freshly sampled latest
// block, re-sampling after each drain in case new blocks arrived mid
// catch-up.
func (l *Listener) catchUp(ctx context.Context, next uint64) (uint64, error) {
	for {
		latest, err := l.rpc.LatestBlock(ctx, l.name, l.network.RPCURL)
		if err != nil {
			return 0, err
		}
		if next > latest {
			return next, nil
		}

		for next <= latest {
			to := next + l.network.LogsPageSize - 1
			if to > latest {
				to = latest
			}

			if _, err := l.processRange(ctx, next, to, nil); err != nil {
				return 0, err
			}

			last, _, err := l.store.LastBlock(ctx, l.network.ChainID)
			if err != nil {
				return 0, err
			}
			l.metrics.SetHeadLag(l.network.ChainID, int64(latest)-int64(last))
			next = last + 1
		}
	}
}

// tailHead polls for the next single block, one at a time, sleeping
// network.BlockTime between checks.
func (l *Listener) tailHead(ctx context.Context, next uint64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, ok, err := l.rpc.GetBlock(ctx, l.name, l.network.RPCURL, next)
		if err != nil {
			return err
		}
		if !ok {
			if err := sleepCtx(ctx, l.network.BlockTime); err != nil {
				return err
			}
			continue
		}

		if _, err := l.processRange(ctx, next, next, header); err != nil {
			return err
		}

		if latest, err := l.rpc.LatestBlock(ctx, l.name, l.network.RPCURL); err == nil {
			l.metrics.SetHeadLag(l.network.ChainID, int64(latest)-int64(header.Number))
		}

		next = header.Number + 1

		if err := sleepCtx(ctx, l.network.BlockTime); err != nil {
			return err
		}
	}
}

// processRange evaluates blocks [from, to] inclusive, writing a
// Delivery row per (hook, block) with at least one matching log and
// always ensuring the final write covers block `to` so the watermark
// advances over the whole range. It reports
// whether any delivery was written, and signals the worker exactly
// once if so.
func (l *Listener) processRange(ctx context.Context, from, to uint64, header *ethrpc.BlockHeader) (bool, error) {
	if len(l.contracts) == 0 {
		// Vacuously no match: nothing configured for this chain can
		// ever appear in a log, so skip straight to advancing the
		// watermark over the whole range.
		if err := l.store.RecordBlock(ctx, l.network.ChainID, to, nil); err != nil {
			return false, err
		}
		l.countBlocks(from, to)
		return false, nil
	}

	if from == to {
		if header == nil {
			h, ok, err := l.rpc.GetBlock(ctx, l.name, l.network.RPCURL, from)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, fmt.Errorf("block %d unexpectedly absent", from)
			}
			header = h
		}

		if !bloomMatchesAny(header.LogsBloom, l.contracts) {
			if err := l.store.RecordBlock(ctx, l.network.ChainID, to, nil); err != nil {
				return false, err
			}
			l.countBlocks(from, to)
			return false, nil
		}

		l.log.Debug("bloom filter matched, fetching logs")
	}

	logs, err := l.rpc.GetLogs(ctx, l.name, l.network.RPCURL, from, to, l.contracts)
	if err != nil {
		return false, err
	}

	byBlock := make(map[uint64][]ethrpc.Log)
	for _, lg := range logs {
		byBlock[lg.BlockNumber] = append(byBlock[lg.BlockNumber], lg)
	}

	wake := false
	wroteTo := false
	for b := from; b <= to; b++ {
		blockLogs := byBlock[b]
		if len(blockLogs) == 0 {
			continue
		}

		entries := l.demux(blockLogs)
		if len(entries) == 0 {
			continue
		}

		if err := l.store.RecordBlock(ctx, l.network.ChainID, b, entries); err != nil {
			return false, err
		}
		for _, e := range entries {
			l.metrics.IncDeliveriesCreated(l.network.ChainID, e.HookID, 1)
		}
		wake = true
		if b == to {
			wroteTo = true
		}
	}

	// Block `to` itself may be 0 (a single-block range at genesis), so
	// track whether it was written explicitly rather than comparing
	// block numbers against a sentinel.
	if !wroteTo {
		if err := l.store.RecordBlock(ctx, l.network.ChainID, to, nil); err != nil {
			return false, err
		}
	}

	l.countBlocks(from, to)

	if wake {
		trySignal(l.wake)
	}
	return wake, nil
}

// demux splits logs from one or more blocks into per-hook entries,
// preserving eth_getLogs order within each hook's slice.
func (l *Listener) demux(logs []ethrpc.Log) []store.DeliveryEntry {
	var entries []store.DeliveryEntry
	for hookID, hook := range l.hooks {
		var matched []ethrpc.Log
		for _, lg := range logs {
			if hook.ContractSet[strings.ToLower(lg.Address.Hex())] {
				matched = append(matched, lg)
			}
		}
		if len(matched) > 0 {
			entries = append(entries, store.DeliveryEntry{HookID: hookID, Logs: matched})
		}
	}
	return entries
}

func (l *Listener) countBlocks(from, to uint64) {
	if l.metrics == nil {
		return
	}
	for b := from; b <= to; b++ {
		l.metrics.IncBlocksProcessed(l.network.ChainID)
	}
}

func bloomMatchesAny(bloom interface{ Test([]byte) bool }, contracts []common.Address) bool {
	for _, addr := range contracts {
		if bloom.Test(addr.Bytes()) {
			return true
		}
	}
	return false
}

func trySignal(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
