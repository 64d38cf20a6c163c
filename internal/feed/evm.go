package feed

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/arbnet/coordinator/internal/domain"
)

// readRetryDelay is the pause after a failed stream read before retrying.
const readRetryDelay = time.Second

// QuoteSink receives validated EVM quotes. Satisfied by the engine.
type QuoteSink interface {
	ObserveEVMQuote(domain.PriceUpdate) error
}

// QuoteTail tails the EVM quote stream and feeds parseable quotes into the
// sink. It reads without a consumer group so every detector instance sees
// every quote; cross-chain comparison needs the full picture, not a share
// of it.
type QuoteTail struct {
	bus    domain.StreamBus
	stream string
	sink   QuoteSink
	log    *slog.Logger

	readCount int64
	block     time.Duration
	lastID    string

	now func() time.Time
}

// NewQuoteTail creates a tailer over the given stream. readCount and block
// mirror the consumer settings from config.
func NewQuoteTail(bus domain.StreamBus, stream string, sink QuoteSink, readCount int64, block time.Duration, log *slog.Logger) *QuoteTail {
	if readCount <= 0 {
		readCount = 100
	}
	if block <= 0 {
		block = 5 * time.Second
	}
	return &QuoteTail{
		bus:       bus,
		stream:    stream,
		sink:      sink,
		log:       log.With(slog.String("component", "evm-quotes")),
		readCount: readCount,
		block:     block,
		now:       time.Now,
	}
}

// Run tails the stream until ctx is canceled. Only quotes arriving after
// startup are read; stale backlog has no value for live detection.
func (q *QuoteTail) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := q.bus.Read(ctx, q.stream, q.lastID, q.readCount, q.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Warn("quote stream read failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readRetryDelay):
			}
			continue
		}

		for _, entry := range entries {
			q.lastID = entry.ID
			update, ok := q.parseQuote(entry.Values)
			if !ok {
				q.log.Debug("unparseable evm quote dropped", slog.String("entryId", entry.ID))
				continue
			}
			if err := q.sink.ObserveEVMQuote(update); err != nil {
				q.log.Debug("evm quote rejected",
					slog.String("chain", update.Chain),
					slog.String("pool", update.PoolAddress),
					slog.Any("error", err))
			}
		}
	}
}

// parseQuote builds a PriceUpdate from raw stream fields. The pool address
// must be a checksummable EVM address; synthetic ids are a Solana-side
// convention and have no meaning here.
func (q *QuoteTail) parseQuote(values map[string]string) (domain.PriceUpdate, bool) {
	addr := values["poolAddress"]
	if !common.IsHexAddress(addr) {
		return domain.PriceUpdate{}, false
	}

	price, err := strconv.ParseFloat(values["price"], 64)
	if err != nil || price <= 0 {
		return domain.PriceUpdate{}, false
	}

	update := domain.PriceUpdate{
		Chain:       values["chain"],
		Dex:         values["dex"],
		PoolAddress: common.HexToAddress(addr).Hex(),
		Token0:      values["token0"],
		Token1:      values["token1"],
		Price:       price,
	}

	if v := values["reserve0"]; v != "" {
		update.Reserve0, _ = strconv.ParseFloat(v, 64)
	}
	if v := values["reserve1"]; v != "" {
		update.Reserve1, _ = strconv.ParseFloat(v, 64)
	}
	if v := values["feeBps"]; v != "" {
		update.FeeBps, _ = strconv.Atoi(v)
	}
	if v := values["blockNumber"]; v != "" {
		update.BlockNumber = parseBlockNumber(v)
	}

	if v := values["timestamp"]; v != "" {
		update.Timestamp, _ = strconv.ParseInt(v, 10, 64)
	}
	if update.Timestamp <= 0 {
		update.Timestamp = q.now().UnixMilli()
	}

	return update, true
}

// parseBlockNumber accepts both hex-quantity ("0x1b4") and decimal block
// numbers; EVM watchers disagree on which they emit.
func parseBlockNumber(v string) int64 {
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		n, err := hexutil.DecodeUint64(v)
		if err != nil {
			return 0
		}
		return int64(n)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
