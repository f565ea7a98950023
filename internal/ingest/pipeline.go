package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pumpcat/internal/category"
	"github.com/aristath/pumpcat/internal/categorymgr"
	"github.com/aristath/pumpcat/internal/curve"
	"github.com/aristath/pumpcat/internal/domain"
	"github.com/aristath/pumpcat/internal/events"
	"github.com/aristath/pumpcat/internal/reliability"
	"github.com/aristath/pumpcat/internal/storage"
)

const reconnectDelay = 5 * time.Second

// RawAccountUpdate is one decoded-ahead-of-this-package account change: the
// feed adapter hands over the raw account bytes and slot; this package owns
// decoding them.
type RawAccountUpdate struct {
	CurveAddress string
	Data         []byte
	Slot         uint64
}

// RawTransactionUpdate is one transaction touching the bonding-curve
// program, with just enough pre-parsed detail for this package to classify
// and record it.
type RawTransactionUpdate struct {
	Signature     string
	LogLines      []string
	Discriminator byte
	MintAddress   string
	UserAddress   string
	TokenAmount   float64
	NativeAmount  float64
	PriceUSD      float64
	PriceNative   float64
	FeeNative     float64
	Slot          uint64
	Time          time.Time
}

// Stream is a live connection to the feed: two channels of decoded-enough
// updates, closed together when the connection drops.
type Stream interface {
	Accounts() <-chan RawAccountUpdate
	Transactions() <-chan RawTransactionUpdate
	Close() error
}

// Dialer opens a Stream, re-sending the subscription filters described in
// spec.md 4.6 (active curves only; program transactions excluding votes and
// failures, at confirmed commitment) on every call. The concrete gRPC
// client is an external collaborator; this package only depends on this
// interface.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// MetadataEnqueuer receives newly-created token addresses so C9 can fetch
// their symbol/name/holder fields.
type MetadataEnqueuer interface {
	Enqueue(tokenAddress string)
}

// BuyEvaluationEnqueuer receives token addresses whose market cap just
// entered the AIM band.
type BuyEvaluationEnqueuer interface {
	Enqueue(tokenAddress string)
}

// Pipeline is the stream ingestion and batching component (C6).
type Pipeline struct {
	dialer  Dialer
	store   *storage.Store
	mgr     *categorymgr.Manager
	cfg     func() *category.Config
	events  *events.Manager
	metadata MetadataEnqueuer
	buyQueue BuyEvaluationEnqueuer
	log     zerolog.Logger

	addresses   *AddressMap
	buf         *buffers
	reliability *reliability.Tracker
}

// SetReliability attaches the error-class/flush-saturation tracker the
// admin status endpoint reads. Optional; flush outcomes are not recorded
// without it.
func (p *Pipeline) SetReliability(t *reliability.Tracker) {
	p.reliability = t
}

// New creates a Pipeline. metadata and buyQueue may be nil in tests that do
// not exercise those side effects.
func New(dialer Dialer, store *storage.Store, mgr *categorymgr.Manager, cfg func() *category.Config, ev *events.Manager, metadata MetadataEnqueuer, buyQueue BuyEvaluationEnqueuer, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		dialer:    dialer,
		store:     store,
		mgr:       mgr,
		cfg:       cfg,
		events:    ev,
		metadata:  metadata,
		buyQueue:  buyQueue,
		log:       log.With().Str("component", "ingest").Logger(),
		addresses: NewAddressMap(),
		buf:       newBuffers(),
	}
}

// Run dials the feed and processes updates until ctx is cancelled,
// reconnecting 5 s after any stream error or clean end (spec.md 4.6). It
// also drives the periodic flush tick and refreshes the SOL→USD reference
// price at start from the most recent stored sample.
func (p *Pipeline) Run(ctx context.Context) error {
	if usd, ok, err := p.store.LatestSolPrice(); err == nil && ok {
		curve.SetSolPriceUSD(usd)
	}

	flushInterval := time.Duration(p.cfg().GRPCFlushIntervalMS) * time.Millisecond
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flushNow("shutdown")
			return ctx.Err()
		default:
		}

		stream, err := p.dialer.Dial(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("dial failed, retrying")
			if !sleepOrDone(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		p.consume(ctx, stream, ticker)
		_ = stream.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn().Msg("stream ended, reconnecting")
		if !sleepOrDone(ctx, reconnectDelay) {
			return ctx.Err()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// consume drains one stream's channels until ctx is cancelled or the stream
// closes both channels.
func (p *Pipeline) consume(ctx context.Context, stream Stream, ticker *time.Ticker) {
	accounts := stream.Accounts()
	txs := stream.Transactions()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flushNow("periodic")
		case u, ok := <-accounts:
			if !ok {
				return
			}
			p.handleAccount(u)
			p.flushIfFull()
		case u, ok := <-txs:
			if !ok {
				return
			}
			p.handleTransaction(u)
			p.flushIfFull()
		}
	}
}

// handleAccount decodes a curve account update, records the dual-address
// pair, and turns it into a price sample.
func (p *Pipeline) handleAccount(u RawAccountUpdate) {
	acc, err := DecodeCurveAccount(u.Data)
	if err != nil {
		p.log.Warn().Err(err).Str("curve", u.CurveAddress).Msg("failed to decode curve account")
		return
	}
	if acc.Complete {
		return // subscription filter should already exclude these
	}

	mint := acc.MintAddress()
	p.addresses.Put(mint, u.CurveAddress)

	solPrice := curve.SolPriceUSD()
	priceNative := 0.0
	if acc.VirtualTokenReserve > 0 {
		priceNative = float64(acc.VirtualSolReserve) / float64(acc.VirtualTokenReserve)
	}
	priceUSD := priceNative * solPrice
	liquidityUSD := float64(acc.RealSolReserve) / 1e9 * solPrice

	mcUSD := priceUSD * float64(acc.TokenTotalSupply)
	state := curve.StateAtMarketCap(mcUSD)

	sample := domain.PriceSample{
		TokenAddress:        mint,
		Time:                time.Now(),
		PriceUSD:            priceUSD,
		PriceNative:         priceNative,
		VirtualTokenReserve: acc.VirtualTokenReserve,
		VirtualSolReserve:   acc.VirtualSolReserve,
		RealTokenReserve:    acc.RealTokenReserve,
		RealSolReserve:      acc.RealSolReserve,
		MarketCapUSD:        state.MarketCapUSD,
		LiquidityUSD:        liquidityUSD,
		Slot:                u.Slot,
		Source:              "grpc",
	}
	p.buf.addPrice(sample)
	p.applyPriceSideEffects(mint, sample)
}

// applyPriceSideEffects runs the three per-price effects from spec.md 4.6,
// outside the flush transaction: the token row upsert, a category
// transition on a threshold cross, and a buy-evaluation enqueue in the AIM
// band.
func (p *Pipeline) applyPriceSideEffects(tokenAddress string, s domain.PriceSample) {
	progress := 0.0
	if s.MarketCapUSD > 0 {
		progress = curve.StateAtMarketCap(s.MarketCapUSD).Progress
	}
	if err := p.store.UpdateTokenPriceFields(tokenAddress, s.PriceUSD, s.PriceNative, s.MarketCapUSD, s.LiquidityUSD, progress, s.Time); err != nil {
		p.log.Error().Err(err).Str("token", tokenAddress).Msg("failed to update token price fields")
	}

	if _, err := p.mgr.UpdateMarketCap(tokenAddress, s.MarketCapUSD); err != nil {
		p.log.Error().Err(err).Str("token", tokenAddress).Msg("update market cap failed")
	}

	cfg := p.cfg()
	if p.buyQueue != nil && s.MarketCapUSD >= cfg.AimMin && s.MarketCapUSD <= cfg.AimMax {
		p.buyQueue.Enqueue(tokenAddress)
	}
}

// handleTransaction classifies a transaction and either emits a
// tokenCreated event (enqueuing metadata) or buffers it for the flush.
func (p *Pipeline) handleTransaction(u RawTransactionUpdate) {
	kind, ok := DecodeTransactionKind(u.LogLines, u.Discriminator)
	if !ok {
		return
	}

	if kind == domain.TxCreate {
		t := domain.Token{
			Address:      u.MintAddress,
			Symbol:       "LOADING...",
			Name:         "",
			Creator:      u.UserAddress,
			LaunchSignature: u.Signature,
			LaunchSlot:   u.Slot,
			Category:     string(category.New),
			DiscoveredAt: u.Time,
		}
		p.buf.addNewToken(t)
		if p.metadata != nil {
			p.metadata.Enqueue(u.MintAddress)
		}
		p.events.Emit(events.TokenCreated, "ingest", map[string]interface{}{
			"token_address": u.MintAddress,
			"signature":     u.Signature,
		})
		return
	}

	tx := domain.Transaction{
		Signature:    u.Signature,
		TokenAddress: u.MintAddress,
		Time:         u.Time,
		Kind:         kind,
		User:         u.UserAddress,
		TokenAmount:  u.TokenAmount,
		NativeAmount: u.NativeAmount,
		PriceUSD:     u.PriceUSD,
		PriceNative:  u.PriceNative,
		Slot:         u.Slot,
		FeeNative:    u.FeeNative,
	}
	p.buf.addTransaction(tx)
}

func (p *Pipeline) flushIfFull() {
	if p.buf.anyFull(p.cfg().GRPCBatchSize) {
		p.flushNow("batch_full")
	}
}

func (p *Pipeline) flushNow(trigger string) {
	stats, err := flush(p.store, p.buf)
	if p.reliability != nil {
		p.reliability.RecordFlush(err != nil)
	}
	if err != nil {
		p.log.Error().Err(err).Str("trigger", trigger).Msg("flush failed, batch discarded")
		p.events.Emit(events.ErrorOccurred, "ingest", map[string]interface{}{"stage": "flush", "error": err.Error()})
		if p.reliability != nil {
			p.reliability.RecordError(reliability.ClassTransientStorage)
		}
		return
	}
	if stats.NewTokens == 0 && stats.Prices == 0 && stats.Transactions == 0 {
		return
	}
	p.events.Emit(events.BufferFlushed, "ingest", map[string]interface{}{
		"trigger":      trigger,
		"new_tokens":   stats.NewTokens,
		"prices":       stats.Prices,
		"transactions": stats.Transactions,
		"duration_ms":  stats.DurationMS,
	})
}

