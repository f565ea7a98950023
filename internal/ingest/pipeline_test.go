package ingest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/aristath/pumpcat/internal/category"
	"github.com/aristath/pumpcat/internal/categorymgr"
	"github.com/aristath/pumpcat/internal/domain"
	"github.com/aristath/pumpcat/internal/events"
	"github.com/aristath/pumpcat/internal/storage"
)

type capturingMetadata struct{ enqueued []string }

func (c *capturingMetadata) Enqueue(tokenAddress string) { c.enqueued = append(c.enqueued, tokenAddress) }

func newTestPipeline(t *testing.T) (*Pipeline, *storage.Store, *capturingMetadata) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := storage.New(db, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	cfg := category.Default()
	categoryStore := category.NewStore(cfg)
	em := events.NewManager(zerolog.Nop())
	mgr := categorymgr.New(store, categoryStore, em, zerolog.Nop())
	mgr.Start(context.Background())
	t.Cleanup(mgr.Stop)

	meta := &capturingMetadata{}
	p := New(nil, store, mgr, categoryStore.Get, em, meta, nil, zerolog.Nop())
	return p, store, meta
}

func TestHandleAccountBuffersPriceWithoutCreatingTokenRow(t *testing.T) {
	p, store, _ := newTestPipeline(t)

	var mint [32]byte
	for i := range mint {
		mint[i] = byte(i + 1)
	}
	data := buildCurveAccountBytes(1_000_000_000, 30_000_000_000, 900_000_000, 25_000_000_000, 1_000_000_000, false, mint)

	p.handleAccount(RawAccountUpdate{CurveAddress: "curve1", Data: data, Slot: 1})

	prices, _, _ := p.buf.snapshot()
	if len(prices) != 1 {
		t.Fatalf("expected 1 buffered price sample, got %d", len(prices))
	}

	mintAddr := CurveAccount{Mint: mint}.MintAddress()
	if curveAddr, ok := p.addresses.Curve(mintAddr); !ok || curveAddr != "curve1" {
		t.Fatalf("expected address map to record the mint<->curve pair, got %v ok=%v", curveAddr, ok)
	}

	if _, found, err := store.GetToken(mintAddr); err != nil {
		t.Fatalf("get token: %v", err)
	} else if found {
		t.Fatalf("expected no token row before the create transaction arrives")
	}
}

func TestHandleAccountSkipsCompletedCurves(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	var mint [32]byte
	data := buildCurveAccountBytes(1, 1, 1, 1, 1, true, mint)
	p.handleAccount(RawAccountUpdate{CurveAddress: "curve1", Data: data, Slot: 1})

	prices, _, _ := p.buf.snapshot()
	if len(prices) != 0 {
		t.Fatalf("expected completed curve accounts to be skipped, got %d samples", len(prices))
	}
}

func TestHandleTransactionCreateBuffersTokenAndEnqueuesMetadata(t *testing.T) {
	p, _, meta := newTestPipeline(t)

	p.handleTransaction(RawTransactionUpdate{
		Signature:   "sig1",
		LogLines:    []string{"Program log: Instruction: Create"},
		MintAddress: "mint1",
		UserAddress: "creator1",
		Slot:        1,
		Time:        time.Now(),
	})

	_, _, newTokens := p.buf.snapshot()
	tok, ok := newTokens["mint1"]
	if !ok || tok.Address != "mint1" {
		t.Fatalf("expected mint1 buffered as a new token, got %+v", newTokens)
	}
	if len(meta.enqueued) != 1 || meta.enqueued[0] != "mint1" {
		t.Fatalf("expected metadata enqueue for mint1, got %v", meta.enqueued)
	}
}

func TestHandleTransactionBuySellBuffersTransaction(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	p.handleTransaction(RawTransactionUpdate{
		Signature:   "sig2",
		LogLines:    []string{"Program log: Instruction: Buy"},
		MintAddress: "mint1",
		UserAddress: "buyer1",
		TokenAmount: 100,
		Time:        time.Now(),
	})

	_, txs, _ := p.buf.snapshot()
	if len(txs) != 1 || txs[0].Kind != domain.TxBuy {
		t.Fatalf("expected 1 buffered buy transaction, got %+v", txs)
	}
}

func TestHandleTransactionUnknownKindIsIgnored(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	p.handleTransaction(RawTransactionUpdate{Signature: "sig3", LogLines: nil, Discriminator: 0})

	_, txs, newTokens := p.buf.snapshot()
	if len(txs) != 0 || len(newTokens) != 0 {
		t.Fatalf("expected no buffered effect for an unrecognized transaction")
	}
}
