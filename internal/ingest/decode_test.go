package ingest

import (
	"encoding/binary"
	"testing"

	"github.com/aristath/pumpcat/internal/domain"
)

func buildCurveAccountBytes(virtualToken, virtualSol, realToken, realSol, supply uint64, complete bool, mint [32]byte) []byte {
	buf := make([]byte, curveAccountLen)
	copy(buf[0:8], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	off := 8
	for _, v := range []uint64{virtualToken, virtualSol, realToken, realSol, supply} {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	if complete {
		buf[off] = 1
	}
	off++
	copy(buf[off:off+32], mint[:])
	return buf
}

func TestDecodeCurveAccountRoundTrip(t *testing.T) {
	var mint [32]byte
	for i := range mint {
		mint[i] = byte(i)
	}
	data := buildCurveAccountBytes(1_000_000, 30, 500_000, 15, 1_000_000_000, false, mint)

	acc, err := DecodeCurveAccount(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc.VirtualTokenReserve != 1_000_000 || acc.VirtualSolReserve != 30 {
		t.Fatalf("unexpected reserves: %+v", acc)
	}
	if acc.Complete {
		t.Fatalf("expected complete=false")
	}
	if acc.Mint != mint {
		t.Fatalf("mint mismatch")
	}
}

func TestDecodeCurveAccountTooShort(t *testing.T) {
	if _, err := DecodeCurveAccount(make([]byte, 10)); err == nil {
		t.Fatalf("expected an error for undersized input")
	}
}

func TestDecodeTransactionKindFromLogLine(t *testing.T) {
	kind, ok := DecodeTransactionKind([]string{"Program log: Instruction: Buy"}, 0)
	if !ok || kind != domain.TxBuy {
		t.Fatalf("expected buy, got %v ok=%v", kind, ok)
	}
}

func TestDecodeTransactionKindFallsBackToDiscriminator(t *testing.T) {
	kind, ok := DecodeTransactionKind(nil, 181)
	if !ok || kind != domain.TxCreate {
		t.Fatalf("expected create via discriminator fallback, got %v ok=%v", kind, ok)
	}
}

func TestDecodeTransactionKindUnknown(t *testing.T) {
	_, ok := DecodeTransactionKind(nil, 0)
	if ok {
		t.Fatalf("expected no match for an unrecognized discriminator")
	}
}

func TestAddressMapBidirectional(t *testing.T) {
	m := NewAddressMap()
	m.Put("mint1", "curve1")

	if c, ok := m.Curve("mint1"); !ok || c != "curve1" {
		t.Fatalf("expected curve1, got %v ok=%v", c, ok)
	}
	if mint, ok := m.Mint("curve1"); !ok || mint != "mint1" {
		t.Fatalf("expected mint1, got %v ok=%v", mint, ok)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 pair, got %d", m.Len())
	}
}
