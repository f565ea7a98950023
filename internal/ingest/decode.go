// Package ingest is the stream ingestion and batching pipeline (C6). It
// decodes the fixed-layout bonding-curve account and per-transaction log
// lines the gRPC firehose carries, classifies the result, and buffers it
// for a transactional flush. The feed itself — the gRPC client, account
// fetches, and the external price/security providers it would otherwise
// need — is an explicit external collaborator; this package depends only
// on the small Dialer/Stream interfaces below, which a real feed adapter
// implements.
package ingest

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/aristath/pumpcat/internal/domain"
)

const curveAccountLen = 8 + 4*8 + 8 + 1 + 32

// CurveAccount is the decoded fixed-layout bonding-curve account: an 8-byte
// discriminator, four u64 reserves, a u64 total supply, a completion flag,
// and the 32-byte SPL mint address (spec.md section 6's field-for-field
// layout).
type CurveAccount struct {
	Discriminator [8]byte

	VirtualTokenReserve uint64
	VirtualSolReserve   uint64
	RealTokenReserve    uint64
	RealSolReserve      uint64

	TokenTotalSupply uint64
	Complete         bool
	Mint             [32]byte
}

// MintAddress returns the account's mint pubkey, base64-encoded as the
// stand-in string form this system uses for addresses throughout.
func (c CurveAccount) MintAddress() string {
	return base64.RawURLEncoding.EncodeToString(c.Mint[:])
}

// DecodeCurveAccount parses the fixed-layout account data the gRPC feed
// emits for every bonding-curve account update. Only accounts whose
// Complete flag is zero are active curves; the subscription filter ought to
// exclude the rest, but this function does not enforce that — it is a pure
// decoder.
func DecodeCurveAccount(data []byte) (CurveAccount, error) {
	if len(data) < curveAccountLen {
		return CurveAccount{}, fmt.Errorf("ingest: curve account too short: got %d bytes, want at least %d", len(data), curveAccountLen)
	}

	var acc CurveAccount
	copy(acc.Discriminator[:], data[0:8])
	off := 8
	acc.VirtualTokenReserve = binary.LittleEndian.Uint64(data[off:])
	off += 8
	acc.VirtualSolReserve = binary.LittleEndian.Uint64(data[off:])
	off += 8
	acc.RealTokenReserve = binary.LittleEndian.Uint64(data[off:])
	off += 8
	acc.RealSolReserve = binary.LittleEndian.Uint64(data[off:])
	off += 8
	acc.TokenTotalSupply = binary.LittleEndian.Uint64(data[off:])
	off += 8
	acc.Complete = data[off] != 0
	off++
	copy(acc.Mint[:], data[off:off+32])

	return acc, nil
}

// discriminatorKind maps a transaction discriminator byte to its
// instruction kind when no log line is available (spec.md 4.6 fallback:
// 181→create, 102→buy, 51→sell).
var discriminatorKind = map[byte]domain.TransactionKind{
	181: domain.TxCreate,
	102: domain.TxBuy,
	51:  domain.TxSell,
}

// DecodeTransactionKind derives the instruction kind from the first
// matching "Instruction: Create|Buy|Sell" log line, falling back to the
// discriminator byte if no log line matches. ok is false if neither source
// identifies a kind this system tracks.
func DecodeTransactionKind(logLines []string, discriminator byte) (kind domain.TransactionKind, ok bool) {
	for _, line := range logLines {
		switch {
		case strings.Contains(line, "Instruction: Create"):
			return domain.TxCreate, true
		case strings.Contains(line, "Instruction: Buy"):
			return domain.TxBuy, true
		case strings.Contains(line, "Instruction: Sell"):
			return domain.TxSell, true
		}
	}
	kind, ok = discriminatorKind[discriminator]
	return kind, ok
}
