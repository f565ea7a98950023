// Package domain holds the data model shared by every component: Token,
// its append-only logs, and the scheduler's task record. Faithful to
// spec.md section 3 — attribute names mirror the storage column names so
// repository scan code reads directly into these structs.
package domain

import "time"

// Token is the identity, metadata, market/security snapshot, and lifecycle
// state of one on-chain mint.
type Token struct {
	Address string // 32-byte on-chain mint address, string form

	// Metadata
	Symbol         string
	Name           string
	Decimals       int
	Creator        string
	LaunchSignature string
	LaunchSlot     uint64

	// Market snapshot
	CurrentPriceUSD  float64
	CurrentPriceSOL  float64
	MarketCapUSD     float64
	LiquidityUSD     float64
	Volume24hUSD     float64
	HolderCount      int
	Top10Percent     float64
	CurveProgress    float64
	LastPriceUpdate  time.Time
	PriceUpdateCount int64

	// Security snapshot
	SafetyScore     *float64
	SafetyScoreAt   time.Time
	SafetyFlags     []string
	DoNotRetryEnrich bool

	// Lifecycle
	Category           string
	PreviousCategory   string
	CategoryUpdatedAt  time.Time
	CategoryScanCount  int
	BuyAttempts        int
	AimAttempts        int
	DiscoveredAt       time.Time
}

// CategoryTransition is one append-only row in the category_transitions
// table.
type CategoryTransition struct {
	ID             int64
	TokenAddress   string
	FromCategory   string
	ToCategory     string
	MarketCapAtUSD float64
	Reason         string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// PriceSample is one append-only row in timeseries.token_prices, unique on
// (token_address, time).
type PriceSample struct {
	TokenAddress        string
	Time                time.Time
	PriceUSD            float64
	PriceNative         float64
	VirtualTokenReserve uint64
	VirtualSolReserve   uint64
	RealTokenReserve    uint64
	RealSolReserve      uint64
	MarketCapUSD        float64
	LiquidityUSD        float64
	Slot                uint64
	Source              string
}

// TransactionKind enumerates the kinds of bonding-curve instructions this
// system observes.
type TransactionKind string

const (
	TxCreate TransactionKind = "create"
	TxBuy    TransactionKind = "buy"
	TxSell   TransactionKind = "sell"
)

// Transaction is one append-only row in timeseries.token_transactions,
// unique on (signature, token_address, time).
type Transaction struct {
	Signature    string
	TokenAddress string
	Time         time.Time
	Kind         TransactionKind
	User         string
	TokenAmount  float64
	NativeAmount float64
	PriceUSD     float64
	PriceNative  float64
	Slot         uint64
	FeeNative    float64
}

// ScanTask is one row the scan scheduler (C5) tracks per active,
// non-terminal token.
type ScanTask struct {
	TokenAddress     string
	Category         string
	ScanNumber       int
	FirstScheduledAt time.Time
	LastScannedAt    time.Time
	NextScanAt       time.Time
	TimeoutAt        time.Time
	Priority         int
}

// RiskLevel is the evaluator's qualitative risk bucket.
type RiskLevel string

const (
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
	RiskExtreme RiskLevel = "EXTREME"
)

// BuyEvaluation is one append-only row produced by the evaluator (C8).
type BuyEvaluation struct {
	ID                 int64
	UUID               string
	TokenAddress       string
	CriteriaPassed     map[string]bool
	ObservedValues     map[string]float64
	Passed             bool
	FailureReasons     []string
	Confidence         float64
	Risk               RiskLevel
	RecommendedPosition float64
	DurationMS         int64
	CreatedAt          time.Time
}

// ScanResult is what a category scan handler returns to the scheduler (C5).
type ScanResult struct {
	Success      bool
	MarketCapUSD *float64
	APIsUsed     []string
	Err          error
	DurationMS   int64
}
