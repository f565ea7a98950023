// Package evaluator is the buy-signal evaluator and position sizer (C8):
// it applies the fixed AIM-band criteria set to a token's latest snapshot,
// computes a confidence score and qualitative risk level, and recommends a
// position size two independent ways — a continuous formula and a tiered
// cap table — taking the minimum of whichever caps the caller supplies.
package evaluator

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pumpcat/internal/category"
	"github.com/aristath/pumpcat/internal/domain"
	"github.com/aristath/pumpcat/internal/events"
	"github.com/aristath/pumpcat/internal/liquidity"
	"github.com/aristath/pumpcat/internal/storage"
)

// ErrNotInAim is returned when the token's current category is not AIM.
var ErrNotInAim = errors.New("evaluator: token is not in AIM category")

// maxAttempts caps how many evaluations a token gets before further
// attempts are refused without re-querying external data.
const maxAttempts = 3

const solsnifferMaxAge = time.Hour

// Snapshot is everything evaluate needs about one token at evaluation time.
// The caller (the price-update path or the scanner, both in the AIM
// category) assembles it from the current Token row, the latest security
// score, and the recent price-sample window.
type Snapshot struct {
	TokenAddress      string
	Category          category.Category
	MarketCapUSD      float64
	LiquidityUSD      float64
	HolderCount       int
	Top10Percent      float64
	SafetyScore       *float64
	SafetyScoreAt     time.Time
	RecentPriceWindow []domain.PriceSample
	Now               time.Time
}

// Result is what evaluate returns, mirroring the BuyEvaluation log row.
type Result struct {
	CriteriaPassed      map[string]bool
	ObservedValues      map[string]float64
	Passed              bool
	FailureReasons      []string
	Confidence          float64
	Risk                domain.RiskLevel
	RecommendedPosition float64
}

// Evaluator wires the buy criteria from the live category config to
// storage's buy_attempts counter.
type Evaluator struct {
	cfg   func() *category.Config
	store *storage.Store
}

// New creates an Evaluator.
func New(cfg func() *category.Config, store *storage.Store) *Evaluator {
	return &Evaluator{cfg: cfg, store: store}
}

// Evaluate runs the buy-signal gate against snap, persists the resulting
// BuyEvaluation row, and increments the token's buy_attempts counter.
func (e *Evaluator) Evaluate(snap Snapshot) (Result, error) {
	if snap.Category != category.Aim {
		return Result{}, ErrNotInAim
	}

	attempts, err := e.store.GetBuyAttempts(snap.TokenAddress)
	if err != nil {
		return Result{}, err
	}
	if attempts >= maxAttempts {
		result := Result{
			FailureReasons: []string{"max_attempts"},
			Risk:           domain.RiskExtreme,
		}
		_ = e.store.InsertBuyEvaluation(domain.BuyEvaluation{
			TokenAddress:   snap.TokenAddress,
			FailureReasons: result.FailureReasons,
			Risk:           result.Risk,
			CreatedAt:      snap.Now,
		})
		return result, nil
	}

	result := Evaluate(e.cfg(), snap)

	if err := e.store.InsertBuyEvaluation(domain.BuyEvaluation{
		TokenAddress:        snap.TokenAddress,
		CriteriaPassed:      result.CriteriaPassed,
		ObservedValues:      result.ObservedValues,
		Passed:              result.Passed,
		FailureReasons:      result.FailureReasons,
		Confidence:          result.Confidence,
		Risk:                result.Risk,
		RecommendedPosition: result.RecommendedPosition,
		CreatedAt:           snap.Now,
	}); err != nil {
		return result, err
	}

	return result, nil
}

// Evaluate is the pure decision function: every criterion, the confidence
// formula, the risk bucket, and the continuous position-size formula,
// independent of storage.
func Evaluate(cfg *category.Config, snap Snapshot) Result {
	quality := liquidity.ScoreLiquidityQuality(snap.RecentPriceWindow)
	growth := liquidity.GetGrowthMetrics(snap.RecentPriceWindow, snap.Now)

	criteria := map[string]bool{}
	observed := map[string]float64{}
	var failures []string

	observed["market_cap"] = snap.MarketCapUSD
	criteria["market_cap"] = snap.MarketCapUSD >= cfg.Buy.MarketCap.Min && snap.MarketCapUSD <= cfg.Buy.MarketCap.Max
	if !criteria["market_cap"] {
		failures = append(failures, "market_cap")
	}

	observed["liquidity"] = snap.LiquidityUSD
	criteria["liquidity"] = snap.LiquidityUSD >= cfg.Buy.MinLiquidity
	if !criteria["liquidity"] {
		failures = append(failures, "liquidity")
	}

	observed["holders"] = float64(snap.HolderCount)
	criteria["holders"] = snap.HolderCount >= cfg.Buy.MinHolders
	if !criteria["holders"] {
		failures = append(failures, "holders")
	}

	observed["top10_percent"] = snap.Top10Percent
	criteria["concentration"] = snap.Top10Percent <= cfg.Buy.MaxTop10Percent
	if !criteria["concentration"] {
		failures = append(failures, "concentration")
	}

	safetyPass := false
	var safetyValue float64
	if snap.SafetyScore != nil && !snap.SafetyScoreAt.IsZero() && snap.Now.Sub(snap.SafetyScoreAt) <= solsnifferMaxAge {
		safetyValue = *snap.SafetyScore
		_, blacklisted := cfg.Buy.Solsniffer.Blacklist[safetyValue]
		safetyPass = safetyValue > cfg.Buy.Solsniffer.Min && !blacklisted
	}
	observed["solsniffer"] = safetyValue
	criteria["solsniffer"] = safetyPass
	if !safetyPass {
		failures = append(failures, "solsniffer")
	}

	qualityPass := quality.OverallScore >= 70 &&
		(quality.TradingSuitability == liquidity.Excellent || quality.TradingSuitability == liquidity.Good || quality.TradingSuitability == liquidity.Fair) &&
		quality.RiskLevel != domain.RiskExtreme
	criteria["liquidity_quality"] = qualityPass
	observed["liquidity_quality_score"] = quality.OverallScore
	if !qualityPass {
		failures = append(failures, "liquidity_quality")
	}

	growthPass := growth.Momentum != liquidity.MomentumDeclining && growth.GrowthRate1hSolPerHour >= -2
	criteria["liquidity_growth"] = growthPass
	observed["growth_rate_1h"] = growth.GrowthRate1hSolPerHour
	if !growthPass {
		failures = append(failures, "liquidity_growth")
	}

	passed := len(failures) == 0

	confidence := 0.3
	if snap.MarketCapUSD >= 35_000 && snap.MarketCapUSD <= 70_000 {
		confidence += 0.1
	}
	if snap.LiquidityUSD > 15_000 {
		confidence += 0.1
	}
	if snap.HolderCount > 150 {
		confidence += 0.05
	}
	if snap.Top10Percent < 15 {
		confidence += 0.05
	}
	if safetyValue > 80 && safetyValue != 90 {
		confidence += 0.1
	}
	switch quality.TradingSuitability {
	case liquidity.Excellent:
		confidence += 0.15
	case liquidity.Good:
		confidence += 0.10
	case liquidity.Fair:
		confidence += 0.05
	}
	if quality.Indicators["stable_price"] {
		confidence += 0.05
	}
	if quality.Indicators["near_graduation"] {
		confidence += 0.10
	}
	switch {
	case growth.Momentum == liquidity.MomentumHigh && growth.Accelerating:
		confidence += 0.15
	case growth.Momentum == liquidity.MomentumHigh:
		confidence += 0.10
	case growth.Momentum == liquidity.MomentumMedium:
		confidence += 0.05
	}
	if growth.GrowthRate1hSolPerHour > 1 {
		confidence += 0.05
	}
	confidence = clamp(confidence, 0, 1)

	risk := riskLevel(len(failures), confidence, quality.RiskLevel == domain.RiskExtreme, growth.Momentum == liquidity.MomentumDeclining)

	position := 0.0
	if passed {
		position = positionSize(quality.TradingSuitability, confidence, risk)
	}

	return Result{
		CriteriaPassed:      criteria,
		ObservedValues:      observed,
		Passed:              passed,
		FailureReasons:      failures,
		Confidence:          confidence,
		Risk:                risk,
		RecommendedPosition: position,
	}
}

// riskLevel buckets by failed-criteria count and confidence, with the two
// extra factors from spec.md 4.8 able to push a result to EXTREME even when
// the failure count alone would not.
func riskLevel(failures int, confidence float64, extremeQualityRisk, decliningMomentum bool) domain.RiskLevel {
	if extremeQualityRisk || decliningMomentum {
		return domain.RiskExtreme
	}
	switch {
	case failures == 0 && confidence > 0.8:
		return domain.RiskLow
	case failures <= 1 && confidence > 0.6:
		return domain.RiskMedium
	case failures <= 3:
		return domain.RiskHigh
	default:
		return domain.RiskExtreme
	}
}

func positionSize(suitability liquidity.Suitability, confidence float64, risk domain.RiskLevel) float64 {
	suitabilityFactor := map[liquidity.Suitability]float64{
		liquidity.Excellent: 1.5,
		liquidity.Good:       1.2,
		liquidity.Fair:       1.0,
		liquidity.Poor:       0.5,
		liquidity.Risky:      0.25,
	}[suitability]

	riskFactor := map[domain.RiskLevel]float64{
		domain.RiskLow:     1.2,
		domain.RiskMedium:  1.0,
		domain.RiskHigh:    0.6,
		domain.RiskExtreme: 0.3,
	}[risk]

	size := 1.0 * suitabilityFactor * confidence * riskFactor
	return clamp(size, 0.1, 3.0)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// PositionCaps computes the tiered safety-score, holder-count, and
// concentration caps for one token, independent of the continuous
// position-size formula above; the final recommended position under this
// alternative is the minimum of whichever caps the caller supplies.
func PositionCaps(tiers category.PositionTiers, safetyScore float64, holderCount int, top10Percent float64) (bySafety, byHolders, byConcentration float64) {
	return category.CapFor(tiers.BySafetyScore, safetyScore),
		category.CapFor(tiers.ByHolderCount, float64(holderCount)),
		category.CapForConcentration(tiers.ByConcentration, top10Percent)
}

// MinCap returns the minimum of the supplied caps, ignoring non-positive
// values (treated as "not an active limit").
func MinCap(caps ...float64) float64 {
	min := -1.0
	for _, c := range caps {
		if c <= 0 {
			continue
		}
		if min < 0 || c < min {
			min = c
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// priceWindow bounds how many recent samples a Queue worker reads to
// assemble a Snapshot's RecentPriceWindow.
const priceWindow = 30

// Queue is the on-demand evaluation task set spec.md section 5 names: one
// or more tokens whose market cap just entered the AIM band, evaluated
// off the hot ingestion path by a small worker pool.
type Queue struct {
	eval  *Evaluator
	store *storage.Store
	ev    *events.Manager
	log   zerolog.Logger
	jobs  chan string
	stop  chan struct{}
}

// NewQueue creates a Queue with the given buffered job capacity and starts
// workers draining it.
func NewQueue(eval *Evaluator, store *storage.Store, ev *events.Manager, log zerolog.Logger, workers, bufferSize int) *Queue {
	if workers <= 0 {
		workers = 2
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	q := &Queue{
		eval:  eval,
		store: store,
		ev:    ev,
		log:   log.With().Str("component", "evaluator_queue").Logger(),
		jobs:  make(chan string, bufferSize),
		stop:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go q.run()
	}
	return q
}

// Enqueue schedules tokenAddress for evaluation, satisfying
// ingest.BuyEvaluationEnqueuer.
func (q *Queue) Enqueue(tokenAddress string) {
	select {
	case q.jobs <- tokenAddress:
	default:
		q.log.Warn().Str("token", tokenAddress).Msg("evaluation queue full, dropping job")
	}
}

// Stop signals workers to exit; in-flight evaluations are allowed to finish.
func (q *Queue) Stop() {
	close(q.stop)
}

func (q *Queue) run() {
	for {
		select {
		case <-q.stop:
			return
		case tokenAddress := <-q.jobs:
			q.process(tokenAddress)
		}
	}
}

func (q *Queue) process(tokenAddress string) {
	token, found, err := q.store.GetToken(tokenAddress)
	if err != nil || !found {
		return
	}
	if category.Category(token.Category) != category.Aim {
		return
	}

	samples, err := q.store.RecentPriceSamples(tokenAddress, priceWindow)
	if err != nil {
		q.log.Error().Err(err).Str("token", tokenAddress).Msg("failed to load price window")
		return
	}

	now := time.Now()
	snap := Snapshot{
		TokenAddress:      tokenAddress,
		Category:          category.Aim,
		MarketCapUSD:      token.MarketCapUSD,
		LiquidityUSD:      token.LiquidityUSD,
		HolderCount:       token.HolderCount,
		Top10Percent:      token.Top10Percent,
		SafetyScore:       token.SafetyScore,
		SafetyScoreAt:     token.SafetyScoreAt,
		RecentPriceWindow: samples,
		Now:               now,
	}

	result, err := q.eval.Evaluate(snap)
	if err != nil {
		q.log.Error().Err(err).Str("token", tokenAddress).Msg("evaluation failed")
		return
	}

	q.ev.Emit(events.BuyEvaluated, "evaluator", map[string]interface{}{
		"token_address": tokenAddress,
		"passed":        result.Passed,
		"confidence":    result.Confidence,
		"risk":          string(result.Risk),
	})
	if result.Passed {
		q.ev.Emit(events.BuySignaled, "evaluator", map[string]interface{}{
			"token_address":       tokenAddress,
			"recommended_position": result.RecommendedPosition,
			"confidence":          result.Confidence,
		})
	}
}
