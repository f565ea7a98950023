// Package liquidity computes the liquidity-quality grade and growth
// metrics (C7) the buy-signal evaluator (C8) consumes. Both functions are
// pure over their input window of recent price samples and safe to cache
// for at least one scan interval.
package liquidity

import (
	"time"

	"github.com/markcheno/go-talib"

	"github.com/aristath/pumpcat/internal/curve"
	"github.com/aristath/pumpcat/internal/domain"
	"github.com/aristath/pumpcat/pkg/formulas"
)

// emaSmoothingPeriod smooths the 15-minute window before the acceleration
// comparison, so a single noisy tick does not flip the accelerating flag.
const emaSmoothingPeriod = 3

// qualityWindow is the default number of most-recent samples
// score_liquidity_quality considers.
const qualityWindow = 20

// liquidityFloorUSD is the absolute liquidity level below which a token is
// treated as thin regardless of how stable its price looks.
const liquidityFloorUSD = 3_000.0

// liquidityDropThreshold flags a sudden drop between two consecutive
// samples as an anomaly.
const liquidityDropThreshold = 0.40

// Grade is the qualitative letter grade score_liquidity_quality assigns.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// Suitability summarizes how tradeable the current liquidity profile is.
type Suitability string

const (
	Excellent Suitability = "EXCELLENT"
	Good      Suitability = "GOOD"
	Fair      Suitability = "FAIR"
	Poor      Suitability = "POOR"
	Risky     Suitability = "RISKY"
)

// QualityReport is the result of score_liquidity_quality.
type QualityReport struct {
	OverallScore       float64
	Grade              Grade
	TradingSuitability Suitability
	RiskLevel          domain.RiskLevel
	Indicators         map[string]bool
	Warnings           []string
}

// ScoreLiquidityQuality grades the last qualityWindow accepted price
// samples on price stability (coefficient of variation), an absolute
// liquidity floor, curve progress, and any sudden liquidity-drop anomaly.
func ScoreLiquidityQuality(samples []domain.PriceSample) QualityReport {
	if len(samples) > qualityWindow {
		samples = samples[len(samples)-qualityWindow:]
	}
	if len(samples) == 0 {
		return QualityReport{
			Grade:              GradeF,
			TradingSuitability: Risky,
			RiskLevel:          domain.RiskExtreme,
			Indicators:         map[string]bool{},
			Warnings:           []string{"no_price_history"},
		}
	}

	prices := make([]float64, len(samples))
	for i, s := range samples {
		prices[i] = s.PriceUSD
	}
	mean := formulas.Mean(prices)
	coV := 0.0
	if mean != 0 {
		coV = formulas.StdDev(prices) / mean
	}

	last := samples[len(samples)-1]
	progress := 0.0
	if last.MarketCapUSD > 0 {
		progress = curve.StateAtMarketCap(last.MarketCapUSD).Progress
	}

	var warnings []string
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].LiquidityUSD
		cur := samples[i].LiquidityUSD
		if prev > 0 && (prev-cur)/prev > liquidityDropThreshold {
			warnings = append(warnings, "sudden_liquidity_drop")
			break
		}
	}

	score := 100.0
	score -= coV * 150 // unstable price is the dominant penalty
	if last.LiquidityUSD < liquidityFloorUSD {
		score -= 30
	}
	score += progress * 10
	if len(warnings) > 0 {
		score -= 20
	}
	score = clamp(score, 0, 100)

	indicators := map[string]bool{
		"stable_price":         coV < 0.15,
		"near_graduation":      progress > 0.8,
		"liquidity_floor_met":  last.LiquidityUSD >= liquidityFloorUSD,
		"sudden_liquidity_drop": len(warnings) > 0,
	}

	return QualityReport{
		OverallScore:       score,
		Grade:              gradeFor(score),
		TradingSuitability: suitabilityFor(score, len(warnings) > 0),
		RiskLevel:          riskFor(score, len(warnings) > 0),
		Indicators:         indicators,
		Warnings:           warnings,
	}
}

func gradeFor(score float64) Grade {
	switch {
	case score >= 90:
		return GradeA
	case score >= 75:
		return GradeB
	case score >= 60:
		return GradeC
	case score >= 40:
		return GradeD
	default:
		return GradeF
	}
}

func suitabilityFor(score float64, hasWarning bool) Suitability {
	if hasWarning && score < 60 {
		return Risky
	}
	switch {
	case score >= 90:
		return Excellent
	case score >= 75:
		return Good
	case score >= 60:
		return Fair
	case score >= 40:
		return Poor
	default:
		return Risky
	}
}

func riskFor(score float64, hasWarning bool) domain.RiskLevel {
	switch {
	case score >= 80 && !hasWarning:
		return domain.RiskLow
	case score >= 60:
		return domain.RiskMedium
	case score >= 40:
		return domain.RiskHigh
	default:
		return domain.RiskExtreme
	}
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

// Momentum buckets the growth rate from GrowthMetrics.
type Momentum string

const (
	MomentumHigh      Momentum = "HIGH"
	MomentumMedium    Momentum = "MEDIUM"
	MomentumLow       Momentum = "LOW"
	MomentumDeclining Momentum = "DECLINING"
)

// GrowthMetrics is the result of get_growth_metrics.
type GrowthMetrics struct {
	GrowthRate1hSolPerHour float64
	Momentum               Momentum
	Accelerating           bool
}

// GetGrowthMetrics fits a line over the last hour of samples (in native
// coin, since "sol_per_hour" is the unit spec.md names) and compares the
// most recent 15-minute slope against the full-hour slope to flag
// acceleration.
func GetGrowthMetrics(samples []domain.PriceSample, now time.Time) GrowthMetrics {
	hourWindow := windowSince(samples, now.Add(-time.Hour))
	if len(hourWindow) < 2 {
		return GrowthMetrics{Momentum: MomentumLow}
	}

	hourXs, hourYs := toHoursSeries(hourWindow, now)
	_, hourSlope := formulas.LinearFit(hourXs, hourYs)

	recentWindow := windowSince(samples, now.Add(-15*time.Minute))
	accelerating := false
	if len(recentWindow) >= 2 {
		recentXs, recentYs := toHoursSeries(recentWindow, now)
		if len(recentYs) > emaSmoothingPeriod {
			recentYs = talib.Ema(recentYs, emaSmoothingPeriod)
			// talib leaves the first period-1 outputs at zero (its
			// lookback); drop them so they do not enter the slope fit.
			recentXs = recentXs[emaSmoothingPeriod-1:]
			recentYs = recentYs[emaSmoothingPeriod-1:]
		}
		_, recentSlope := formulas.LinearFit(recentXs, recentYs)
		accelerating = recentSlope > hourSlope
	}

	return GrowthMetrics{
		GrowthRate1hSolPerHour: hourSlope,
		Momentum:               momentumFor(hourSlope),
		Accelerating:           accelerating,
	}
}

func momentumFor(rate float64) Momentum {
	switch {
	case rate < 0:
		return MomentumDeclining
	case rate > 0.05:
		return MomentumHigh
	case rate > 0.01:
		return MomentumMedium
	default:
		return MomentumLow
	}
}

func windowSince(samples []domain.PriceSample, cutoff time.Time) []domain.PriceSample {
	var out []domain.PriceSample
	for _, s := range samples {
		if !s.Time.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// toHoursSeries converts a window's samples to (hours-before-now, native
// price) coordinate series for linear fitting.
func toHoursSeries(samples []domain.PriceSample, now time.Time) ([]float64, []float64) {
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = -now.Sub(s.Time).Hours()
		ys[i] = s.PriceNative
	}
	return xs, ys
}
