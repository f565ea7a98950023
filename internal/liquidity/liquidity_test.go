package liquidity

import (
	"testing"
	"time"

	"github.com/aristath/pumpcat/internal/domain"
)

func samplesAt(base time.Time, prices []float64, liquidity []float64) []domain.PriceSample {
	out := make([]domain.PriceSample, len(prices))
	for i := range prices {
		out[i] = domain.PriceSample{
			TokenAddress: "tok",
			Time:         base.Add(time.Duration(i) * time.Minute),
			PriceUSD:     prices[i],
			PriceNative:  prices[i] / 180,
			LiquidityUSD: liquidity[i],
			MarketCapUSD: 40_000,
		}
	}
	return out
}

func TestScoreLiquidityQualityStablePriceGradesWell(t *testing.T) {
	now := time.Now()
	prices := make([]float64, 20)
	liquidity := make([]float64, 20)
	for i := range prices {
		prices[i] = 0.001
		liquidity[i] = 10_000
	}
	report := ScoreLiquidityQuality(samplesAt(now, prices, liquidity))
	if report.Grade != GradeA && report.Grade != GradeB {
		t.Fatalf("expected a high grade for a flat, well-liquid series, got %s (score %v)", report.Grade, report.OverallScore)
	}
	if len(report.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", report.Warnings)
	}
}

func TestScoreLiquidityQualityFlagsSuddenDrop(t *testing.T) {
	now := time.Now()
	prices := []float64{0.001, 0.001, 0.001}
	liquidity := []float64{10_000, 10_000, 5_000}
	report := ScoreLiquidityQuality(samplesAt(now, prices, liquidity))
	if len(report.Warnings) == 0 {
		t.Fatalf("expected a sudden-drop warning for a 50%% liquidity collapse")
	}
}

func TestScoreLiquidityQualityEmptyHistory(t *testing.T) {
	report := ScoreLiquidityQuality(nil)
	if report.Grade != GradeF {
		t.Fatalf("expected grade F with no history, got %s", report.Grade)
	}
}

func TestGetGrowthMetricsPositiveTrend(t *testing.T) {
	now := time.Now()
	var samples []domain.PriceSample
	for i := 0; i < 30; i++ {
		samples = append(samples, domain.PriceSample{
			TokenAddress: "tok",
			Time:         now.Add(-time.Hour).Add(time.Duration(i) * 2 * time.Minute),
			PriceNative:  0.0001 * float64(i+1),
		})
	}
	metrics := GetGrowthMetrics(samples, now)
	if metrics.GrowthRate1hSolPerHour <= 0 {
		t.Fatalf("expected a positive growth rate, got %v", metrics.GrowthRate1hSolPerHour)
	}
	if metrics.Momentum == MomentumDeclining {
		t.Fatalf("expected non-declining momentum for a rising series")
	}
}

func TestGetGrowthMetricsInsufficientHistory(t *testing.T) {
	now := time.Now()
	metrics := GetGrowthMetrics(nil, now)
	if metrics.Momentum != MomentumLow {
		t.Fatalf("expected LOW momentum with no history, got %s", metrics.Momentum)
	}
}
