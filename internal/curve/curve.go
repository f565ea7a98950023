// Package curve implements the bonding-curve pricing model: pure,
// stateless conversions between market capitalization and the curve's
// other observable quantities (price, tokens sold, SOL raised, progress).
package curve

import (
	"math"
	"sync/atomic"
)

const (
	// priceCoeffA and priceCoeffB parameterize the exponential price model
	// price_per_10M = A * exp(B * mc_usd).
	priceCoeffA = 0.6015
	priceCoeffB = 3.606e-5

	// InitialMC is the market cap at which the curve starts (0 tokens sold).
	InitialMC = 4_000.0
	// GraduationMC is the market cap at which the curve is fully sold out.
	GraduationMC = 69_000.0
	// graduationRaisedUSD is the SOL raised at graduation, expressed in USD.
	graduationRaisedUSD = 12_000.0

	// onCurveSupply is the total token supply available on the curve.
	onCurveSupply = 8e8

	// defaultSolPriceUSD is the reference SOL->USD price used to convert
	// between native-coin and USD denominated quantities.
	defaultSolPriceUSD = 180.0
)

// solPriceUSD is a module-scoped mutable reference price, guarded by an
// atomic so concurrent readers (the ingestion pipeline, the evaluator) never
// race with the setter (the external price-service ticker).
var solPriceUSD atomic.Uint64 // bits of a float64, via math.Float64bits

func init() {
	SetSolPriceUSD(defaultSolPriceUSD)
}

// SetSolPriceUSD updates the reference SOL->USD price used by this package.
func SetSolPriceUSD(usd float64) {
	solPriceUSD.Store(math.Float64bits(usd))
}

// SolPriceUSD returns the current reference SOL->USD price.
func SolPriceUSD() float64 {
	return math.Float64frombits(solPriceUSD.Load())
}

// Price is the price of one token, in both denominations.
type Price struct {
	USD    float64
	Native float64 // price in SOL
}

// PriceAtMarketCap returns the per-token price implied by the given market
// cap, using the exponential model price_per_10M = A*exp(B*mc).
func PriceAtMarketCap(mcUSD float64) Price {
	pricePer10M := priceCoeffA * math.Exp(priceCoeffB*mcUSD)
	usd := pricePer10M / 10_000_000
	native := usd / SolPriceUSD()
	return Price{USD: usd, Native: native}
}

// clampProgress maps mc into [0, 1] progress toward graduation, clamping
// below InitialMC to zero and above GraduationMC to one (Open Question (a)).
func clampProgress(mcUSD float64) float64 {
	if mcUSD <= InitialMC {
		return 0
	}
	if mcUSD >= GraduationMC {
		return 1
	}
	return (mcUSD - InitialMC) / (GraduationMC - InitialMC)
}

// TokensSoldAtMarketCap returns the linear progress approximation of tokens
// sold on the curve for the given market cap.
func TokensSoldAtMarketCap(mcUSD float64) float64 {
	return clampProgress(mcUSD) * onCurveSupply
}

// RaisedAtMarketCap returns the proportional SOL (expressed in USD) raised
// on the curve for the given market cap.
func RaisedAtMarketCap(mcUSD float64) float64 {
	return clampProgress(mcUSD) * graduationRaisedUSD
}

// State is the aggregate curve snapshot at a given market cap.
type State struct {
	MarketCapUSD          float64
	Price                 Price
	TokensSold            float64
	RaisedUSD             float64
	Progress              float64 // in [0,1]
	IsGraduated           bool
	DistanceToGraduation  float64 // USD remaining to GraduationMC, floored at 0
}

// StateAtMarketCap returns the full curve snapshot for the given market cap.
func StateAtMarketCap(mcUSD float64) State {
	progress := clampProgress(mcUSD)
	distance := GraduationMC - mcUSD
	if distance < 0 {
		distance = 0
	}
	return State{
		MarketCapUSD:         mcUSD,
		Price:                PriceAtMarketCap(mcUSD),
		TokensSold:           TokensSoldAtMarketCap(mcUSD),
		RaisedUSD:            RaisedAtMarketCap(mcUSD),
		Progress:             progress,
		IsGraduated:          mcUSD >= GraduationMC,
		DistanceToGraduation: distance,
	}
}
