package formulas

import "gonum.org/v1/gonum/stat"

// LinearFit fits y = alpha + beta*x by ordinary least squares over xs/ys,
// returning the intercept and slope. Used by the growth-rate calculation,
// which needs a slope (rate of change per unit x) rather than a summary
// statistic.
func LinearFit(xs, ys []float64) (alpha, beta float64) {
	if len(xs) < 2 || len(xs) != len(ys) {
		return 0, 0
	}
	return stat.LinearRegression(xs, ys, nil, false)
}
