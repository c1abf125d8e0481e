package policy

// MinimumFloor is the lowest materiality threshold the system will compute,
// in whole currency units. A fixed system constant, not firm-configurable.
const MinimumFloor int64 = 50_000

// MaterialityThreshold computes the planning materiality threshold:
// max(5% of total assets, 0.5% of revenue, MinimumFloor).
func MaterialityThreshold(totalAssets, revenue int64) int64 {
	threshold := MinimumFloor
	if byAssets := totalAssets * 5 / 100; byAssets > threshold {
		threshold = byAssets
	}
	if byRevenue := revenue * 5 / 1000; byRevenue > threshold {
		threshold = byRevenue
	}
	return threshold
}
