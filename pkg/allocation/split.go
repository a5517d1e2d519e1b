package allocation

import (
	"math"

	"github.com/platinummonkey/flossfund/pkg/oracle"
)

const (
	// feeMultiplier removes the card processor's 3% and the platform's 1%
	feeMultiplier = 0.96
	// baseChargeMillicents is the processor's fixed per-charge fee
	baseChargeMillicents = 30
)

// AdjustAmount returns the distributable part of a new donation in millicents
func AdjustAmount(amount int64) float64 {
	if amount <= 0 {
		return 0
	}
	return math.Max(0, float64(amount)*feeMultiplier-baseChargeMillicents)
}

// GroupShare is the whole-millicent amount assigned to one ecosystem
type GroupShare struct {
	WeightMap oracle.WeightMap
	Amount    int64
}

// Split divides adjusted across weight maps in proportion to their package
// counts. Each share is floored once, so the shares never sum to more than
// adjusted. Groups whose share floors to zero are left out, and nothing is
// returned when no packages were found at all.
func Split(adjusted float64, maps []oracle.WeightMap) []GroupShare {
	total := TotalPackages(maps)
	if total == 0 || adjusted <= 0 {
		return nil
	}

	var shares []GroupShare
	for _, wm := range maps {
		amount := int64(math.Floor(adjusted * float64(wm.Size()) / float64(total)))
		if amount <= 0 {
			continue
		}
		shares = append(shares, GroupShare{WeightMap: wm, Amount: amount})
	}
	return shares
}

// TotalPackages counts packages across all weight maps
func TotalPackages(maps []oracle.WeightMap) int {
	total := 0
	for _, wm := range maps {
		total += wm.Size()
	}
	return total
}
