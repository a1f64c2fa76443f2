package utils

import (
	"fmt"
	"math"
)

// FormatTimestamp renders seconds as HH:MM:SS.mmm. Hours are floor-divided out, then
// minutes; the remainder stays fractional seconds zero-padded to six characters.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	hours := int(seconds / 3600)
	minutes := int(math.Mod(seconds, 3600) / 60)
	return fmt.Sprintf("%02d:%02d:%06.3f", hours, minutes, math.Mod(seconds, 60))
}
