package wire

import "math"

// Fixed represents a 24.8 signed fixed-point number
type Fixed int32

// NewFixed creates a Fixed from float64, rounding to the nearest 1/256.
func NewFixed(v float64) Fixed {
	return Fixed(math.Round(v * 256.0))
}

// FixedFromInt creates a Fixed holding an integer value.
func FixedFromInt(v int) Fixed {
	return Fixed(int32(v) << 8)
}

// Float64 converts Fixed to float64. The conversion is exact.
func (f Fixed) Float64() float64 {
	return float64(f) / 256.0
}

// Int returns the integer part, truncated toward zero.
func (f Fixed) Int() int {
	return int(f) / 256
}
