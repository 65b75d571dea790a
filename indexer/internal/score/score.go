package score

import "math"

// DefaultWeight applies to inputs that carry no weight.
const DefaultWeight = 1.0

// Input is one value contributing to a bucket.
type Input struct {
	Value float64

	// Weight is the exponent multiplier. nil means DefaultWeight.
	Weight *float64
}

// Rate returns Π value^(weight/n) over inputs, or 0 for no inputs.
//
// Edge cases follow math.Pow: 0^0 = 1, 0^w = 0 for w > 0, and a negative value
// with a fractional exponent yields NaN, which propagates into the result.
func Rate(inputs []Input) float64 {
	n := len(inputs)
	if n == 0 {
		return 0
	}
	product := 1.0
	for _, in := range inputs {
		w := DefaultWeight
		if in.Weight != nil {
			w = *in.Weight
		}
		product *= math.Pow(in.Value, w/float64(n))
	}
	return product
}

// Values is shorthand for Rate over unweighted values.
func Values(vs ...float64) float64 {
	inputs := make([]Input, len(vs))
	for i, v := range vs {
		inputs[i] = Input{Value: v}
	}
	return Rate(inputs)
}
