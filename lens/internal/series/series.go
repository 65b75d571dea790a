package series

import (
	"math"
	"sort"

	"github.com/m-mizutani/goerr/v2"
)

// Method names accepted in source configuration.
const (
	Last            = "last"
	Mean            = "mean"
	Deviation       = "deviation"
	Variance        = "variance"
	Autocorrelation = "autocorrelation"
	LogMean         = "log_mean"
)

// ErrUnknownMethod is returned for a method name not listed above.
var ErrUnknownMethod = goerr.New("unknown series method")

// peg is the reference level the stability methods measure distance from.
const peg = 1.0

type reducer struct {
	reduce    func([]float64) float64
	normalize bool
}

var reducers = map[string]reducer{
	Last:            {reduce: last},
	Mean:            {reduce: mean},
	Deviation:       {reduce: negLog10Deviation, normalize: true},
	Variance:        {reduce: negLog10Variance, normalize: true},
	Autocorrelation: {reduce: negLog10Autocorrelation, normalize: true},
	LogMean:         {reduce: log10Mean, normalize: true},
}

// Methods returns every supported method name, sorted.
func Methods() []string {
	out := make([]string, 0, len(reducers))
	for name := range reducers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Valid reports whether method is supported.
func Valid(method string) bool {
	_, ok := reducers[method]
	return ok
}

// Score reduces data[id] for every id in ids. An id with no samples maps to
// nil and takes no part in normalisation.
func Score(method string, ids []string, data map[string][]float64) (map[string]*float64, error) {
	r, ok := reducers[method]
	if !ok {
		return nil, goerr.Wrap(ErrUnknownMethod, "score", goerr.V("method", method))
	}

	raw := make(map[string]float64, len(ids))
	for _, id := range ids {
		if samples := data[id]; len(samples) > 0 {
			raw[id] = r.reduce(samples)
		}
	}

	var best float64
	if r.normalize {
		best = maxFrom0(raw)
	}

	out := make(map[string]*float64, len(ids))
	for _, id := range ids {
		v, ok := raw[id]
		if !ok {
			out[id] = nil
			continue
		}
		if r.normalize {
			if best == 0 {
				v = 0
			} else {
				v /= best
			}
		}
		out[id] = &v
	}
	return out, nil
}

// maxFrom0 folds max over values starting from 0, so all-negative figures
// yield 0. NaN is skipped.
func maxFrom0(values map[string]float64) float64 {
	best := 0.0
	for _, v := range values {
		if v > best {
			best = v
		}
	}
	return best
}

func last(data []float64) float64 { return data[len(data)-1] }

func mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, x := range data {
		sum += x
	}
	return sum / float64(len(data))
}

func averageDeviation(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, x := range data {
		sum += math.Abs(x - peg)
	}
	return sum / float64(len(data))
}

func negLog10Deviation(data []float64) float64 {
	d := averageDeviation(data)
	if d == 0 {
		return 0
	}
	return -math.Log10(d)
}

func variance(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	m := mean(data)
	var sum float64
	for _, x := range data {
		diff := x - m
		sum += diff * diff
	}
	return sum / float64(len(data))
}

func negLog10Variance(data []float64) float64 {
	v := variance(data)
	if v == 0 {
		return 0
	}
	return -math.Log10(v)
}

// autocorrelation is the absolute lag-1 autocorrelation of the distances
// from peg. Fewer than two samples or a flat series yield 0.
func autocorrelation(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	var num, den float64
	for i := 1; i < len(data); i++ {
		num += (data[i] - peg) * (data[i-1] - peg)
	}
	for _, x := range data {
		d := x - peg
		den += d * d
	}
	if den == 0 {
		return 0
	}
	return math.Abs(num / den)
}

// negLog10Autocorrelation is offset by 0.1 so an uncorrelated series scores 1.
func negLog10Autocorrelation(data []float64) float64 {
	return -math.Log10(autocorrelation(data) + 0.1)
}

func log10Mean(data []float64) float64 {
	return math.Log10(mean(data))
}
