package alerts

import (
	"strconv"
	"strings"
)

// Condition fields.
const (
	FieldScore    = "score"
	FieldFailures = "failures"
)

type condition struct {
	field     string
	op        string
	threshold float64
}

// parseCondition splits "field op value". ok is false for anything it cannot
// evaluate.
//
//	score < 3.5
//	score <= 0
//	failures >= 3
func parseCondition(s string) (condition, bool) {
	parts := strings.Fields(s)
	if len(parts) != 3 {
		return condition{}, false
	}
	switch parts[0] {
	case FieldScore, FieldFailures:
	default:
		return condition{}, false
	}
	switch parts[1] {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return condition{}, false
	}
	v, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return condition{}, false
	}
	return condition{field: parts[0], op: parts[1], threshold: v}, true
}

// holds reports whether v satisfies the condition. NaN never does.
func (c condition) holds(v float64) bool {
	return compareFloat(v, c.op, c.threshold)
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold && v == v
	default:
		return false
	}
}
