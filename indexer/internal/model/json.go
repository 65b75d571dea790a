package model

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
)

// jsonFloat encodes non-finite values as the strings "NaN", "+Inf" and
// "-Inf" since encoding/json rejects them as numbers.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *jsonFloat) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = jsonFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}

type snapshotJSON struct {
	ID     snapshotid.ID                           `json:"id"`
	Value  map[AggregationKey]jsonFloat            `json:"value"`
	Scores map[AggregationKey]map[TaskID]jsonFloat `json:"scores"`
}

// MarshalJSON keeps NaN scores representable.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		ID:     s.ID,
		Value:  make(map[AggregationKey]jsonFloat, len(s.Value)),
		Scores: make(map[AggregationKey]map[TaskID]jsonFloat, len(s.Scores)),
	}
	for k, v := range s.Value {
		out.Value[k] = jsonFloat(v)
	}
	for k, m := range s.Scores {
		inner := make(map[TaskID]jsonFloat, len(m))
		for t, v := range m {
			inner[t] = jsonFloat(v)
		}
		out.Scores[k] = inner
	}
	return json.Marshal(out)
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var in snapshotJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	s.ID = in.ID
	s.Value = make(map[AggregationKey]float64, len(in.Value))
	for k, v := range in.Value {
		s.Value[k] = float64(v)
	}
	s.Scores = make(map[AggregationKey]map[TaskID]float64, len(in.Scores))
	for k, m := range in.Scores {
		inner := make(map[TaskID]float64, len(m))
		for t, v := range m {
			inner[t] = float64(v)
		}
		s.Scores[k] = inner
	}
	return nil
}

// ValueJSON returns bucket values in the same NaN-safe encoding.
func ValueJSON(v map[AggregationKey]float64) map[AggregationKey]json.Marshaler {
	out := make(map[AggregationKey]json.Marshaler, len(v))
	for k, f := range v {
		out[k] = jsonFloat(f)
	}
	return out
}
