package pipeline

import (
	"sort"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/score"
)

// Reply is one task's lens answer.
type Reply struct {
	Task   model.Task
	Values map[string]*float64
}

type contribution struct {
	task  model.TaskID
	id    string
	value float64
	wt    *float64
}

// Aggregate groups the task options' values by aggregation key and rates
// every group. The returned snapshot has no id yet.
//
// Every option contributes exactly once: a value the lens returned as null,
// or left out, counts as 0. Reply keys no option asked for are ignored.
//
// Contributions are ordered by (task id, fetched id) before rating so the
// product is reproducible. A task contributing one value to a bucket is
// recorded under its task id; one contributing several is recorded under
// "<task id>/<fetched id>" for each.
func Aggregate(replies []Reply) model.Snapshot {
	groups := make(map[model.AggregationKey][]contribution)
	for _, r := range replies {
		for _, o := range r.Task.Options {
			val := 0.0
			if v := r.Values[o.ID]; v != nil {
				val = *v
			}
			groups[o.AggregationKey] = append(groups[o.AggregationKey], contribution{
				task:  r.Task.ID,
				id:    o.ID,
				value: val,
				wt:    r.Task.WeightFor(o),
			})
		}
	}

	snap := model.Snapshot{
		Value:  make(map[model.AggregationKey]float64, len(groups)),
		Scores: make(map[model.AggregationKey]map[model.TaskID]float64, len(groups)),
	}
	for key, cs := range groups {
		sort.SliceStable(cs, func(i, j int) bool {
			if cs[i].task != cs[j].task {
				return cs[i].task < cs[j].task
			}
			return cs[i].id < cs[j].id
		})

		perTask := make(map[model.TaskID]int)
		for _, c := range cs {
			perTask[c.task]++
		}

		inputs := make([]score.Input, len(cs))
		raw := make(map[model.TaskID]float64, len(cs))
		for i, c := range cs {
			inputs[i] = score.Input{Value: c.value, Weight: c.wt}
			label := c.task
			if perTask[c.task] > 1 {
				label = c.task + "/" + model.TaskID(c.id)
			}
			raw[label] = c.value
		}
		snap.Value[key] = score.Rate(inputs)
		snap.Scores[key] = raw
	}
	return snap
}
