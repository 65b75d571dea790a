// Package pipeline runs indexing rounds.
//
// A round reads the window width and a point-in-time copy of the task set,
// asks every task's lens for its ids concurrently, and joins on all replies.
// The first failure aborts the round and nothing is committed. Otherwise the
// fetched values are grouped by aggregation key, each group is rated with
// score.Rate, and a single snapshot is appended to the store.
//
// Only one round runs at a time; a round started while another is still in
// flight fails with model.ErrRoundInProgress. A started round is not
// cancelled by its caller going away.
package pipeline
