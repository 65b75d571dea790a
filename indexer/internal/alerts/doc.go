// Package alerts evaluates alert rules after every indexing round and
// delivers webhook notifications (Slack, Teams or plain HTTP) when a rule
// fires or resolves.
//
// Two fields are available to conditions: score, the rated value of a bucket
// in the committed snapshot, and failures, the number of consecutive failed
// rounds.
package alerts
