// Package score combines the values of one aggregation bucket into a single
// rating.
//
// Rate is a weighted geometric mean: every value is raised to weight/n and
// the results multiplied, where n is the number of values in the bucket.
// It is a pure function with no error path; callers decide what NaN means.
package score
