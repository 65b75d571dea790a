// Package series reduces a window of samples per id to one value.
//
// The stability methods (deviation, variance, autocorrelation) and log_mean
// turn each id's samples into a log-scaled figure and then normalise it
// against the best figure among the ids of the same request, so the best id
// scores 1 and the rest score in proportion. last and mean pass the raw
// reduction through.
package series
