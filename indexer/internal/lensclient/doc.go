// Package lensclient calls remote lenses over HTTP.
//
// Each configured lens gets one http.Client built from its auth and TLS
// settings (api key, bearer, basic or mutual TLS). A fetch is a JSON POST of
// types.FetchRequest to the lens's /v1/fetch endpoint.
//
// Failures are classified for the pipeline: anything that prevents a 2xx
// reply is model.ErrTransport, a 2xx reply that does not decode is
// model.ErrMalformedReply. Transport failures may be retried with truncated
// exponential backoff when the lens's retry policy allows it; malformed
// replies and 4xx answers never are.
package lensclient
