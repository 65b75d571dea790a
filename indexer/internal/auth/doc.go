// Package auth decides who may run rounds and change the registry.
//
// Authority answers the two role questions the indexer asks: is a caller a
// proxy (allowed to run an indexing round) and is it a controller (allowed
// to change tasks and config). Gate turns a failed check into
// model.ErrUnauthorized before any state is touched.
//
// Roles is the config-backed Authority. Callers identify themselves with an
// API key; Middleware resolves the key to a caller id and stores it on the
// request context. Requests without a key proceed anonymously and can only
// reach read operations. With mode "none" every caller holds every role.
package auth
