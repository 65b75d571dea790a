package api

import (
	"errors"
	"net/http"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/registry"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
	"github.com/obsidianstack/ratingindexer/pkg/logging"
)

// errBadRequest marks request decoding failures.
var errBadRequest = errors.New("bad request")

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNoData), errors.Is(err, model.ErrTaskNotFound):
		return http.StatusNotFound
	case model.IsLensFailure(err), errors.Is(err, model.ErrLensNotFound):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrRoundInProgress):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidTask),
		errors.Is(err, registry.ErrInvalidConfig),
		errors.Is(err, snapshotid.ErrMalformedID),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.From(r.Context()).Error("api: request failed", "path", r.URL.Path, "status", code, "err", err)
	}
	jsonErr(w, code, err.Error())
}
