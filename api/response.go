package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"landlot/auction"
	"landlot/store"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

func respondJSON(w http.ResponseWriter, r *http.Request, code int, response any, logger log.Logger) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		level.Error(logger).Log("msg", "write response", "err", err)
	}
}

func respondOK(w http.ResponseWriter, r *http.Request, response any, logger log.Logger) {
	respondJSON(w, r, http.StatusOK, response, logger)
}

func respondCreated(w http.ResponseWriter, r *http.Request, response any, logger log.Logger) {
	respondJSON(w, r, http.StatusCreated, response, logger)
}

func respondError(w http.ResponseWriter, r *http.Request, err error, fallbackCode int, logger log.Logger) {
	code, trueError := classifyError(err, fallbackCode)

	if trueError {
		level.Error(logger).Log("remote_addr", r.RemoteAddr, "method", r.Method, "path", r.URL.Path, "err", err, "code", code)
	} else {
		level.Debug(logger).Log("remote_addr", r.RemoteAddr, "method", r.Method, "path", r.URL.Path, "err", err, "code", code)
	}

	respondJSON(w, r, code, errorResponse{
		Error:      err.Error(),
		StatusCode: code,
		StatusText: http.StatusText(code),
	}, logger)
}

// classifyError maps domain errors to status codes. The second return
// distinguishes true errors, which get logged at error level, from
// quasi-errors that are just rejected requests.
func classifyError(err error, fallback int) (int, bool) {
	switch {
	case err == nil:
		return http.StatusOK, false
	case errors.Is(err, auction.ErrAuctionClosed):
		return http.StatusBadRequest, false
	case errors.Is(err, auction.ErrConsecutiveSameAuthor):
		return http.StatusBadRequest, false
	case errors.Is(err, auction.ErrInvalidPrice),
		errors.Is(err, auction.ErrInvalidCadNumber),
		errors.Is(err, auction.ErrInvalidSize),
		errors.Is(err, auction.ErrInvalidDuration),
		errors.Is(err, auction.ErrInvalidRequest):
		return http.StatusBadRequest, false
	case errors.Is(err, auction.ErrOwnerCannotBid):
		return http.StatusForbidden, false
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrWithdrawExpired):
		return http.StatusForbidden, false
	case errors.Is(err, auction.ErrChainRace):
		return http.StatusConflict, false
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, true
	default:
		return fallback, true
	}
}

type errorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
	StatusText string `json:"status_text"`
}
