package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/computation"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/envelope"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/keeper"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

// ValidationError rejects a malformed request before it reaches the book.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Error kinds reported in the "kind" field of error bodies.
const (
	KindValidation = "validation"
	KindConflict   = "conflict"
	KindNotFound   = "not_found"
	KindBackend    = "backend"
	KindInternal   = "internal"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// classify maps err to an HTTP status and kind.
func classify(err error) (int, string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, KindValidation
	case errors.Is(err, orderbook.ErrDuplicateOrder), errors.Is(err, keeper.ErrOrderBusy):
		return http.StatusConflict, KindConflict
	case errors.Is(err, orderbook.ErrOrderNotOpen), errors.Is(err, settlement.ErrRecordNotFound):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, computation.ErrQueueSubmission),
		errors.Is(err, computation.ErrComputationFailed),
		errors.Is(err, computation.ErrComputationTimeout),
		errors.Is(err, envelope.ErrKeyAgreement),
		errors.Is(err, envelope.ErrDecryption):
		return http.StatusBadGateway, KindBackend
	}
	return http.StatusInternalServerError, KindInternal
}

// writeError writes err as a structured error body.
func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}
