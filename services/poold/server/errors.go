package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"lendmarket/native/access"
	nativecommon "lendmarket/native/common"
	"lendmarket/native/oracle"
	"lendmarket/native/pool"
	"lendmarket/native/position"
	"lendmarket/native/recovery"
	"lendmarket/native/reserve"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, reserve.ErrInvalidAmount),
		errors.Is(err, reserve.ErrInvalidConfiguration),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, oracle.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, access.ErrMissingRole),
		errors.Is(err, access.ErrUnknownRole),
		errors.Is(err, oracle.ErrNotFeeder):
		return http.StatusForbidden
	case errors.Is(err, pool.ErrUnknownReserve),
		errors.Is(err, pool.ErrReserveIndexOutOfRange),
		errors.Is(err, recovery.ErrUnknownQuery):
		return http.StatusNotFound
	case errors.Is(err, position.ErrReentrant),
		errors.Is(err, pool.ErrReserveAlreadyListed),
		errors.Is(err, pool.ErrReserveNotEmpty):
		return http.StatusConflict
	case errors.Is(err, pool.ErrPaused),
		errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, oracle.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrInsufficientHealthFactor),
		errors.Is(err, pool.ErrNotLiquidatable),
		errors.Is(err, pool.ErrNoDebt),
		errors.Is(err, pool.ErrNothingSupplied),
		errors.Is(err, pool.ErrInsufficientBalance),
		errors.Is(err, pool.ErrInvalidOraclePrice),
		errors.Is(err, reserve.ErrSupplyCapExceeded),
		errors.Is(err, reserve.ErrBorrowCapExceeded),
		errors.Is(err, reserve.ErrInsufficientLiquidity),
		errors.Is(err, reserve.ErrInactive),
		errors.Is(err, reserve.ErrFrozen),
		errors.Is(err, reserve.ErrBorrowingDisabled),
		errors.Is(err, oracle.ErrDeviationExceeded):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
