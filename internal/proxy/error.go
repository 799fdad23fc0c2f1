package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"satgate/internal/auth"
	"satgate/internal/database"
	"satgate/internal/wallet"
	"satgate/pkg/logger"

	"go.uber.org/zap"
)

// Error is the API error surface: an HTTP status plus the machine code
// carried in the JSON body. Extras appear as additional top-level body
// fields next to the error object.
type Error struct {
	Status  int
	Type    string
	Code    any // string or upstream numeric status
	Message string
	Extras  map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s", e.Code, e.Message)
}

// NewError builds an API error with the default type for its status
// class.
func NewError(status int, code, message string) *Error {
	errType := "invalid_request_error"
	switch {
	case status == http.StatusUnauthorized:
		errType = "authentication_error"
	case status == http.StatusPaymentRequired || status == http.StatusRequestEntityTooLarge:
		errType = "insufficient_balance_error"
	case status >= 500:
		errType = "internal_error"
	}
	return &Error{Status: status, Type: errType, Code: code, Message: message}
}

// WithExtra attaches an additional top-level body field.
func (e *Error) WithExtra(key string, value any) *Error {
	if e.Extras == nil {
		e.Extras = map[string]any{}
	}
	e.Extras[key] = value
	return e
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// WriteError renders err as the JSON error body. Anything that is not
// a *proxy.Error becomes an opaque 500.
func WriteError(w http.ResponseWriter, requestID string, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		logger.Error("Unclassified proxy error", zap.String("request_id", requestID), zap.Error(err))
		apiErr = NewError(http.StatusInternalServerError, "internal_error", "internal server error")
	}

	body := map[string]any{
		"error": errorBody{
			Message: apiErr.Message,
			Type:    apiErr.Type,
			Code:    apiErr.Code,
		},
		"request_id": requestID,
	}
	for k, v := range apiErr.Extras {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		logger.Warn("Failed to write error response", zap.String("request_id", requestID), zap.Error(encodeErr))
	}
}

// classifyCredentialError maps classification failures onto 401s.
func classifyCredentialError(err error) *Error {
	if errors.Is(err, auth.ErrMissingAPIKey) {
		return NewError(http.StatusUnauthorized, "missing_api_key", "no API key provided")
	}
	return NewError(http.StatusUnauthorized, "unauthorized", "authorization required")
}

// classifyRedeemError maps wallet redemption failures onto the API
// error surface.
func classifyRedeemError(err error) *Error {
	switch {
	case errors.Is(err, wallet.ErrAlreadySpent):
		return NewError(http.StatusBadRequest, "token_already_spent", "cashu token has already been spent")
	case errors.Is(err, wallet.ErrInvalidToken):
		return NewError(http.StatusBadRequest, "invalid_token", "cashu token could not be redeemed")
	default:
		return NewError(http.StatusUnprocessableEntity, "mint_error", "mint rejected the token")
	}
}

// classifyAccountError maps ledger lookup failures during admission.
func classifyAccountError(err error) *Error {
	if errors.Is(err, database.ErrAccountNotFound) {
		return NewError(http.StatusUnauthorized, "invalid_api_key", "unknown API key")
	}
	return NewError(http.StatusInternalServerError, "internal_error", "ledger unavailable")
}

func insufficientBalanceError(status int, requiredMsat int64, model string) *Error {
	e := NewError(status, "insufficient_balance", "insufficient balance for this request")
	e.WithExtra("reason", "Insufficient balance")
	e.WithExtra("amount_required_msat", requiredMsat)
	if model != "" {
		e.WithExtra("model", model)
	}
	return e
}
