package httpx

import (
	"net/http"

	apperrors "github.com/parleyhq/dispatch-api/internal/errors"
)

// WriteAppError maps an application error to the right HTTP status, falling
// back to 500 for anything unclassified.
func WriteAppError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	errCode := "internal_error"

	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeValidation:
		code = http.StatusBadRequest
		errCode = "validation_failed"
	case apperrors.ErrCodeNotFound:
		code = http.StatusNotFound
		errCode = "not_found"
	case apperrors.ErrCodeConflict:
		code = http.StatusConflict
		errCode = "conflict"
	case apperrors.ErrCodeTimeout:
		code = http.StatusGatewayTimeout
		errCode = "timeout"
	}

	WriteError(w, ErrorParams{Code: code, ErrCode: errCode, Err: err})
}
