package app

import (
	"errors"
	"fmt"
	"net/http"

	"folio/api/internal/auth"
	"folio/api/internal/errs"
	"folio/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func revisionRequired(currentRevision int) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "revision_number is required.", map[string]any{
		"field":            "revision_number",
		"current_revision": currentRevision,
	})
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var conflict *errs.ConflictError
	if errors.As(err, &conflict) {
		details := map[string]any{"current_revision": conflict.CurrentRevision}
		switch current := conflict.Current.(type) {
		case store.Annotation:
			details["annotation"] = current
		case store.Comment:
			details["comment"] = current
		}
		return http.StatusConflict, "CONFLICT", "Stale revision.", details
	}

	var invalid *errs.ValidationError
	if errors.As(err, &invalid) {
		var details any
		if invalid.Field != "" {
			details = map[string]any{"field": invalid.Field}
		}
		return http.StatusBadRequest, "VALIDATION_ERROR", invalid.Detail, details
	}

	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, errs.ErrUnauthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrRevokedToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, errs.ErrTransport):
		return http.StatusServiceUnavailable, "TRANSPORT_UNAVAILABLE", "Service unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
