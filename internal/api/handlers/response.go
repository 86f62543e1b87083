// Package handlers implements the HTTP handlers of the bounty API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	apierrors "github.com/karatsubalabs/gitbounties/internal/api/errors"
	"github.com/karatsubalabs/gitbounties/internal/errdefs"
)

// maxRequestBody caps JSON request bodies outside the webhook.
const maxRequestBody = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteError maps err to a structured API error and writes it. Internal
// failures are logged with the request id.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	apiErr := apierrors.FromError(err)
	requestID := chimiddleware.GetReqID(r.Context())

	if apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
		logger.Error("request failed",
			"error", err,
			"error_code", apiErr.Code,
			"request_id", requestID,
			"path", r.URL.Path,
		)
	}
	apierrors.WriteErrorWithRequestID(w, apiErr, requestID)
}

// WriteBadRequest writes a 400 VALIDATION_ERROR response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteErrorWithRequestID(w, apierrors.NewValidationError(message), chimiddleware.GetReqID(r.Context()))
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteErrorWithRequestID(w, apierrors.NewUnauthorizedError(message), chimiddleware.GetReqID(r.Context()))
}

// decodeJSON reads a bounded JSON body into dst and validates it.
func decodeJSON(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxRequestBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errdefs.Validation("request body is required")
		}
		return errdefs.Validation("invalid request body: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("validating request: %w", err)
	}
	return nil
}
