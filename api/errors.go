package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/hazyhaar/designloop/codegen"
	"github.com/hazyhaar/designloop/designimport"
	"github.com/hazyhaar/designloop/raster"
	"github.com/hazyhaar/designloop/render"
	"github.com/hazyhaar/designloop/shield"
)

// InputError is a malformed or incomplete request. Missing lists required
// fields that were absent.
type InputError struct {
	Field   string
	Reason  string
	Missing map[string]bool
}

func (e *InputError) Error() string {
	if len(e.Missing) > 0 {
		var names []string
		for k, v := range e.Missing {
			if v {
				names = append(names, k)
			}
		}
		sort.Strings(names)
		return "missing required fields: " + strings.Join(names, ", ")
	}
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// missing returns an InputError when any of fields is true, nil otherwise.
func missing(fields map[string]bool) error {
	for _, v := range fields {
		if v {
			return &InputError{Missing: fields}
		}
	}
	return nil
}

// pdfError marks a PDF that pdfcpu could not read.
type pdfError struct{ err error }

func (e *pdfError) Error() string { return e.err.Error() }
func (e *pdfError) Unwrap() error { return e.err }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps an operation error to its HTTP status and public message.
func statusOf(err error) (int, string) {
	var (
		inErr  *InputError
		decErr *raster.DecodeError
		pdfErr *pdfError
		parse  *codegen.ParseFailure
		prov   *codegen.ProviderError
	)
	switch {
	case shield.IsTooLarge(err):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case errors.As(err, &inErr):
		return http.StatusBadRequest, "invalid request"
	case errors.As(err, &decErr):
		return http.StatusUnprocessableEntity, "image could not be decoded"
	case errors.Is(err, designimport.ErrNoPageImages):
		return http.StatusUnprocessableEntity, "no page images found in PDF"
	case errors.As(err, &pdfErr):
		return http.StatusUnprocessableEntity, "PDF could not be read"
	case errors.Is(err, codegen.ErrNoProvider):
		return http.StatusServiceUnavailable, "code generation is not configured"
	case errors.As(err, &parse), errors.As(err, &prov):
		return http.StatusBadGateway, "code generation failed"
	case errors.Is(err, render.ErrExhausted):
		return http.StatusInternalServerError, "screenshot failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	case errors.Is(err, context.Canceled):
		// Client went away; the status is never seen.
		return 499, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError writes {error, details} and, for missing fields, {missing}.
func writeError(w http.ResponseWriter, err error) {
	status, msg := statusOf(err)
	body := map[string]any{"error": msg, "details": err.Error()}
	var inErr *InputError
	if errors.As(err, &inErr) && len(inErr.Missing) > 0 {
		body["missing"] = inErr.Missing
	}
	writeJSON(w, status, body)
}
