package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("imagename", func(fl validator.FieldLevel) bool {
		return domain.ValidRepoComponent(fl.Field().String())
	})
	_ = validate.RegisterValidation("imagetag", func(fl validator.FieldLevel) bool {
		return domain.ValidTag(fl.Field().String())
	})
}

// FieldError describes one rejected request field
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidateRequest validates a struct using the validator package, writing a
// 400 response listing the rejected fields when it is invalid
func ValidateRequest(logger *zap.Logger, w http.ResponseWriter, r *http.Request, req interface{}) bool {
	err := validate.Struct(req)
	if err == nil {
		return true
	}

	logger.Warn("Validation failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		respondWithError(w, http.StatusBadRequest, "Validation failed", nil)
		return false
	}

	details := make([]FieldError, 0, len(validationErrors))
	for _, fe := range validationErrors {
		details = append(details, FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	respondWithError(w, http.StatusBadRequest, "Validation failed", details)
	return false
}

type errorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// respondWithError is a helper to send error responses
func respondWithError(w http.ResponseWriter, status int, message string, details interface{}) {
	respondWithJSON(w, status, errorResponse{Error: message, Details: details})
}

func respondWithJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
