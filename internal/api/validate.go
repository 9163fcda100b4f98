package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// decodeValid decodes a JSON body and validates it against its struct tags.
// On failure it writes the error response and returns false.
func decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeJSON(r, target); err != nil {
		jsonError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return false
	}
	if err := validate.StructCtx(r.Context(), target); err != nil {
		jsonError(w, http.StatusBadRequest, CodeValidation, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request data"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", lowerFirst(fe.Field()), fe.Tag()))
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
