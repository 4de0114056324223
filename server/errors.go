package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/utils"
)

// APIErrorDetail is one entry of the error envelope.
type APIErrorDetail struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// APIErrorResponse is the body of every failed request.
type APIErrorResponse struct {
	Errors []APIErrorDetail `json:"errors"`
}

// WriteAPIError writes the error envelope with a single entry.
func WriteAPIError(w http.ResponseWriter, httpStatus int, code string, detail string) {
	writeErrors(w, httpStatus, []APIErrorDetail{{Code: code, Status: strconv.Itoa(httpStatus), Detail: detail}})
}

func writeErrors(w http.ResponseWriter, httpStatus int, details []APIErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(APIErrorResponse{Errors: details})
}

// statusFor maps an error category to an HTTP status and code.
func statusFor(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, apperrors.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, utils.ErrTooLarge), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	}
	switch cat := apperrors.CategoryOf(err); cat {
	case apperrors.CategoryInput:
		return http.StatusBadRequest, string(cat)
	case apperrors.CategoryDecode:
		return http.StatusUnprocessableEntity, string(cat)
	case apperrors.CategoryExternal:
		return http.StatusBadGateway, string(cat)
	case apperrors.CategoryTransient, apperrors.CategoryConfig, apperrors.CategoryBackend:
		return http.StatusServiceUnavailable, string(cat)
	case "":
		return http.StatusInternalServerError, "internal"
	default:
		return http.StatusInternalServerError, string(cat)
	}
}

// writeError renders err in the envelope.  Validation failures list one
// entry per field.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make([]APIErrorDetail, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, APIErrorDetail{
				Code:   "validation",
				Status: strconv.Itoa(http.StatusBadRequest),
				Detail: fe.Field() + " failed " + fe.Tag(),
			})
		}
		writeErrors(w, http.StatusBadRequest, details)
		return
	}
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("server.request_failed", "path", r.URL.Path, "code", code, "error", err.Error())
	}
	WriteAPIError(w, status, code, err.Error())
}
