package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"go-timer/internal/api"
)

type ErrorHandler struct {
	endpoint string
}

var errorCodes = map[int]string{
	http.StatusBadRequest:           "BadRequest",
	http.StatusUnauthorized:         "Unauthorized",
	http.StatusNotFound:             "NotFound",
	http.StatusConflict:             "Conflict",
	http.StatusUnsupportedMediaType: "UnsupportedMediaType",
	http.StatusUnprocessableEntity:  "ValidationError",
	http.StatusServiceUnavailable:   "Unavailable",
}

func NewErrorHandler(endpoint string) *ErrorHandler {
	return &ErrorHandler{endpoint}
}

func (eh *ErrorHandler) WriteAndLogError(
	w http.ResponseWriter,
	msg string,
	err error,
	statusCode int,
	fields log.Fields,
) {
	fields["endpoint"] = eh.endpoint
	logErr := fmt.Errorf("%s: %w", msg, err)
	responseErr := ""
	if statusCode >= 500 {
		log.WithFields(fields).Error(logErr)
		responseErr = msg
	} else {
		log.WithFields(fields).Debug(logErr)
		responseErr = logErr.Error()
	}
	eh.writeErrorMsg(w, responseErr, statusCode)
}

func (eh *ErrorHandler) WriteAndLogErrorMsg(
	w http.ResponseWriter,
	msg string,
	statusCode int,
	fields log.Fields,
) {
	fields["endpoint"] = eh.endpoint
	if statusCode >= 500 {
		log.WithFields(fields).Error(msg)
	} else {
		log.WithFields(fields).Debug(msg)
	}
	eh.writeErrorMsg(w, msg, statusCode)
}

func (eh *ErrorHandler) WriteAndLogValidationErrors(
	w http.ResponseWriter,
	err validator.ValidationErrors,
	fields log.Fields,
) {
	problems := make([]string, 0, len(err))
	for _, fieldErr := range err {
		problems = append(problems, describe(fieldErr))
	}
	eh.WriteAndLogErrorMsg(w, strings.Join(problems, "; "), http.StatusUnprocessableEntity, fields)
}

func describe(fieldErr validator.FieldError) string {
	field := strings.TrimPrefix(fieldErr.Namespace(), rootNamespace(fieldErr))
	switch fieldErr.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gt", "gte":
		return fmt.Sprintf("%s must be greater than %s", field, fieldErr.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fieldErr.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fieldErr.Param())
	case "minInterval":
		return fmt.Sprintf("%s is below the minimum interval", field)
	case "httpURL":
		return fmt.Sprintf("%s must be an http or https URL", field)
	case "jsonObject":
		return fmt.Sprintf("%s must be a JSON object", field)
	case "timestamp":
		return fmt.Sprintf("%s is not a recognized timestamp", field)
	}
	return fmt.Sprintf("%s failed %s validation", field, fieldErr.Tag())
}

func rootNamespace(fieldErr validator.FieldError) string {
	ns := fieldErr.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[:i+1]
	}
	return ""
}

func (eh *ErrorHandler) writeErrorMsg(w http.ResponseWriter, msg string, statusCode int) {
	code, ok := errorCodes[statusCode]
	if !ok {
		code = "InternalError"
	}
	resp, _ := json.Marshal(api.ErrorResponse{Error: api.ErrorDetail{Code: code, Detail: msg}})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(resp)
}
