// Package envelope wraps every outcome into the {statusCode, message, data}
// reply. It is the only place where errors become status codes.
package envelope

import (
	"errors"
	"fmt"
	"net/http"
)

// Envelope is the reply body. Data is null unless StatusCode is 200.
// The transport status stays 200; StatusCode carries the semantic result.
type Envelope[T any] struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Data       *T     `json:"data"`
}

// OK builds a 200 envelope.
func OK[T any](message string, data T) Envelope[T] {
	return Envelope[T]{StatusCode: http.StatusOK, Message: message, Data: &data}
}

// Fail builds an envelope without data.
func Fail[T any](statusCode int, message string) Envelope[T] {
	return Envelope[T]{StatusCode: statusCode, Message: message}
}

// FromError maps validation failures to 400 and everything else to 500.
// The 500 message is prefixed with what was being attempted.
func FromError[T any](attempt string, err error) Envelope[T] {
	if err == nil {
		return Fail[T](http.StatusInternalServerError, attempt+" failed")
	}
	if IsValidation(err) {
		return Fail[T](http.StatusBadRequest, err.Error())
	}
	return Fail[T](http.StatusInternalServerError, fmt.Sprintf("%s failed: %v", attempt, err))
}

// Succeeded reports whether the envelope carries data.
func (e Envelope[T]) Succeeded() bool {
	return e.StatusCode == http.StatusOK && e.Data != nil
}

// ValidationError is a request-level error caused by the caller's input.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}
