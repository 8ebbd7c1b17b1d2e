// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package greedy

import (
	"errors"
	"net/http"
)

// Errors returned by the proxy.  Callers should match them with errors.Is,
// since most are returned wrapped with additional context.
var (
	ErrDownload             = errors.New("error fetching image")
	ErrIO                   = errors.New("io error")
	ErrConversion           = errors.New("conversion error")
	ErrResizeEmptyDimension = errors.New("missing dimensions to resize")
	ErrInvalidImageFormat   = errors.New("invalid file format")
	ErrHostNotAllowed       = errors.New("host not allowed")
	ErrUnknown              = errors.New("unknown error")
)

// RequestError reports a malformed image request, such as an unparseable
// width or an unsupported format.
type RequestError struct {
	Param   string
	Message string
}

func (e RequestError) Error() string {
	return "invalid " + e.Param + ": " + e.Message
}

// statusCode maps err to the HTTP status reported to clients.
func statusCode(err error) int {
	var reqErr RequestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, ErrHostNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, ErrDownload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage returns the client facing message for err.  Only the sentinel
// is exposed so that upstream details (remote status lines, decoder internals)
// stay in the logs.
func errorMessage(err error) string {
	var reqErr RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Error()
	}
	for _, e := range []error{
		ErrHostNotAllowed,
		ErrDownload,
		ErrIO,
		ErrConversion,
		ErrResizeEmptyDimension,
		ErrInvalidImageFormat,
	} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return ErrUnknown.Error()
}
