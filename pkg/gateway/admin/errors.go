// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/backend"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler wraps a HandlerWithError and converts returned errors into
// HTTP responses. 5xx errors are logged and answered with the status text;
// 4xx errors are answered with the error message.
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := statusCode(err)
		if code >= http.StatusInternalServerError {
			logger.Errorw("admin request failed", "path", r.URL.Path, "status", code, "error", err)
			http.Error(w, http.StatusText(code), code)
			return
		}
		http.Error(w, err.Error(), code)
	}
}

// statusCode returns the status carried by err, or one derived from its
// gateway error kind.
func statusCode(err error) int {
	if code := httperr.Code(err); code >= http.StatusBadRequest && code != http.StatusInternalServerError {
		return code
	}
	return statusFor(err)
}

func statusFor(err error) int {
	if errors.Is(err, backend.ErrUnknownBackend) {
		return http.StatusNotFound
	}
	switch gateway.KindOf(err) {
	case gateway.KindInvalidRequest, gateway.KindConfigInvalid:
		return http.StatusBadRequest
	case gateway.KindAccessDenied:
		return http.StatusForbidden
	case gateway.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case gateway.KindTimeout:
		return http.StatusGatewayTimeout
	case gateway.KindBackendError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
