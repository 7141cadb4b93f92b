package api

import (
	"compress/gzip"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/amelbenhazem/task-ws-api/domain"
)

// RequestDecompression inflates gzip request bodies. Invalid gzip payloads
// surface as errors that ErrorHandler turns into 400 responses.
func RequestDecompression() echo.MiddlewareFunc {
	return middleware.DecompressWithConfig(middleware.DecompressConfig{})
}

// ErrorHandler writes every error that escapes a handler or middleware as an
// errorResponse, so clients see one body shape for router, middleware and
// domain failures.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := errorBody(err)
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		c.Logger().Error(err)
	}
}

func errorBody(err error) (int, errorResponse) {
	if errors.Is(err, gzip.ErrHeader) || errors.Is(err, gzip.ErrChecksum) {
		return http.StatusBadRequest, errorResponse{Error: string(domain.KindValidation), Message: "invalid gzip body"}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		kind := kindForStatus(he.Code)
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		} else if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		if kind == domain.KindServer {
			msg = "internal server error"
		}
		return he.Code, errorResponse{Error: string(kind), Message: msg}
	}
	if kind := domain.KindOf(err); kind != domain.KindServer {
		return statusForKind(kind), errorResponse{Error: string(kind), Message: err.Error()}
	}
	return http.StatusInternalServerError, errorResponse{Error: string(domain.KindServer), Message: "internal server error"}
}

func kindForStatus(status int) domain.Kind {
	switch status {
	case http.StatusUnauthorized:
		return domain.KindAuthentication
	case http.StatusForbidden:
		return domain.KindForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return domain.KindNotFound
	case http.StatusConflict:
		return domain.KindConflict
	}
	if status >= 400 && status < 500 {
		return domain.KindValidation
	}
	return domain.KindServer
}
