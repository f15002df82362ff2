package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jbndrf/Tabtin-sub001/internal/common"
)

// httpError maps application errors onto HTTP statuses. Internal causes are
// not echoed to the client.
func httpError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	msg := err.Error()
	var ae *common.AppError
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	switch {
	case common.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case common.IsContract(err), errors.Is(err, common.ErrInvalidInput), errors.Is(err, common.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, msg).SetInternal(err)
	case errors.Is(err, common.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, msg).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
