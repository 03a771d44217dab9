package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/logabell/conversator/pkg/builder"
	"github.com/logabell/conversator/pkg/eventlog"
	"github.com/logabell/conversator/pkg/promptspace"
)

// mapServiceError maps orchestrator/event-log errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var ve *eventlog.ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	}

	var ce *eventlog.ConflictError
	if errors.As(err, &ce) {
		return echo.NewHTTPError(http.StatusConflict, ce.Error())
	}

	switch {
	case errors.Is(err, eventlog.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, eventlog.ErrBusy), errors.Is(err, builder.ErrPoolSaturated):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, eventlog.ErrReadOnly):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, promptspace.ErrWorkingMissing), errors.Is(err, promptspace.ErrTopicFrozen):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, builder.ErrNoLiveSession):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
