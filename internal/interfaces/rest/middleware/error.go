package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pot-code/lesson-gate/internal/interfaces/rest/handler"
	"go.uber.org/zap"
)

// ErrorHandlingOption options for error handling
type ErrorHandlingOption struct {
	Handler func(c echo.Context, traceID string, err error)
	Logger  *zap.Logger
}

// ErrorHandling turn panics and errors returned from controllers into JSON responses
// **DO NOT return error anymore**
func ErrorHandling(options ...*ErrorHandlingOption) echo.MiddlewareFunc {
	custom := &ErrorHandlingOption{
		Handler: func(c echo.Context, traceID string, err error) {
			c.JSON(http.StatusInternalServerError,
				handler.NewRESTStandardError(http.StatusInternalServerError, err.Error()).SetTraceID(traceID),
			)
		},
		Logger: zap.NewNop(),
	}
	if len(options) > 0 {
		option := options[0]
		if option.Handler != nil {
			custom.Handler = option.Handler
		}
		if option.Logger != nil {
			custom.Logger = option.Logger
		}
	}
	handle := custom.Handler
	logger := custom.Logger
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			traceID := c.Response().Header().Get(echo.HeaderXRequestID)
			defer func() {
				if any := recover(); any != nil {
					err, ok := any.(error)
					if !ok {
						err = fmt.Errorf("%v", any)
					}
					logger.Error(err.Error(),
						zap.String("url.path", c.Request().RequestURI),
						zap.String("client.address", c.Request().RemoteAddr),
						zap.String("http.request.method", c.Request().Method),
						zap.Strings("route.params.name", c.ParamNames()),
						zap.Strings("route.params.value", c.ParamValues()),
						zap.String("trace.id", traceID),
						zap.Stack("error.stack_trace"),
					)
					if !c.Response().Committed {
						handle(c, traceID, err)
					}
				}
			}()

			err := next(c)
			if err == nil || c.Response().Committed {
				return nil
			}
			if v, ok := err.(*echo.HTTPError); ok {
				c.JSON(v.Code, handler.NewRESTStandardError(v.Code, fmt.Sprint(v.Message)).SetTraceID(traceID))
				return nil
			}
			logger.Error(err.Error(), zap.String("trace.id", traceID), zap.String("url.path", c.Request().RequestURI))
			handle(c, traceID, err)
			return nil
		}
	}
}
