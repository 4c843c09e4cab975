package rest

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/labstack/echo/v4"
	echo_middleware "github.com/labstack/echo/v4/middleware"
	infra "github.com/pot-code/lesson-gate/internal/infrastructure"
	"github.com/pot-code/lesson-gate/internal/infrastructure/auth"
	"github.com/pot-code/lesson-gate/internal/infrastructure/driver"
	"github.com/pot-code/lesson-gate/internal/infrastructure/uuid"
	"github.com/pot-code/lesson-gate/internal/infrastructure/validate"
	"github.com/pot-code/lesson-gate/internal/interfaces/rest/handler"
	"github.com/pot-code/lesson-gate/internal/interfaces/rest/middleware"
	"github.com/pot-code/lesson-gate/internal/progression"
	"go.elastic.co/apm/module/apmechov4"
	"go.uber.org/zap"
)

// Dependencies collaborators of the http transport, Conn is nil when no SQL store is configured
type Dependencies struct {
	Conn     driver.ITransactionalDB
	KV       driver.KeyValueDB
	Registry *progression.Registry
	Config   *infra.AppConfig
	Logger   *zap.Logger
}

// NewApp create http transport server
func NewApp(deps *Dependencies) *echo.Echo {
	var (
		option    = deps.Config
		logger    = deps.Logger
		app       = echo.New()
		validator = validate.NewValidator("en")
		websocket = infra.NewWebsocket("*")
		jwtUtil   = auth.NewJWTUtil(option.Security.JWTMethod,
			option.Security.JWTSecret,
			option.Security.TokenName,
			option.Security.TokenTimeout)
		jwtMiddleware = middleware.VerifyToken(jwtUtil, &middleware.ValidateTokenOption{
			InBlackList: func(ctx context.Context, token string) (bool, error) {
				return deps.KV.Exists(ctx, middleware.RevokedTokenPrefix+token)
			},
		})
		development = option.Env == infra.EnvDevelopment
	)
	app.HideBanner = true

	registerLivenessProbe(app, deps.Conn, deps.KV)
	if development {
		registerProfileEndpoints(app)

		app.Use(middleware.Logging(logger, &middleware.LoggingConfig{
			Skipper: func(e echo.Context) bool {
				return strings.HasPrefix(e.Request().RequestURI, "/healthz")
			},
		}))
	}
	app.Use(echo_middleware.RequestID())
	app.Use(middleware.ErrorHandling(&middleware.ErrorHandlingOption{Logger: logger}))
	app.Use(echo_middleware.Secure())
	if option.DevOP.APM {
		app.Use(apmechov4.Middleware())
	}
	app.Use(echo_middleware.CORS())
	app.Use(middleware.AbortRequest(&middleware.AbortRequestOption{
		Timeout: option.RequestTimeout,
		Skipper: func(e echo.Context) bool {
			return strings.Contains(e.Request().URL.Path, "/ws/")
		},
	}))

	var (
		ProgressHandler = handler.NewProgressHandler(deps.Registry, jwtUtil, validator, logger)
		SocketHandler   = handler.NewSessionSocketHandler(deps.Registry, jwtUtil, validator,
			uuid.NewNanoIDGenerator(option.Security.IDLength).WithPrefix("ws_"), logger)
	)

	createEndpoint(app,
		&endpoint{
			apiVersion:  "api/v1",
			middlewares: []echo.MiddlewareFunc{middleware.SetTraceLogger(logger), jwtMiddleware},
			groups: []*apiGroup{
				{
					prefix: "/courses/:course_id",
					routes: []*route{
						{method: "GET", path: "/lessons", handler: ProgressHandler.HandleListLessons},
						{method: "GET", path: "/progress", handler: ProgressHandler.HandleGetProgress},
						{method: "DELETE", path: "/progress", handler: ProgressHandler.HandleReset, devOnly: true},
						{method: "POST", path: "/navigate", handler: ProgressHandler.HandleNavigate},
						{method: "POST", path: "/lessons/:lesson_id/complete", handler: ProgressHandler.HandleCompleteLesson},
						{method: "POST", path: "/lessons/:lesson_id/quiz", handler: ProgressHandler.HandleQuizOutcome},
						{method: "PUT", path: "/lessons/:lesson_id/playback", handler: ProgressHandler.HandlePlayback},
					},
				},
				{
					prefix: "/ws",
					routes: []*route{
						{method: "GET", path: "/courses/:course_id", handler: websocket.WithHeartbeat(SocketHandler.HandleSession)},
					},
				},
			},
		}, development)

	printRoutes(app, logger)
	return app
}

// Serve start app on the configured address, blocks until the server stops
func Serve(app *echo.Echo, option *infra.AppConfig) error {
	err := app.Start(fmt.Sprintf("%s:%d", option.Host, option.Port))
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func printRoutes(app *echo.Echo, logger *zap.Logger) {
	for _, route := range app.Routes() {
		if !strings.HasPrefix(route.Name, "github.com/labstack/echo") {
			logger.Info("Registered route", zap.String("method", route.Method), zap.String("path", route.Path))
		}
	}
}

func registerLivenessProbe(app *echo.Echo, db driver.ITransactionalDB, kv driver.KeyValueDB) {
	app.GET("/healthz", func(c echo.Context) error {
		ctx := c.Request().Context()
		if (db == nil || db.Ping(ctx) == nil) && kv.Ping(ctx) == nil {
			return c.NoContent(http.StatusOK)
		}
		return c.NoContent(http.StatusServiceUnavailable)
	})
}

func registerProfileEndpoints(app *echo.Echo) {
	expvarHandler := expvar.Handler()
	app.GET("/debug/vars", func(c echo.Context) error {
		expvarHandler.ServeHTTP(c.Response().Writer, c.Request())
		return nil
	})
	app.GET("/debug/pprof/", func(c echo.Context) error {
		pprof.Index(c.Response().Writer, c.Request())
		return nil
	})
	app.GET("/debug/pprof/:name", func(c echo.Context) error {
		switch c.Param("name") {
		case "cmdline":
			pprof.Cmdline(c.Response().Writer, c.Request())
		case "profile":
			pprof.Profile(c.Response().Writer, c.Request())
		case "symbol":
			pprof.Symbol(c.Response().Writer, c.Request())
		case "trace":
			pprof.Trace(c.Response().Writer, c.Request())
		default:
			pprof.Handler(c.Param("name")).ServeHTTP(c.Response().Writer, c.Request())
		}
		return nil
	})
}
