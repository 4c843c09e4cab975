package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pot-code/lesson-gate/internal/infrastructure/auth"
	"github.com/pot-code/lesson-gate/internal/infrastructure/logging"
	"github.com/pot-code/lesson-gate/internal/infrastructure/validate"
	"github.com/pot-code/lesson-gate/internal/progress"
	"github.com/pot-code/lesson-gate/internal/progression"
	"go.uber.org/zap"
)

// BrowseRedirect page the client falls back to when a course can not be shown
const BrowseRedirect = "/courses"

type ProgressHandler struct {
	registry  *progression.Registry
	validator validate.Validator
	jwtUtil   *auth.JWTUtil
	logger    *zap.Logger
}

func NewProgressHandler(
	Registry *progression.Registry,
	JWTUtil *auth.JWTUtil,
	Validator validate.Validator,
	Logger *zap.Logger,
) *ProgressHandler {
	handler := &ProgressHandler{Registry, Validator, JWTUtil, Logger}
	return handler
}

// ProgressKey learner from the token, course from the path, optional cohort query
func ProgressKey(c echo.Context, ju *auth.JWTUtil) progress.Key {
	claims := ju.GetContextToken(c)
	return progress.Key{
		LearnerID: claims.LearnerID,
		CourseID:  c.Param("course_id"),
		CohortID:  c.QueryParam("cohort_id"),
	}
}

// withSession run fn against the learner's session, reloading once if it was evicted meanwhile
func (ph *ProgressHandler) withSession(c echo.Context, fn func(ctx context.Context, s *progression.Session) error) error {
	ctx := c.Request().Context()
	key := ProgressKey(c, ph.jwtUtil)
	for attempt := 0; ; attempt++ {
		s, err := ph.registry.Get(ctx, key)
		if err != nil {
			return SessionError(c, err)
		}
		err = fn(ctx, s)
		if errors.Is(err, progression.ErrSessionClosed) && attempt == 0 {
			continue
		}
		if err != nil {
			return SessionError(c, err)
		}
		return nil
	}
}

// SessionError map progression errors to responses, anything unknown is left to ErrorHandling
func SessionError(c echo.Context, err error) error {
	var (
		code     int
		redirect bool
	)
	switch {
	case errors.Is(err, progression.ErrCatalogUnavailable), errors.Is(err, progression.ErrEmptyCourse):
		code, redirect = http.StatusNotFound, true
	case errors.Is(err, progression.ErrLessonNotFound):
		code = http.StatusNotFound
	case errors.Is(err, progression.ErrLessonLocked),
		errors.Is(err, progression.ErrCannotAdvance),
		errors.Is(err, progression.ErrQuizNotReady):
		code = http.StatusConflict
	case errors.Is(err, progression.ErrNoQuiz), errors.Is(err, progression.ErrQuizMismatch):
		code = http.StatusUnprocessableEntity
	default:
		return err
	}

	traceID := c.Response().Header().Get(echo.HeaderXRequestID)
	if redirect {
		re := NewRESTRedirectError(code, err.Error(), BrowseRedirect)
		re.TraceID = traceID
		return c.JSON(code, re)
	}
	return c.JSON(code, NewRESTStandardError(code, err.Error()).SetTraceID(traceID))
}

func (ph *ProgressHandler) validationError(c echo.Context, invalid []*validate.FieldError) error {
	return c.JSON(http.StatusBadRequest, NewRESTValidationError(http.StatusBadRequest, "Failed to validate params", invalid))
}

// HandleListLessons lesson list with lock and completion state
func (ph *ProgressHandler) HandleListLessons(c echo.Context) error {
	return ph.withSession(c, func(ctx context.Context, s *progression.Session) error {
		return c.JSON(http.StatusOK, s.Snapshot())
	})
}

type progressResponse struct {
	*progress.Record
	Enrollment *progress.Enrollment `json:"enrollment"`
}

func (ph *ProgressHandler) HandleGetProgress(c echo.Context) error {
	return ph.withSession(c, func(ctx context.Context, s *progression.Session) error {
		snapshot := s.Snapshot()
		return c.JSON(http.StatusOK, &progressResponse{s.Record(), snapshot.Enrollment})
	})
}

// HandleCompleteLesson video reached the completion threshold
func (ph *ProgressHandler) HandleCompleteLesson(c echo.Context) error {
	lessonID := c.Param("lesson_id")
	return ph.withSession(c, func(ctx context.Context, s *progression.Session) error {
		snapshot, err := s.OnVideoCompleted(ctx, lessonID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, snapshot)
	})
}

// QuizOutcomeRequest either score or passed must be present
type QuizOutcomeRequest struct {
	QuizID  string          `json:"quiz_id"`
	Score   *float64        `json:"score" validate:"omitempty,gte=0,lte=100"`
	Passed  *bool           `json:"passed"`
	Answers json.RawMessage `json:"answers"`
}

func (ph *ProgressHandler) HandleQuizOutcome(c echo.Context) error {
	lessonID := c.Param("lesson_id")
	req := new(QuizOutcomeRequest)
	if err := c.Bind(req); err != nil {
		return ph.validationError(c, []*validate.FieldError{validate.NewFieldError("body", err.Error())})
	}
	if invalid := ph.validator.Struct(req); len(invalid) > 0 {
		return ph.validationError(c, invalid)
	}
	if req.Score == nil && req.Passed == nil {
		return ph.validationError(c, []*validate.FieldError{validate.NewFieldError("score", "score or passed is required")})
	}

	outcome := &progression.QuizOutcome{QuizID: req.QuizID, Score: req.Score, Answers: req.Answers}
	if req.Passed != nil {
		outcome.Passed = *req.Passed
	}
	return ph.withSession(c, func(ctx context.Context, s *progression.Session) error {
		snapshot, err := s.OnQuizOutcome(ctx, lessonID, outcome)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, snapshot)
	})
}

// HandlePlayback resume position report, accepted whatever happens to the write
func (ph *ProgressHandler) HandlePlayback(c echo.Context) error {
	lessonID := c.Param("lesson_id")
	update := new(progress.PlaybackUpdate)
	if err := c.Bind(update); err != nil {
		return ph.validationError(c, []*validate.FieldError{validate.NewFieldError("body", err.Error())})
	}
	if invalid := ph.validator.Struct(update); len(invalid) > 0 {
		return ph.validationError(c, invalid)
	}

	ctx := c.Request().Context()
	s, err := ph.registry.Get(ctx, ProgressKey(c, ph.jwtUtil))
	if err != nil {
		return SessionError(c, err)
	}
	if _, err := s.OnPlaybackProgress(ctx, lessonID, *update); err != nil {
		logging.ExtractLoggerFromContext(ctx, ph.logger).Debug("playback update ignored",
			zap.String("progress.lesson_id", lessonID), zap.Error(err))
	}
	return c.NoContent(http.StatusAccepted)
}

type navigateRequest struct {
	Index *int `json:"index" validate:"required,min=0"`
}

// HandleNavigate a locked target answers 409 and leaves the session untouched
func (ph *ProgressHandler) HandleNavigate(c echo.Context) error {
	req := new(navigateRequest)
	if err := c.Bind(req); err != nil {
		return ph.validationError(c, []*validate.FieldError{validate.NewFieldError("body", err.Error())})
	}
	if invalid := ph.validator.Struct(req); len(invalid) > 0 {
		return ph.validationError(c, invalid)
	}
	return ph.withSession(c, func(ctx context.Context, s *progression.Session) error {
		snapshot, err := s.NavigateTo(*req.Index)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, snapshot)
	})
}

// HandleReset drop learner progress in the course, registered in development only
func (ph *ProgressHandler) HandleReset(c echo.Context) error {
	if err := ph.registry.Reset(c.Request().Context(), ProgressKey(c, ph.jwtUtil)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
