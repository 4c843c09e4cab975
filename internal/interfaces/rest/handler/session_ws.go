package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	infra "github.com/pot-code/lesson-gate/internal/infrastructure"
	"github.com/pot-code/lesson-gate/internal/infrastructure/auth"
	"github.com/pot-code/lesson-gate/internal/infrastructure/logging"
	"github.com/pot-code/lesson-gate/internal/infrastructure/uuid"
	"github.com/pot-code/lesson-gate/internal/infrastructure/validate"
	"github.com/pot-code/lesson-gate/internal/progress"
	"github.com/pot-code/lesson-gate/internal/progression"
	"go.uber.org/zap"
)

// client message types
const (
	MessageTimeUpdate = "time_update"
	MessageEnded      = "ended"
	MessageQuiz       = "quiz"
	MessageNavigate   = "navigate"
	MessageNext       = "next"
	MessagePrevious   = "previous"
)

// server message types
const (
	MessageSnapshot = "snapshot"
	MessageEvent    = "event"
	MessageRejected = "rejected"
	MessageError    = "error"
)

// ClientMessage sent by the lesson player
type ClientMessage struct {
	Type     string          `json:"type"`
	LessonID string          `json:"lesson_id"`
	Position float64         `json:"last_position"`
	Percent  float64         `json:"progress_percentage"`
	Rate     float64         `json:"playback_rate"`
	Index    int             `json:"index"`
	QuizID   string          `json:"quiz_id"`
	Score    *float64        `json:"score"`
	Passed   bool            `json:"passed"`
	Answers  json.RawMessage `json:"answers,omitempty"`
}

// ServerMessage pushed to the lesson player
type ServerMessage struct {
	Type     string                `json:"type"`
	Snapshot *progression.Snapshot `json:"snapshot,omitempty"`
	Event    *progression.Event    `json:"event,omitempty"`
	Error    string                `json:"error,omitempty"`
	Redirect string                `json:"redirect,omitempty"`
}

type SessionSocketHandler struct {
	registry    *progression.Registry
	jwtUtil     *auth.JWTUtil
	validator   validate.Validator
	idGenerator uuid.Generator
	logger      *zap.Logger
}

func NewSessionSocketHandler(
	Registry *progression.Registry,
	JWTUtil *auth.JWTUtil,
	Validator validate.Validator,
	IDGenerator uuid.Generator,
	Logger *zap.Logger,
) *SessionSocketHandler {
	return &SessionSocketHandler{Registry, JWTUtil, Validator, IDGenerator, Logger}
}

// HandleSession stream player events into the learner session and push changes back
func (sh *SessionSocketHandler) HandleSession(c echo.Context, conn *infra.WSConn) error {
	key := ProgressKey(c, sh.jwtUtil)
	connID, err := sh.idGenerator.Generate()
	if err != nil {
		return err
	}
	logger := logging.ExtractLoggerFromContext(c.Request().Context(), sh.logger).With(
		zap.String("ws.conn_id", connID),
		zap.String("progress.course_id", key.CourseID))
	// the connection outlives request deadlines
	ctx := logging.SetLoggerInContext(context.Background(), logger)

	s, err := sh.registry.Get(ctx, key)
	if err != nil {
		msg := &ServerMessage{Type: MessageError, Error: err.Error()}
		if errors.Is(err, progression.ErrCatalogUnavailable) || errors.Is(err, progression.ErrEmptyCourse) {
			msg.Redirect = BrowseRedirect
		}
		return conn.WriteJSON(msg)
	}

	subscribe := func(s *progression.Session) func() {
		return s.Subscribe(func(e progression.Event) {
			if err := conn.WriteJSON(&ServerMessage{Type: MessageEvent, Event: &e}); err != nil {
				logger.Debug("push event failed", zap.Error(err))
			}
		})
	}
	unsubscribe := subscribe(s)
	defer func() { unsubscribe() }()

	if err := conn.WriteJSON(&ServerMessage{Type: MessageSnapshot, Snapshot: s.Snapshot()}); err != nil {
		return err
	}
	logger.Debug("lesson session connected")

	for {
		msg := new(ClientMessage)
		if err := conn.ReadJSON(msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("lesson session closed", zap.Error(err))
			}
			return nil
		}

		if s.Closed() {
			// evicted while connected, continue on a fresh session
			unsubscribe()
			if s, err = sh.registry.Get(ctx, key); err != nil {
				return conn.WriteJSON(&ServerMessage{Type: MessageError, Error: err.Error(), Redirect: BrowseRedirect})
			}
			unsubscribe = subscribe(s)
		}

		if err := sh.dispatch(ctx, s, msg); err != nil {
			typ := MessageRejected
			if !isRejection(err) {
				typ = MessageError
				logger.Warn("handle player message", zap.String("ws.message_type", msg.Type), zap.Error(err))
			}
			if err := conn.WriteJSON(&ServerMessage{Type: typ, Error: err.Error()}); err != nil {
				return nil
			}
		}
	}
}

func (sh *SessionSocketHandler) dispatch(ctx context.Context, s *progression.Session, msg *ClientMessage) (err error) {
	switch msg.Type {
	case MessageTimeUpdate:
		update := progress.PlaybackUpdate{
			ProgressPercentage: msg.Percent,
			LastPosition:       msg.Position,
			PlaybackRate:       msg.Rate,
		}
		if invalid := sh.validator.Struct(&update); len(invalid) > 0 {
			return invalidMessage(invalid)
		}
		var crossed bool
		crossed, err = s.OnPlaybackProgress(ctx, msg.LessonID, update)
		if err == nil && crossed {
			_, err = s.OnVideoCompleted(ctx, msg.LessonID)
		}
	case MessageEnded:
		_, err = s.OnVideoCompleted(ctx, msg.LessonID)
	case MessageQuiz:
		_, err = s.OnQuizOutcome(ctx, msg.LessonID, &progression.QuizOutcome{
			QuizID:  msg.QuizID,
			Score:   msg.Score,
			Passed:  msg.Passed,
			Answers: msg.Answers,
		})
	case MessageNavigate:
		_, err = s.NavigateTo(msg.Index)
	case MessageNext:
		_, err = s.Advance()
	case MessagePrevious:
		_, err = s.Previous()
	default:
		err = errUnknownMessage
	}
	return
}

var (
	errUnknownMessage = errors.New("unknown message type")
	errInvalidMessage = errors.New("invalid message")
)

func invalidMessage(invalid []*validate.FieldError) error {
	reasons := make([]string, len(invalid))
	for i, fe := range invalid {
		reasons[i] = fe.Domain + ": " + fe.Reason
	}
	return fmt.Errorf("%w: %s", errInvalidMessage, strings.Join(reasons, "; "))
}

func isRejection(err error) bool {
	for _, target := range []error{
		progression.ErrLessonLocked,
		progression.ErrLessonNotFound,
		progression.ErrCannotAdvance,
		progression.ErrQuizNotReady,
		progression.ErrNoQuiz,
		progression.ErrQuizMismatch,
		errUnknownMessage,
		errInvalidMessage,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
