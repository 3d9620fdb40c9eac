package http

import (
	"context"
	"encoding/json"
	"errors"
	stdhttp "net/http"
	"time"

	"github.com/dkeye/Interview/internal/adapters/speech"
	"github.com/dkeye/Interview/internal/app/orch"
	"github.com/dkeye/Interview/internal/app/turn"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	lastInterviewKey = "interview"
	turnStopTimeout  = 5 * time.Second
)

type handlers struct {
	base context.Context
	d    Deps
}

type joinRequest struct {
	Role        string        `json:"role" binding:"required"`
	DisplayName string        `json:"displayName" binding:"required"`
	RoomID      domain.RoomID `json:"roomId"`
}

type mediaRequest struct {
	Audio *bool `json:"audio"`
	Video *bool `json:"video"`
}

type screenRequest struct {
	Enabled bool `json:"enabled"`
}

type chatRequest struct {
	Text string `json:"text" binding:"required"`
}

type whiteboardRequest struct {
	Event json.RawMessage `json:"event" binding:"required"`
}

type respondRequest struct {
	Text     string         `json:"text" binding:"required"`
	Metadata map[string]any `json:"metadata"`
}

type questioner interface {
	AskQuestion(ctx context.Context, question string) error
}

func clientID(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString(clientTokenKey))
}

func interviewID(c *gin.Context) domain.InterviewID {
	return domain.InterviewID(c.Param("id"))
}

func (h *handlers) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.d.Orch != nil && h.d.Orch.Registry != nil {
		body["sessions"] = len(h.d.Orch.Registry.List())
	}
	if h.d.Hub != nil {
		body["subscribers"] = h.d.Hub.Subscribers()
	}
	c.JSON(stdhttp.StatusOK, body)
}

func (h *handlers) list(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, h.d.Orch.Registry.List())
}

func (h *handlers) join(c *gin.Context) {
	id, owner := interviewID(c), clientID(c)
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		badRequest(c, err)
		return
	}
	user, err := domain.NewUser(owner, req.DisplayName)
	if err != nil {
		badRequest(c, err)
		return
	}

	reg := h.d.Orch.Registry
	if !reg.Reserve(id, string(owner)) {
		if s, ok := reg.SessionOf(id, string(owner)); ok {
			c.JSON(stdhttp.StatusOK, s.Snapshot())
			return
		}
		writeError(c, domain.NewOpError("join", domain.ErrInvalidState, "interview already joined"))
		return
	}

	ctx, cancel := context.WithCancel(h.base)
	s, err := h.d.Orch.NewSession(ctx, orch.SessionParams{
		Interview: id,
		Room:      req.RoomID,
		Self:      domain.NewParticipant(*user, role),
		Token:     h.d.SignalToken,
	})
	if err != nil {
		cancel()
		reg.Release(id, string(owner))
		writeError(c, err)
		return
	}
	reg.BindSession(string(owner), s, cancel)
	if err := s.Start(c.Request.Context()); err != nil {
		cancel()
		writeError(c, err)
		return
	}

	sess := sessions.Default(c)
	sess.Set(lastInterviewKey, string(id))
	if err := sess.Save(); err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("save cookie session")
	}
	log.Info().Str("module", "adapters.http").
		Str("interview", string(id)).
		Str("client", string(owner)).
		Str("role", string(role)).
		Msg("joined interview")
	c.JSON(stdhttp.StatusCreated, s.Snapshot())
}

// session resolves the caller's session for :id.
func (h *handlers) session(c *gin.Context) (core.InterviewSession, bool) {
	s, ok := h.d.Orch.Registry.SessionOf(interviewID(c), string(clientID(c)))
	if !ok {
		writeError(c, domain.ErrUnknownInterview)
	}
	return s, ok
}

func (h *handlers) start(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.BeginInterview(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, s.Snapshot())
}

func (h *handlers) media(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Audio == nil && req.Video == nil {
		badRequest(c, errors.New("audio or video required"))
		return
	}
	ctx := c.Request.Context()
	if req.Audio != nil {
		if err := s.ToggleAudio(ctx, *req.Audio); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.Video != nil {
		if err := s.ToggleVideo(ctx, *req.Video); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(stdhttp.StatusOK, s.Snapshot())
}

func (h *handlers) screen(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req screenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var err error
	if req.Enabled {
		err = s.StartScreenShare(c.Request.Context())
	} else {
		err = s.StopScreenShare(c.Request.Context())
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, s.Snapshot())
}

func (h *handlers) chat(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.SendChat(c.Request.Context(), req.Text); err != nil {
		writeError(c, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

func (h *handlers) whiteboard(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req whiteboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.SendWhiteboard(c.Request.Context(), req.Event); err != nil {
		writeError(c, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

func (h *handlers) end(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.End(c.Request.Context(), string(clientID(c))); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, s.Snapshot())
}

func (h *handlers) snapshot(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(stdhttp.StatusOK, s.Snapshot())
}

func (h *handlers) aiStart(c *gin.Context) {
	id := interviewID(c)
	reg := h.d.Orch.Registry
	if t, ok := reg.Turn(id); ok && !t.Ended() {
		writeError(c, domain.NewOpError("ai start", domain.ErrInvalidState, "conversation already running"))
		return
	}

	playback := &speech.EventPlayback{
		Interview:      id,
		Events:         h.d.Orch.Events,
		Clock:          h.d.Turn.Clock,
		WordsPerMinute: h.d.WordsPerMinute,
	}
	ctrl := turn.New(id, h.d.LiveAI, playback, h.d.Turn)
	start, err := ctrl.Start(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	reg.BindTurn(id, ctrl, func() {
		ctx, cancel := context.WithTimeout(context.Background(), turnStopTimeout)
		defer cancel()
		if _, err := ctrl.End(ctx, "shutdown"); err != nil {
			log.Warn().Str("module", "adapters.http").Str("interview", string(id)).Err(err).Msg("stop conversation")
		}
	})

	// Participants in the live room see the question too.
	if s, ok := reg.SessionOf(id, string(clientID(c))); ok {
		if q, ok := s.(questioner); ok {
			if err := q.AskQuestion(c.Request.Context(), start.OpeningQuestion); err != nil {
				log.Warn().Str("module", "adapters.http").Str("interview", string(id)).Err(err).Msg("broadcast opening question")
			}
		}
	}
	c.JSON(stdhttp.StatusCreated, start)
}

func (h *handlers) turnOf(c *gin.Context) (core.TurnSession, bool) {
	t, ok := h.d.Orch.Registry.Turn(interviewID(c))
	if !ok {
		writeError(c, domain.ErrUnknownInterview)
	}
	return t, ok
}

func (h *handlers) aiRespond(c *gin.Context) {
	t, ok := h.turnOf(c)
	if !ok {
		return
	}
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := t.Submit(c.Request.Context(), req.Text, req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, res)
}

func (h *handlers) aiEnd(c *gin.Context) {
	t, ok := h.turnOf(c)
	if !ok {
		return
	}
	summary, err := t.End(c.Request.Context(), string(clientID(c)))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"summary": summary, "transcript": t.Transcript()})
}

func (h *handlers) aiTranscript(c *gin.Context) {
	t, ok := h.turnOf(c)
	if !ok {
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{
		"phase":      t.Phase(),
		"ended":      t.Ended(),
		"transcript": t.Transcript(),
	})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(stdhttp.StatusBadRequest, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownInterview):
		return stdhttp.StatusNotFound
	case errors.Is(err, domain.ErrConcurrentSubmission),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrSessionEnded):
		return stdhttp.StatusConflict
	case errors.Is(err, domain.ErrMediaAcquisition):
		return stdhttp.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrChannelDisconnected),
		errors.Is(err, domain.ErrConnectionFailed),
		errors.Is(err, domain.ErrNegotiation):
		return stdhttp.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return stdhttp.StatusGatewayTimeout
	default:
		return stdhttp.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= stdhttp.StatusInternalServerError {
		log.Error().Str("module", "adapters.http").Str("path", c.FullPath()).Err(err).Msg("request failed")
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
