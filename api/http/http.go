// Package http implements the gateway's session lifecycle HTTP surface:
// minting sessions, out-of-band interrupts, and the history/health
// endpoints. Routes are registered per resource through a small
// RegisterRoutes(router, deps) entry point, with responses routed through
// the internal/errors helpers for a consistent error body shape.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	apierrors "github.com/duskcall/voxgate/internal/errors"
	"github.com/duskcall/voxgate/internal/journal"
	"github.com/duskcall/voxgate/internal/session"
)

const mintExpiryAdvisory = 30 * time.Minute

// Deps are the dependencies the HTTP handlers need, threaded explicitly
// rather than through an ambient singleton.
type Deps struct {
	Registry *session.Registry
	Journal  *journal.Journal
}

// RegisterRoutes wires the Session Lifecycle HTTP surface onto router,
// rate-limiting the mint and interrupt endpoints per client IP.
func RegisterRoutes(router gin.IRouter, deps Deps) {
	limiterMiddleware := mustRateLimitMiddleware("30-M")

	router.POST("/session", limiterMiddleware, deps.postSession)
	router.POST("/interrupt", limiterMiddleware, deps.postInterrupt)
	router.GET("/history", deps.getHistory)
	router.GET("/history/:id", deps.getHistoryByID)
	router.GET("/health", getHealth)
}

func mustRateLimitMiddleware(formatted string) gin.HandlerFunc {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		panic("http: invalid rate limit format: " + err.Error())
	}

	store := memory.NewStore()
	instance := limiter.New(store, rate)

	return mgin.NewMiddleware(instance)
}

type sessionConfigRequest struct {
	BotName        string `json:"botName,omitempty"`
	Speaker        string `json:"speaker,omitempty"`
	SystemRole     string `json:"systemRole,omitempty"`
	SpeakingStyle  string `json:"speakingStyle,omitempty"`
	LocationCity   string `json:"locationCity,omitempty"`
	RecvTimeoutSec int    `json:"recvTimeoutSec,omitempty"`
	InputMod       string `json:"inputMod,omitempty"`
}

func (r sessionConfigRequest) toSessionConfig() session.Config {
	return session.Config{
		BotName:        r.BotName,
		Speaker:        r.Speaker,
		SystemRole:     r.SystemRole,
		SpeakingStyle:  r.SpeakingStyle,
		LocationCity:   r.LocationCity,
		RecvTimeoutSec: r.RecvTimeoutSec,
		InputMod:       r.InputMod,
	}
}

func (r sessionConfigRequest) valid() bool {
	if r.InputMod == "" {
		return true
	}

	switch r.InputMod {
	case "audio", "text", "audio_file":
		return true
	default:
		return false
	}
}

type postSessionResponse struct {
	SessionID string `json:"sessionId"`
	WSPath    string `json:"wsPath"`
	ExpiresAt string `json:"expiresAt"`
}

func (d Deps) postSession(c *gin.Context) {
	var req sessionConfigRequest

	// an empty body is valid: binding is skipped when there is no body,
	// leaving req zero-valued, so only a malformed non-empty body is rejected
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierrors.ValidationError(c, err)
			return
		}
	}

	if !req.valid() {
		apierrors.BadRequest(c, "inputMod must be one of audio|text|audio_file", nil)
		return
	}

	id := uuid.NewString()
	cfg := req.toSessionConfig()

	d.Registry.Mint(id, cfg)

	if err := d.Journal.Append(id, "session_opened", map[string]any{"source": "api", "config": cfg}); err != nil {
		apierrors.InternalError(c, "failed to open session journal", err)
		return
	}

	c.JSON(http.StatusOK, postSessionResponse{
		SessionID: id,
		WSPath:    "/ws?sessionId=" + id,
		ExpiresAt: time.Now().Add(mintExpiryAdvisory).UTC().Format(time.RFC3339),
	})
}

type postInterruptRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

type postInterruptResponse struct {
	OK          bool `json:"ok"`
	Interrupted bool `json:"interrupted"`
}

func (d Deps) postInterrupt(c *gin.Context) {
	var req postInterruptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.ValidationError(c, err)
		return
	}

	if !apierrors.IsValidUUID(req.SessionID) {
		apierrors.SessionNotFound(c)
		return
	}

	s, ok := d.Registry.Get(req.SessionID)
	if !ok {
		c.JSON(http.StatusOK, postInterruptResponse{OK: true, Interrupted: false})
		return
	}

	if err := s.Interrupt(); err != nil {
		c.JSON(http.StatusOK, postInterruptResponse{OK: true, Interrupted: false})
		return
	}

	// s.Interrupt already appended the session_interrupted journal entry.
	c.JSON(http.StatusOK, postInterruptResponse{OK: true, Interrupted: true})
}

type historyResponse struct {
	Sessions []journal.Meta `json:"sessions"`
}

func (d Deps) getHistory(c *gin.Context) {
	sessions, err := d.Journal.ListSessions()
	if err != nil {
		apierrors.InternalError(c, "failed to list session history", err)
		return
	}

	c.JSON(http.StatusOK, historyResponse{Sessions: sessions})
}

type historyByIDResponse struct {
	SessionID string          `json:"sessionId"`
	Events    []journal.Event `json:"events"`
}

func (d Deps) getHistoryByID(c *gin.Context) {
	id, ok := apierrors.ValidatePathUUID(c, "id")
	if !ok {
		return
	}

	events, err := d.Journal.ReadEvents(id)
	if err != nil {
		apierrors.InternalError(c, "failed to read session history", err)
		return
	}

	if len(events) == 0 {
		apierrors.SessionNotFound(c)
		return
	}

	c.JSON(http.StatusOK, historyByIDResponse{SessionID: id, Events: events})
}

type healthResponse struct {
	OK  bool   `json:"ok"`
	Now string `json:"now"`
}

func getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{OK: true, Now: time.Now().UTC().Format(time.RFC3339)})
}
