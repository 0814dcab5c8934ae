// Package gateway exposes the generation service over HTTP and websockets.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/modelsmith/cad-orchestrator/internal/auth"
	"github.com/modelsmith/cad-orchestrator/internal/engine"
	"github.com/modelsmith/cad-orchestrator/internal/model"
	"github.com/modelsmith/cad-orchestrator/internal/scad"
	"github.com/modelsmith/cad-orchestrator/internal/session"
)

// HealthChecker reports whether the agent runtime is reachable.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Handler handles HTTP requests for the gateway layer.
type Handler struct {
	engine     *engine.Engine
	store      *session.Store
	runtime    HealthChecker
	jwtManager *auth.JWTManager
	pool       *pgxpool.Pool
	log        *zap.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// NewHandler creates a new gateway handler.
func NewHandler(eng *engine.Engine, store *session.Store, runtime HealthChecker,
	jwtManager *auth.JWTManager, pool *pgxpool.Pool, log *zap.Logger) *Handler {
	return &Handler{
		engine:     eng,
		store:      store,
		runtime:    runtime,
		jwtManager: jwtManager,
		pool:       pool,
		log:        log,
		cancels:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// LoginRequest represents a login request.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents a login response.
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login godoc
// @Summary User login
// @Description Authenticate user and return JWT token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login credentials"
// @Success 200 {object} LoginResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 401 {object} model.ErrorResponse
// @Router /auth/login [post]
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error: "Invalid request",
			Code:  model.ErrCodeInvalidRequest,
		})
		return
	}

	var userID string
	var hashedPassword string
	err := h.pool.QueryRow(c.Request.Context(),
		`SELECT id, hashed_password FROM users WHERE email = $1`,
		req.Email,
	).Scan(&userID, &hashedPassword)

	if err != nil {
		h.log.Warn("login for unknown user", zap.String("email", req.Email))
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{
			Error: "Invalid email or password",
			Code:  model.ErrCodeUnauthorized,
		})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(req.Password)); err != nil {
		h.log.Warn("login with invalid password", zap.String("email", req.Email))
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{
			Error: "Invalid email or password",
			Code:  model.ErrCodeUnauthorized,
		})
		return
	}

	token, err := h.jwtManager.GenerateToken(
		c.Request.Context(),
		userID,
		req.Email,
		[]string{"user"},
		24*time.Hour,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error: "Failed to generate token",
			Code:  model.ErrCodeInternalError,
		})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:  token,
		UserID: userID,
	})
}

// CreateSessionRequest represents a session creation request.
type CreateSessionRequest struct {
	Prompt        string `json:"prompt" binding:"required"`
	MaxIterations int    `json:"max_iterations"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID            string `json:"id"`
	Prompt        string `json:"prompt"`
	Status        string `json:"status"`
	MaxIterations int    `json:"max_iterations"`
}

// CreateSession godoc
// @Summary Create generation session
// @Description Create a new model generation session for a natural-language prompt
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body CreateSessionRequest true "Session details"
// @Success 201 {object} SessionResponse
// @Failure 400 {object} model.ErrorResponse
// @Security BearerAuth
// @Router /sessions [post]
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error: "Invalid request",
			Code:  model.ErrCodeInvalidRequest,
		})
		return
	}
	if req.MaxIterations < 0 {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error: "max_iterations must not be negative",
			Code:  model.ErrCodeInvalidRequest,
		})
		return
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = engine.DefaultMaxIterations
	}

	userID, ok := h.authenticatedUser(c)
	if !ok {
		return
	}

	sessionID, err := h.store.CreateSession(c.Request.Context(), userID, req.Prompt, req.MaxIterations)
	if err != nil {
		h.log.Error("failed to create session",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error: "Failed to create session",
			Code:  model.ErrCodeInternalError,
		})
		return
	}

	c.JSON(http.StatusCreated, SessionResponse{
		ID:            sessionID.String(),
		Prompt:        req.Prompt,
		Status:        string(model.StatusPending),
		MaxIterations: req.MaxIterations,
	})
}

// StartGenerationResponse represents the response to starting a run.
type StartGenerationResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// StartGeneration godoc
// @Summary Start generation
// @Description Start the generation loop for a session; progress streams over the session websocket
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 202 {object} StartGenerationResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 404 {object} model.ErrorResponse
// @Failure 409 {object} model.ErrorResponse
// @Failure 503 {object} model.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/generate [post]
func (h *Handler) StartGeneration(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}

	if sess.Status.Terminal() {
		c.JSON(http.StatusConflict, model.ErrorResponse{
			Error: "Session already finished",
			Code:  model.ErrCodeConflict,
		})
		return
	}

	if h.runtime != nil && !h.runtime.IsHealthy(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, model.ErrorResponse{
			Error: "Agent runtime unavailable",
			Code:  model.ErrCodeAgentUnavailable,
		})
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	if _, running := h.cancels[sess.ID]; running {
		h.mu.Unlock()
		cancel()
		c.JSON(http.StatusConflict, model.ErrorResponse{
			Error: "Generation already running for this session",
			Code:  model.ErrCodeConflict,
		})
		return
	}
	h.cancels[sess.ID] = cancel
	h.mu.Unlock()

	go h.runGeneration(runCtx, sess)

	c.JSON(http.StatusAccepted, StartGenerationResponse{
		SessionID: sess.ID.String(),
		Status:    string(model.StatusPending),
	})
}

func (h *Handler) runGeneration(ctx context.Context, sess *session.Session) {
	defer func() {
		h.mu.Lock()
		if cancel, ok := h.cancels[sess.ID]; ok {
			delete(h.cancels, sess.ID)
			cancel()
		}
		h.mu.Unlock()
	}()

	req := model.Request{Prompt: sess.Prompt}
	// A restarted session refines its last artifact instead of starting over.
	if rec, err := h.store.LoadLatest(ctx, sess.ID); err == nil && rec.State.Artifact != nil {
		req.PriorArtifact = rec.State.Artifact
	}

	_, err := h.engine.Run(ctx, sess.ID, req, sess.MaxIterations)
	if err != nil {
		h.log.Error("generation run failed",
			zap.String("session_id", sess.ID.String()),
			zap.Error(err))
		statusCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if uerr := h.store.UpdateStatus(statusCtx, sess.ID, model.StatusFatal); uerr != nil {
			h.log.Error("failed to record fatal status",
				zap.String("session_id", sess.ID.String()),
				zap.Error(uerr))
		}
	}
}

// GetSession godoc
// @Summary Get session
// @Description Get a generation session's current status
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} SessionResponse
// @Failure 404 {object} model.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id} [get]
func (h *Handler) GetSession(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, SessionResponse{
		ID:            sess.ID.String(),
		Prompt:        sess.Prompt,
		Status:        string(sess.Status),
		MaxIterations: sess.MaxIterations,
	})
}

// IterationResponse represents one persisted iteration snapshot.
type IterationResponse struct {
	Iteration int             `json:"iteration"`
	Status    string          `json:"status"`
	Findings  []model.Finding `json:"findings,omitempty"`
}

// ListIterations godoc
// @Summary List iterations
// @Description List iteration snapshots for a session, oldest first
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {array} IterationResponse
// @Failure 404 {object} model.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/iterations [get]
func (h *Handler) ListIterations(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}

	records, err := h.store.ListIterations(c.Request.Context(), sess.ID)
	if err != nil {
		h.log.Error("failed to list iterations",
			zap.String("session_id", sess.ID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error: "Failed to list iterations",
			Code:  model.ErrCodeInternalError,
		})
		return
	}

	out := make([]IterationResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, IterationResponse{
			Iteration: rec.Iteration,
			Status:    string(rec.State.Status),
			Findings:  rec.State.Findings,
		})
	}
	c.JSON(http.StatusOK, out)
}

// ArtifactResponse represents the assembled program for a session.
type ArtifactResponse struct {
	SessionID  string            `json:"session_id"`
	Iteration  int               `json:"iteration"`
	Status     string            `json:"status"`
	Source     string            `json:"source"`
	Parameters []model.Parameter `json:"parameters,omitempty"`
	Warnings   []model.Finding   `json:"warnings,omitempty"`
}

// GetArtifact godoc
// @Summary Get artifact
// @Description Get the most recent assembled artifact for a session
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} ArtifactResponse
// @Failure 404 {object} model.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/artifact [get]
func (h *Handler) GetArtifact(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}

	rec, err := h.store.LoadLatest(c.Request.Context(), sess.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, model.ErrorResponse{
				Error: "No iterations recorded for session",
				Code:  model.ErrCodeNotFound,
			})
			return
		}
		h.log.Error("failed to load artifact",
			zap.String("session_id", sess.ID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error: "Failed to load artifact",
			Code:  model.ErrCodeInternalError,
		})
		return
	}

	if rec.State.Artifact == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Error: "No artifact assembled yet",
			Code:  model.ErrCodeNotFound,
		})
		return
	}

	c.JSON(http.StatusOK, ArtifactResponse{
		SessionID:  sess.ID.String(),
		Iteration:  rec.Iteration,
		Status:     string(rec.State.Status),
		Source:     rec.State.Artifact.Source,
		Parameters: rec.State.Artifact.Parameters,
		Warnings:   rec.State.Artifact.Warnings,
	})
}

// UpdateParameterRequest adjusts one declared parameter of the latest artifact.
type UpdateParameterRequest struct {
	Name  string  `json:"name" binding:"required"`
	Value float64 `json:"value"`
}

// UpdateArtifactParameter godoc
// @Summary Adjust artifact parameter
// @Description Set a declared parameter of the latest assembled artifact to a new value and persist the result
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param request body UpdateParameterRequest true "Parameter name and new value"
// @Success 200 {object} ArtifactResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 404 {object} model.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/artifact/parameters [patch]
func (h *Handler) UpdateArtifactParameter(c *gin.Context) {
	var req UpdateParameterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error: "Invalid request",
			Code:  model.ErrCodeInvalidRequest,
		})
		return
	}

	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}

	rec, err := h.store.LoadLatest(c.Request.Context(), sess.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, model.ErrorResponse{
				Error: "No iterations recorded for session",
				Code:  model.ErrCodeNotFound,
			})
			return
		}
		h.log.Error("failed to load artifact",
			zap.String("session_id", sess.ID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error: "Failed to load artifact",
			Code:  model.ErrCodeInternalError,
		})
		return
	}
	artifact := rec.State.Artifact
	if artifact == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Error: "No artifact assembled yet",
			Code:  model.ErrCodeNotFound,
		})
		return
	}
	if _, declared := artifact.Parameter(req.Name); !declared {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Error:   "Parameter not declared by the artifact",
			Code:    model.ErrCodeNotFound,
			Details: map[string]string{"parameter": req.Name},
		})
		return
	}

	artifact.Source = scad.UpdateParameter(artifact.Source, req.Name, req.Value)
	for i := range artifact.Parameters {
		if artifact.Parameters[i].Name == req.Name {
			artifact.Parameters[i].Value = req.Value
		}
	}
	artifact.Warnings = append(artifact.Warnings,
		scad.CheckParameters([]model.Parameter{{Name: req.Name, Value: req.Value}}, "")...)

	if err := h.store.SaveIteration(c.Request.Context(), sess.ID, rec.State); err != nil {
		h.log.Error("failed to persist adjusted artifact",
			zap.String("session_id", sess.ID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error: "Failed to save artifact",
			Code:  model.ErrCodeInternalError,
		})
		return
	}

	c.JSON(http.StatusOK, ArtifactResponse{
		SessionID:  sess.ID.String(),
		Iteration:  rec.Iteration,
		Status:     string(rec.State.Status),
		Source:     artifact.Source,
		Parameters: artifact.Parameters,
		Warnings:   artifact.Warnings,
	})
}

// CancelSession godoc
// @Summary Cancel generation
// @Description Cancel a running generation; in-flight work finishes before the run stops
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 202 {object} StartGenerationResponse
// @Failure 404 {object} model.ErrorResponse
// @Failure 409 {object} model.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/cancel [post]
func (h *Handler) CancelSession(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}

	h.mu.Lock()
	cancel, running := h.cancels[sess.ID]
	h.mu.Unlock()
	if !running {
		c.JSON(http.StatusConflict, model.ErrorResponse{
			Error: "No generation running for this session",
			Code:  model.ErrCodeConflict,
		})
		return
	}
	cancel()

	c.JSON(http.StatusAccepted, StartGenerationResponse{
		SessionID: sess.ID.String(),
		Status:    string(model.StatusPending),
	})
}

// ownedSession resolves the :id parameter to a session owned by the
// authenticated user, writing the error response itself on failure.
func (h *Handler) ownedSession(c *gin.Context) (*session.Session, bool) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error: "Invalid session ID",
			Code:  model.ErrCodeInvalidRequest,
		})
		return nil, false
	}

	userID, ok := h.authenticatedUser(c)
	if !ok {
		return nil, false
	}

	sess, err := h.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, model.ErrorResponse{
				Error: "Session not found",
				Code:  model.ErrCodeNotFound,
			})
			return nil, false
		}
		h.log.Error("failed to load session",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Error: "Failed to load session",
			Code:  model.ErrCodeInternalError,
		})
		return nil, false
	}

	if sess.UserID != userID {
		c.JSON(http.StatusForbidden, model.ErrorResponse{
			Error: "Session belongs to another user",
			Code:  model.ErrCodeForbidden,
		})
		return nil, false
	}
	return sess, true
}

func (h *Handler) authenticatedUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{
			Error: "User not authenticated",
			Code:  model.ErrCodeUnauthorized,
		})
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDVal.(string))
	if err != nil {
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{
			Error: "Invalid user ID",
			Code:  model.ErrCodeUnauthorized,
		})
		return uuid.Nil, false
	}
	return userID, true
}
