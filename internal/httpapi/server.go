// Package httpserver is the dispatch service's inbound HTTP surface (spec
// §6): POST /v1/notifications{,/batch}, POST /v1/webhooks/:provider, and
// the GET /health/* family. Grounded on
// services/api/internal/httpserver/server.go's bare-app shape, expanded
// from Fiber to Gin to match the teacher's own webhook transport
// (cmd/bot/main.go's router := gin.Default()) and instrumented the same
// way internal/monitoring/otel_middleware.go instruments any Gin router.
package httpserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/meetsmatch/notify-dispatch/internal/errors"
	"github.com/meetsmatch/notify-dispatch/internal/middleware"
	"github.com/meetsmatch/notify-dispatch/internal/monitoring"
	"github.com/meetsmatch/notify-dispatch/internal/notification"
	sentrytrack "github.com/meetsmatch/notify-dispatch/internal/sentrytrack"
	"github.com/meetsmatch/notify-dispatch/internal/webhook"
)

// Repository is the subset of notification.Repository the HTTP front end
// needs to accept new requests and resolve idempotency replays.
type Repository interface {
	CreateRequestWithOutbox(ctx context.Context, req notification.CreateRequest) (*notification.Request, error)
	GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*notification.IdempotencyRecord, error)
}

// Server wires the dispatch service's Gin router. Built once in cmd/server
// once its dependencies (repository, webhook ingress, health checker) are
// constructed.
type Server struct {
	Engine *gin.Engine

	repo    Repository
	ingress *webhook.Ingress
	health  *monitoring.HealthChecker
}

// Config bundles the already-constructed collaborators a Server wires into
// routes. WebhookExtractors maps a provider name (as it appears in the
// POST /v1/webhooks/:provider path) to the function that turns its raw
// callback body into []webhook.CallbackEvent (spec §4.8 step 4).
type Config struct {
	Repo              Repository
	Ingress           *webhook.Ingress
	Health            *monitoring.HealthChecker
	OTel              *monitoring.OTelMiddleware
	WebhookExtractors map[string]func(body []byte) ([]webhook.CallbackEvent, error)
}

// New builds the router and registers every route spec §6 names.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(sentrytrack.GinMiddleware())
	engine.Use(middleware.LoggingMiddleware(middleware.DefaultLoggingConfig()))
	if cfg.OTel != nil {
		engine.Use(cfg.OTel.GinMiddleware())
	}

	s := &Server{Engine: engine, repo: cfg.Repo, ingress: cfg.Ingress, health: cfg.Health}

	engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "notify-dispatch is running"})
	})

	if cfg.Health != nil {
		engine.GET("/health", cfg.Health.HealthHandler())
		engine.GET("/health/live", cfg.Health.LivenessHandler())
		engine.GET("/health/ready", cfg.Health.ReadinessHandler())
		engine.GET("/health/startup", cfg.Health.StartupHandler())
	}

	v1 := engine.Group("/v1")
	v1.POST("/notifications", s.createNotification)
	v1.POST("/notifications/batch", s.createNotificationBatch)

	if cfg.Ingress != nil && cfg.WebhookExtractors != nil {
		v1.POST("/webhooks/:provider", cfg.Ingress.GinHandler(cfg.WebhookExtractors))
	}

	return s
}

// notificationResponse is the 202/200/409 body for a single create (spec
// §6: "Returns 202 {request_id}; 409 on idempotency replay with prior
// result").
type notificationResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

func (s *Server) createNotification(c *gin.Context) {
	var req notification.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.NewValidationError("body", "malformed request body").WithDetails(err.Error())
		c.JSON(appErr.HTTPStatus, appErr.ProblemDetails(c.FullPath()))
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = &key
	}

	resp, status, err := s.submit(c.Request.Context(), req)
	if err != nil {
		appErr := err.(*apperrors.AppError)
		c.JSON(appErr.HTTPStatus, appErr.ProblemDetails(c.FullPath()))
		return
	}
	c.JSON(status, resp)
}

func (s *Server) createNotificationBatch(c *gin.Context) {
	var reqs []notification.CreateRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		appErr := apperrors.NewValidationError("body", "malformed batch body").WithDetails(err.Error())
		c.JSON(appErr.HTTPStatus, appErr.ProblemDetails(c.FullPath()))
		return
	}

	type batchItem struct {
		RequestID string `json:"request_id,omitempty"`
		Status    string `json:"status"`
		Error     string `json:"error,omitempty"`
	}
	items := make([]batchItem, len(reqs))
	for i, req := range reqs {
		resp, status, err := s.submit(c.Request.Context(), req)
		if err != nil {
			appErr := err.(*apperrors.AppError)
			items[i] = batchItem{Status: "error", Error: appErr.Message}
			continue
		}
		items[i] = batchItem{RequestID: resp.RequestID, Status: statusLabel(status)}
	}
	c.JSON(http.StatusMultiStatus, gin.H{"results": items})
}

func statusLabel(httpStatus int) string {
	if httpStatus == http.StatusConflict {
		return "conflict"
	}
	return "accepted"
}

// submit validates req, creates it via the repository, and resolves
// idempotency replay semantics (spec.md §4 worked examples S1/S2): a
// repeated (tenant, idempotency_key) whose body matches the original is a
// replay and returns the original request_id with 200; one whose body
// differs returns 409. The repository itself does not distinguish the two
// cases (CreateRequestWithOutbox returns ErrConflict unconditionally on any
// key collision), so the body-hash comparison happens here, reusing the
// same (tenant, idempotency_key) lookup the repository already exposes via
// GetIdempotencyRecord.
func (s *Server) submit(ctx context.Context, req notification.CreateRequest) (*notificationResponse, int, error) {
	if appErr := validateCreate(req); appErr != nil {
		return nil, 0, appErr
	}
	// CorrelationID is deliberately left as the caller supplied it (often
	// empty): CreateRequestWithOutbox fills in its own default, and the
	// idempotency body_hash it stores is derived from this exact req value,
	// so assigning one here would make two genuinely identical replay
	// bodies hash differently.

	created, err := s.repo.CreateRequestWithOutbox(ctx, req)
	switch {
	case err == nil:
		return &notificationResponse{RequestID: created.ID.String(), Status: "accepted"}, http.StatusAccepted, nil
	case notification.IsConflictError(err):
		return s.resolveReplay(ctx, req, created)
	default:
		return nil, 0, apperrors.NewDatabaseError("create_request", err)
	}
}

// resolveReplay distinguishes a same-body replay from a differing-body
// reuse of the same idempotency key.
func (s *Server) resolveReplay(ctx context.Context, req notification.CreateRequest, existing *notification.Request) (*notificationResponse, int, error) {
	if req.IdempotencyKey == nil || *req.IdempotencyKey == "" {
		// No idempotency key was supplied; the conflict came from some
		// other unique constraint (e.g. a race on request id). Surface
		// it as a plain conflict rather than a replay.
		return nil, 0, apperrors.NewConflictError("request could not be created")
	}
	record, err := s.repo.GetIdempotencyRecord(ctx, req.TenantID, *req.IdempotencyKey)
	if err != nil {
		return nil, 0, apperrors.NewDatabaseError("get_idempotency_record", err)
	}
	resp := &notificationResponse{RequestID: record.RequestID.String(), Status: "accepted"}
	if record.BodyHash == hashCreateRequest(req) {
		resp.Status = "replayed"
		return resp, http.StatusOK, nil
	}
	return nil, 0, apperrors.NewIdempotencyReplayError(record.RequestID.String())
}

// hashCreateRequest mirrors the repository's own body_hash derivation
// (internal/notification/repository.go's CreateRequestWithOutbox hashes
// the marshaled CreateRequest) so a replay's hash can be compared without
// exporting that derivation from the notification package.
func hashCreateRequest(req notification.CreateRequest) string {
	body, _ := json.Marshal(req)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// validateCreate enforces the same invariants notification.Request.Validate
// checks, applied to the pre-persistence CreateRequest shape (spec §3:
// exactly one of template_ref or body_text/body_html, and a
// channel-appropriate recipient address).
func validateCreate(req notification.CreateRequest) *apperrors.AppError {
	if req.TenantID == "" {
		return apperrors.NewValidationError("tenant_id", "tenant_id is required")
	}
	if !req.Channel.Valid() {
		return apperrors.NewValidationError("channel", "channel must be one of email|sms|push")
	}
	hasTemplate := req.TemplateRef != nil && *req.TemplateRef != ""
	hasBody := (req.BodyText != nil && *req.BodyText != "") || (req.BodyHTML != nil && *req.BodyHTML != "")
	if hasTemplate == hasBody {
		return apperrors.NewValidationError("body", "exactly one of template_ref or body_text/body_html is required")
	}
	if req.Recipient.AddressFor(req.Channel) == "" {
		return apperrors.NewValidationError("recipient", "recipient is missing the address for its channel")
	}
	return nil
}
