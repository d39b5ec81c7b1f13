package handler

import (
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"presence/internal/attendance"
	"presence/internal/auth"
	"presence/internal/geofence"
	"presence/internal/matcher"
)

// Handler serves the presence HTTP API.
type Handler struct {
	svc      *attendance.Service
	tokens   auth.Issuer
	adminKey string
}

// New wires a Handler. An empty adminKey disables /v1/admin/token.
func New(svc *attendance.Service, tokens auth.Issuer, adminKey string) *Handler {
	return &Handler{svc: svc, tokens: tokens, adminKey: adminKey}
}

// Register mounts every /v1 route on r.
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/devices/register", h.RegisterDevice)
	v1.POST("/devices/refresh", h.RefreshToken)
	v1.POST("/admin/token", h.AdminToken)

	authed := v1.Group("", auth.Bearer(h.tokens))
	authed.POST("/verify", h.Verify)
	authed.GET("/decisions", h.ListDecisions)
	authed.GET("/decisions/:id", h.GetDecision)
	authed.GET("/sessions/:id", h.GetSession)

	admin := authed.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/enroll", h.Enroll)
	admin.POST("/enroll/jobs", h.EnqueueEnroll)
	admin.PUT("/sessions/:id", h.PutSession)
	admin.POST("/gallery/reload", h.ReloadGallery)
}

// ---------- Devices & tokens ----------

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.RegisterDevice(c.Request.Context(), req.DeviceID); err != nil {
		writeError(c, err)
		return
	}
	h.issue(c, req.DeviceID, auth.RoleDevice)
}

func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, err := h.tokens.Parse(req.RefreshToken, auth.KindRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	ok, err := h.svc.RotateRefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked"})
		return
	}
	h.issue(c, claims.Subject, claims.Role)
}

// AdminToken exchanges the configured X-Admin-Key for an admin token pair.
func (h *Handler) AdminToken(c *gin.Context) {
	if h.adminKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin access disabled"})
		return
	}
	key := c.GetHeader("X-Admin-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
		return
	}
	h.issue(c, "admin", auth.RoleAdmin)
}

func (h *Handler) issue(c *gin.Context, subject, role string) {
	tokens, err := h.tokens.Issue(subject, role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if err := h.svc.SaveRefreshToken(c.Request.Context(), subject, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		log.Printf("save refresh token for %s: %v", subject, err)
	}
	c.JSON(http.StatusCreated, tokens)
}

// ---------- Verification ----------

type verifyRequest struct {
	Embedding   []float32            `json:"embedding" binding:"required"`
	SessionID   string               `json:"session_id" binding:"required"`
	DeviceID    string               `json:"device_id"`
	Location    *geofence.Coordinate `json:"location"`
	CapturedAt  *time.Time           `json:"captured_at"`
	StableCount int                  `json:"stable_count"`
}

type matchView struct {
	Identity   string  `json:"identity"`
	Confidence float64 `json:"confidence"`
}

type verifyResponse struct {
	Success  bool              `json:"success"`
	Match    *matchView        `json:"match"`
	Decision attendance.Record `json:"decision"`
}

// Verify turns one captured embedding into a recorded attendance decision.
// Rejections are answered with 200 and success=false; only malformed input fails.
func (h *Handler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, _ := auth.ClaimsFrom(c)
	if claims.Role == auth.RoleDevice {
		if req.DeviceID != "" && req.DeviceID != claims.Subject {
			c.JSON(http.StatusForbidden, gin.H{"error": "device mismatch"})
			return
		}
		req.DeviceID = claims.Subject
	}

	vr := attendance.VerifyRequest{
		Embedding:   matcher.Embedding(req.Embedding),
		SessionID:   req.SessionID,
		DeviceID:    req.DeviceID,
		Location:    req.Location,
		StableCount: req.StableCount,
	}
	if req.CapturedAt != nil {
		vr.CapturedAt = *req.CapturedAt
	}

	rec, err := h.svc.Verify(c.Request.Context(), vr)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := verifyResponse{Success: rec.Accepted, Decision: rec}
	if rec.MatchAccepted && rec.IdentityID != nil {
		resp.Match = &matchView{Identity: *rec.IdentityID, Confidence: rec.Confidence}
	}
	c.JSON(http.StatusOK, resp)
}

// ---------- Decisions ----------

func (h *Handler) ListDecisions(c *gin.Context) {
	f := attendance.DecisionFilter{
		SessionID:    c.Query("session_id"),
		IdentityID:   c.Query("identity_id"),
		DeviceID:     c.Query("device_id"),
		AcceptedOnly: c.Query("accepted") == "true",
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Offset = parsed
		}
	}
	if claims, _ := auth.ClaimsFrom(c); claims.Role == auth.RoleDevice {
		f.DeviceID = claims.Subject
	}

	decisions, err := h.svc.ListDecisions(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

func (h *Handler) GetDecision(c *gin.Context) {
	rec, err := h.svc.GetDecision(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
		return
	}
	if claims, _ := auth.ClaimsFrom(c); claims.Role == auth.RoleDevice && rec.DeviceID != claims.Subject {
		c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ---------- Enrollment ----------

func (h *Handler) Enroll(c *gin.Context) {
	var req struct {
		IdentityID string    `json:"identity_id" binding:"required"`
		Embedding  []float32 `json:"embedding" binding:"required"`
		Replace    bool      `json:"replace"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	en, err := h.svc.Enroll(c.Request.Context(), req.IdentityID, matcher.Embedding(req.Embedding), req.Replace)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"enrollment_id": en.EnrollmentID,
		"identity_id":   en.IdentityID,
		"gallery_size":  h.svc.Gallery().Len(),
	})
}

func (h *Handler) EnqueueEnroll(c *gin.Context) {
	var req struct {
		IdentityID string `json:"identity_id" binding:"required"`
		ImageURL   string `json:"image_url" binding:"required"`
		Replace    bool   `json:"replace"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := h.svc.EnqueueEnroll(c.Request.Context(), attendance.EnrollJob{
		IdentityID: req.IdentityID,
		ImageURL:   req.ImageURL,
		Replace:    req.Replace,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": "queued"})
}

func (h *Handler) ReloadGallery(c *gin.Context) {
	g, err := h.svc.ReloadGallery(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollments": g.Len(), "identities": g.Identities()})
}

// ---------- Sessions ----------

type sessionRequest struct {
	Name      string     `json:"name"`
	Latitude  *float64   `json:"latitude" binding:"required"`
	Longitude *float64   `json:"longitude" binding:"required"`
	RadiusM   float64    `json:"radius_m"`
	OpensAt   *time.Time `json:"opens_at"`
	ClosesAt  *time.Time `json:"closes_at"`
}

func (h *Handler) PutSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess := attendance.Session{
		ID:   c.Param("id"),
		Name: req.Name,
		Location: geofence.ExpectedLocation{
			Center:       geofence.Coordinate{Latitude: *req.Latitude, Longitude: *req.Longitude},
			RadiusMeters: req.RadiusM,
		},
	}
	if req.OpensAt != nil {
		sess.Window.OpensAt = req.OpensAt.UTC()
	}
	if req.ClosesAt != nil {
		sess.Window.ClosesAt = req.ClosesAt.UTC()
	}
	saved, err := h.svc.UpsertSession(c.Request.Context(), sess)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.svc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ---------- Errors ----------

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, matcher.ErrInvalidEmbedding):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrSessionRequired),
		errors.Is(err, attendance.ErrIdentityRequired),
		errors.Is(err, attendance.ErrDeviceRequired),
		errors.Is(err, attendance.ErrInvalidSession):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrQueueUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
