package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/keygate/internal/logging"
	"github.com/mbd888/keygate/internal/notify"
	"github.com/mbd888/keygate/internal/security"
	"github.com/mbd888/keygate/internal/validation"
)

type banRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
	Reason    string `json:"reason"`
	Duration  string `json:"duration"` // Go duration string, empty = permanent
}

// banSubjectHandler handles POST /v1/admin/security/ban
func (s *Server) banSubjectHandler(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidSubjectID(req.SubjectID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_subject",
			"message": "subject_id must be a positive numeric user ID",
		})
		return
	}

	var duration time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_duration",
				"message": "duration must be a positive Go duration, or empty for permanent",
			})
			return
		}
		duration = d
	}

	reason := validation.SanitizeString(req.Reason, 128)
	if reason == "" {
		reason = "manual"
	}

	ban := s.gate.BanSubject(req.SubjectID, reason, duration)
	logging.L(c.Request.Context()).Info("manual ban issued",
		"subject", req.SubjectID,
		"reason", reason,
		"admin", c.GetString("adminID"),
		"permanent", ban.Permanent(),
	)
	s.notifier.Emit(c.Request.Context(), notify.NewEvent(notify.EventSecurityBan, map[string]any{
		"subjectId": req.SubjectID,
		"reason":    reason,
		"issuedBy":  c.GetString("adminID"),
	}))

	c.JSON(http.StatusOK, gin.H{"ban": ban})
}

type unbanRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
}

// unbanSubjectHandler handles POST /v1/admin/security/unban. Clears both
// the gate ban and the abuse block so the subject starts fresh.
func (s *Server) unbanSubjectHandler(c *gin.Context) {
	var req unbanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidSubjectID(req.SubjectID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_subject",
			"message": "subject_id must be a positive numeric user ID",
		})
		return
	}

	s.gate.Unban(req.SubjectID)
	s.scorer.Reset(req.SubjectID)
	logging.L(c.Request.Context()).Info("subject unbanned",
		"subject", req.SubjectID, "admin", c.GetString("adminID"))

	c.JSON(http.StatusOK, gin.H{"subject_id": req.SubjectID, "banned": false})
}

// recentEventsHandler handles GET /v1/admin/security/events
func (s *Server) recentEventsHandler(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	events, err := s.eventStore.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load security events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load security events",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// subjectEventsHandler handles GET /v1/admin/security/subjects/:subject/events
func (s *Server) subjectEventsHandler(c *gin.Context) {
	subject := c.Param("subject")
	if !validation.IsValidSubjectID(subject) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_subject",
			"message": "subject must be a positive numeric user ID",
		})
		return
	}

	events, err := s.eventStore.EventsBySubject(c.Request.Context(), subject, 100)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load security events",
			"subject", subject, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load security events",
		})
		return
	}

	score, warnings := s.scorer.Score(subject)
	c.JSON(http.StatusOK, gin.H{
		"subject_id": subject,
		"events":     events,
		"score":      score,
		"warnings":   warnings,
		"blocked":    s.scorer.IsBlocked(subject),
		"banned":     s.gate.IsBanned(subject),
	})
}

type createWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

// createWebhookHandler handles POST /v1/admin/webhooks
func (s *Server) createWebhookHandler(c *gin.Context) {
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]notify.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, notify.EventType(e))
	}

	id := s.dispatcher.Subscribe(req.URL, req.Secret, events...)
	logging.L(c.Request.Context()).Info("webhook registered",
		"id", id, "url", req.URL, "admin", c.GetString("adminID"))

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// deleteWebhookHandler handles DELETE /v1/admin/webhooks/:id
func (s *Server) deleteWebhookHandler(c *gin.Context) {
	id := c.Param("id")
	s.dispatcher.Unsubscribe(id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
