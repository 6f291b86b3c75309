package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/keygate/internal/gate"
	"github.com/mbd888/keygate/internal/logging"
	"github.com/mbd888/keygate/internal/metrics"
	"github.com/mbd888/keygate/internal/notify"
	"github.com/mbd888/keygate/internal/threat"
	"github.com/mbd888/keygate/internal/traces"
	"github.com/mbd888/keygate/internal/validation"
)

// updateRequest is one inbound bot update submitted for admission.
type updateRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
	Action    string `json:"action"` // message, callback, free_trial, order, screenshot
	Text      string `json:"text"`
}

var knownActions = map[gate.ActionType]bool{
	gate.ActionMessage:    true,
	gate.ActionCallback:   true,
	gate.ActionFreeTrial:  true,
	gate.ActionOrder:      true,
	gate.ActionScreenshot: true,
}

// updateHandler handles POST /v1/updates. The bot forwards every inbound
// update here before processing it; the response says whether to engage
// and, when not, what to tell the user.
func (s *Server) updateHandler(c *gin.Context) {
	var req updateRequest
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

	actionType := gate.ActionMessage
	if req.Action != "" {
		actionType = gate.ActionType(strings.ToLower(req.Action))
		if !knownActions[actionType] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_action",
				"message": "action must be one of message, callback, free_trial, order, screenshot",
			})
			return
		}
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "server.Update",
		traces.SubjectID(req.SubjectID))
	defer span.End()

	// Existing abuse block rejects before the gate sees the request, so
	// blocked subjects don't consume global budget.
	if s.scorer.IsBlocked(req.SubjectID) {
		span.SetAttributes(traces.Verdict("blocked"))
		metrics.UpdatesTotal.WithLabelValues("blocked").Inc()
		c.JSON(http.StatusForbidden, gin.H{
			"allowed": false,
			"verdict": "blocked",
			"message": "You are temporarily blocked. Please try again later.",
		})
		return
	}

	allowed, message := s.gate.Check(req.SubjectID, actionType)
	if !allowed {
		span.SetAttributes(traces.Verdict("rejected"))
		metrics.UpdatesTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{
			"allowed": false,
			"verdict": "rejected",
			"message": message,
		})
		return
	}

	// Admitted traffic still gets its text classified. A hit feeds the
	// scorer and the durable audit trail.
	if category := threat.Classify(req.Text); category != threat.CategoryNone {
		s.recordThreat(c, req.SubjectID, category, req.Text)

		blocked, action := s.scorer.Record(req.SubjectID, category, category.Severity())
		if blocked {
			s.notifier.Emit(ctx, notify.NewEvent(notify.EventSecurityBlock, map[string]any{
				"subjectId": req.SubjectID,
				"category":  string(category),
				"action":    action,
			}))
			span.SetAttributes(traces.Verdict("blocked"))
			metrics.UpdatesTotal.WithLabelValues("blocked").Inc()
			c.JSON(http.StatusForbidden, gin.H{
				"allowed":  false,
				"verdict":  "blocked",
				"category": string(category),
				"message":  "You are temporarily blocked. Please try again later.",
			})
			return
		}

		span.SetAttributes(traces.Verdict("threat"))
		metrics.UpdatesTotal.WithLabelValues("threat").Inc()
		c.JSON(http.StatusOK, gin.H{
			"allowed":  false,
			"verdict":  "threat",
			"category": string(category),
			"message":  "Your message could not be processed.",
		})
		return
	}

	span.SetAttributes(traces.Verdict("allowed"))
	metrics.UpdatesTotal.WithLabelValues("allowed").Inc()
	c.JSON(http.StatusOK, gin.H{
		"allowed": true,
		"verdict": "allowed",
	})
}

// recordThreat writes a classified threat to metrics and, when a
// database is configured, to the audit trail. Best-effort: a write
// failure never affects the verdict.
func (s *Server) recordThreat(c *gin.Context, subjectID string, category threat.Category, text string) {
	metrics.ThreatsDetectedTotal.WithLabelValues(string(category)).Inc()

	ctx := c.Request.Context()
	logging.L(ctx).Warn("threat detected",
		"subject", subjectID,
		"category", string(category),
	)

	if s.eventStore != nil {
		excerpt := threat.Sanitize(text, 200)
		if err := s.eventStore.RecordEvent(ctx, subjectID, category, category.Severity(), excerpt); err != nil {
			logging.L(ctx).Error("failed to record security event",
				"subject", subjectID, "error", err)
		}
	}
}

// subjectStatusHandler handles GET /v1/subjects/:subject/status. The bot
// uses it to decide whether to show the shop UI at all.
func (s *Server) subjectStatusHandler(c *gin.Context) {
	subject := c.Param("subject")
	if !validation.IsValidSubjectID(subject) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_subject",
			"message": "subject must be a positive numeric user ID",
		})
		return
	}

	score, warnings := s.scorer.Score(subject)
	c.JSON(http.StatusOK, gin.H{
		"subject_id": subject,
		"banned":     s.gate.IsBanned(subject),
		"blocked":    s.scorer.IsBlocked(subject),
		"score":      score,
		"warnings":   warnings,
	})
}

// gateAdmissionMiddleware runs order and screenshot requests through the
// gate before the handlers see them. The subject comes from the
// X-Subject-ID header; requests without one fall through to handler
// validation.
func (s *Server) gateAdmissionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.GetHeader("X-Subject-ID")
		if subject == "" || !validation.IsValidSubjectID(subject) {
			c.Next()
			return
		}

		actionType := gate.ActionMessage
		switch {
		case strings.HasSuffix(c.Request.URL.Path, "/screenshot"):
			actionType = gate.ActionScreenshot
		case c.Request.Method == http.MethodPost && strings.HasSuffix(c.Request.URL.Path, "/orders"):
			actionType = gate.ActionOrder
		}

		if allowed, message := s.gate.Check(subject, actionType); !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": message,
			})
			return
		}

		c.Next()
	}
}
