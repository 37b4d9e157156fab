package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/credential"
	"qrattend/internal/queue"
)

// StatusFor maps a terminal outcome to its HTTP status.
func StatusFor(o attendance.Outcome) int {
	if o.Accepted {
		return http.StatusCreated
	}
	switch o.Reason {
	case attendance.ReasonDuplicate:
		return http.StatusConflict
	case attendance.ReasonScanLimit:
		return http.StatusTooManyRequests
	case attendance.ReasonInvalidCredential, attendance.ReasonExpiredCredential:
		return http.StatusUnprocessableEntity
	case attendance.ReasonUnknownRoom, attendance.ReasonUnknownSubject:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

type scanRequest struct {
	Payload    string    `json:"payload" binding:"required"`
	RoomID     string    `json:"room_id" binding:"required"`
	ObservedAt time.Time `json:"observed_at"`
}

func (r scanRequest) scan(c *gin.Context) attendance.Scan {
	claims, _ := auth.ClaimsFrom(c)
	return attendance.Scan{
		RawPayload: r.Payload,
		RoomID:     r.RoomID,
		ObservedAt: r.ObservedAt,
		ScannedBy:  claims.Subject,
	}
}

func (h *handler) scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out := h.Scans.Process(c.Request.Context(), req.scan(c))
	c.JSON(StatusFor(out), out)
}

func (h *handler) scanAsync(c *gin.Context) {
	if h.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "async intake disabled"})
		return
	}
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, job, err := queue.NewScanMessage(req.scan(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.Queue.Publish(c.Request.Context(), msg); err != nil {
		h.Log.Printf("queue publish failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	h.Metrics.Queued("enqueued")
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "observed_at": job.Scan.ObservedAt})
}

func (h *handler) registerDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
		Role     string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleScanner
	}
	if !auth.ValidRole(req.Role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}

	if err := h.Records.RegisterDevice(c.Request.Context(), req.DeviceID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tok, err := auth.Issue(req.DeviceID, req.Role, h.JWTIssuer, h.JWTSigningKey, h.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token": tok.AccessToken,
		"role":         req.Role,
		"expires_at":   tok.ExpiresAt.Unix(),
	})
}

func (h *handler) issueCredential(c *gin.Context) {
	var req struct {
		SubjectID string `json:"subject_id" binding:"required"`
		TTL       string `json:"ttl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ttl := h.CredentialTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ttl must be a positive duration"})
			return
		}
		ttl = d
	}

	subject, err := h.Records.Subject(c.Request.Context(), req.SubjectID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	if subject == nil || !subject.Active {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown subject"})
		return
	}

	token, err := h.Issuer.Issue(req.SubjectID, ttl)
	if errors.Is(err, credential.ErrInvalidSubject) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential issue failed"})
		return
	}
	// Report the expiry embedded in the token, not a second clock reading.
	claims, err := h.Issuer.Verify(token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"subject_id": claims.SubjectID,
		"token":      token,
		"issued_at":  claims.IssuedAt,
		"expires_at": claims.ExpiresAt,
	})
}

func (h *handler) counters(c *gin.Context) {
	day, ok := h.day(c)
	if !ok {
		return
	}
	counters, err := h.Records.Counters(c.Request.Context(), c.Param("room_id"), day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counters)
}

func (h *handler) records(c *gin.Context) {
	f := attendance.Filter{
		RoomID:    c.Query("room_id"),
		SubjectID: c.Query("subject_id"),
		Day:       c.Query("day"),
	}
	if f.Day != "" {
		if _, err := time.Parse(attendance.DayLayout, f.Day); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
			return
		}
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
	recs, err := h.Records.ListRecords(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

// day reads ?day=, defaulting to today in the attendance location.
func (h *handler) day(c *gin.Context) (string, bool) {
	day := c.Query("day")
	if day == "" {
		return time.Now().In(h.Location).Format(attendance.DayLayout), true
	}
	if _, err := time.Parse(attendance.DayLayout, day); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
		return "", false
	}
	return day, true
}
