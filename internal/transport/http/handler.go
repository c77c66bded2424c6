package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/payledger/internal/apperr"
	"github.com/richardliu001/payledger/internal/model"
	"github.com/richardliu001/payledger/internal/repo"
	"github.com/richardliu001/payledger/internal/service"
)

// retryAfterSeconds is sent with 409 responses for events claimed elsewhere.
const retryAfterSeconds = 5

// EventHandler processes one verified provider event.
type EventHandler interface {
	Handle(ctx context.Context, evt service.Event) (service.Result, error)
}

// SubmissionCreator stores form posts.
type SubmissionCreator interface {
	Create(ctx context.Context, in repo.SubmissionInput) (*model.Submission, bool, error)
}

// EventReader reads the event journal.
type EventReader interface {
	GetEvent(ctx context.Context, eventID string) (*model.EventRecord, error)
}

// Deps are the collaborators the handlers need. Health may be nil.
type Deps struct {
	Events      EventHandler
	Submissions SubmissionCreator
	Journal     EventReader
	Health      func(ctx context.Context) error
}

func RegisterHandlers(r *gin.Engine, d Deps) {
	r.GET("/healthz", healthHandler(d.Health))
	r.POST("/webhooks/stripe", webhookHandler(d.Events))
	v1 := r.Group("/v1")
	{
		v1.POST("/sites/:site/forms/:slug/submissions", submissionHandler(d.Submissions))
		v1.GET("/events/:id", eventHandler(d.Journal))
	}
}

// errorStatus maps an error kind to the response that drives provider
// redelivery: 2xx only for success, 409 for an in-flight claim.
func errorStatus(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAlreadyProcessing:
		return http.StatusConflict
	case apperr.KindStoreIO, apperr.KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(errorStatus(err), gin.H{
		"error": err.Error(),
		"kind":  apperr.KindOf(err).String(),
	})
}

func webhookHandler(h EventHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var evt service.Event
		if err := c.ShouldBindJSON(&evt); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event body: " + err.Error()})
			return
		}
		res, err := h.Handle(c.Request.Context(), evt)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindAlreadyProcessing {
				c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"handled": false,
					"deduped": true,
					"error":   err.Error(),
				})
				_ = c.Error(err)
				return
			}
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type submissionReq struct {
	SubmissionKey string         `json:"submission_key"`
	Status        string         `json:"status"`
	Name          string         `json:"name"`
	Email         string         `json:"email"`
	Phone         string         `json:"phone"`
	Payload       map[string]any `json:"payload"`
}

type submissionResp struct {
	ID        string    `json:"id"`
	Site      string    `json:"site"`
	FormSlug  string    `json:"form_slug"`
	Status    string    `json:"status"`
	Deduped   bool      `json:"deduped"`
	CreatedAt time.Time `json:"created_at"`
}

func submissionHandler(svc SubmissionCreator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submissionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		key := req.SubmissionKey
		if key == "" {
			key = c.GetHeader("Idempotency-Key")
		}
		sub, deduped, err := svc.Create(c.Request.Context(), repo.SubmissionInput{
			Site:          c.Param("site"),
			FormSlug:      c.Param("slug"),
			SubmissionKey: key,
			Status:        req.Status,
			Name:          req.Name,
			Email:         req.Email,
			Phone:         req.Phone,
			Payload:       req.Payload,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		status := http.StatusCreated
		if deduped {
			status = http.StatusOK
		}
		c.JSON(status, submissionResp{
			ID:        sub.ID,
			Site:      sub.Site,
			FormSlug:  sub.FormSlug,
			Status:    sub.Status,
			Deduped:   deduped,
			CreatedAt: sub.CreatedAt,
		})
	}
}

type eventResp struct {
	EventID     string     `json:"event_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Livemode    bool       `json:"livemode"`
	Attempts    int        `json:"attempts"`
	Created     *time.Time `json:"created,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func eventHandler(j EventReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := j.GetEvent(c.Request.Context(), c.Param("id"))
		if errors.Is(err, repo.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, eventResp{
			EventID:     e.EventID,
			Type:        e.Type,
			Status:      e.Status,
			Livemode:    e.Livemode,
			Attempts:    e.Attempts,
			Created:     e.Created,
			ProcessedAt: e.ProcessedAt,
			LastError:   e.LastError,
			UpdatedAt:   e.UpdatedAt,
		})
	}
}

func healthHandler(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			if err := check(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
