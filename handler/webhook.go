package handler

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/v1nometrics/docusign-ura/model"
	"github.com/v1nometrics/docusign-ura/pkg/logger"
	"github.com/v1nometrics/docusign-ura/pkg/metrics"
)

//go:embed schema/completion.json
var completionSchema []byte

const completionSchemaURL = "https://docusign-ura/schemas/completion.json"

// StatusUpdater marks a signer's row in the tracking store
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, name, email, status string) (bool, error)
}

// WebhookHandler receives envelope completion notifications
type WebhookHandler struct {
	tracker StatusUpdater
	schema  *jsonschema.Schema
}

func NewWebhookHandler(tracker StatusUpdater) (*WebhookHandler, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(completionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse completion schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(completionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to load completion schema: %w", err)
	}
	schema, err := c.Compile(completionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile completion schema: %w", err)
	}
	return &WebhookHandler{tracker: tracker, schema: schema}, nil
}

type connectPayload struct {
	Event     string       `json:"event"`
	Data      *connectData `json:"data"`
	EventData *connectData `json:"eventData"`
}

type connectData struct {
	EnvelopeID      string             `json:"envelopeId"`
	Recipients      *connectRecipients `json:"recipients"`
	EnvelopeSummary *struct {
		Status            string             `json:"status"`
		CompletedDateTime string             `json:"completedDateTime"`
		Recipients        *connectRecipients `json:"recipients"`
	} `json:"envelopeSummary"`
}

type connectRecipients struct {
	Signers []struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"signers"`
}

var errIncompleteEvent = errors.New("envelope id, signer name and signer email are required")

// completion extracts the envelope and first signer, preferring data over
// eventData and the envelope summary over the top-level recipients.
func (p *connectPayload) completion() (model.CompletionEvent, error) {
	ev := model.CompletionEvent{Event: p.Event}
	for _, d := range []*connectData{p.Data, p.EventData} {
		if d == nil {
			continue
		}
		if ev.EnvelopeID == "" {
			ev.EnvelopeID = d.EnvelopeID
		}
		recipients := d.Recipients
		if s := d.EnvelopeSummary; s != nil {
			ev.Status = s.Status
			ev.CompletedDate = s.CompletedDateTime
			if s.Recipients != nil && len(s.Recipients.Signers) > 0 {
				recipients = s.Recipients
			}
		}
		if ev.SignerEmail == "" && recipients != nil && len(recipients.Signers) > 0 {
			ev.SignerName = strings.TrimSpace(recipients.Signers[0].Name)
			ev.SignerEmail = strings.TrimSpace(recipients.Signers[0].Email)
		}
	}
	if ev.EnvelopeID == "" || ev.SignerName == "" || ev.SignerEmail == "" {
		return ev, errIncompleteEvent
	}
	return ev, nil
}

// Health answers the provider's connectivity check
func (h *WebhookHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "docusign-webhook",
		"message": "send POST notifications to this endpoint",
	})
}

// Handle marks the signer's tracking row as signed when an envelope completes
func (h *WebhookHandler) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := c.GetRawData()
	if err != nil {
		h.reject(c, "Unreadable request body")
		return
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		h.reject(c, "Invalid JSON")
		return
	}
	if err := h.schema.Validate(inst); err != nil {
		logger.Warn(ctx, "completion payload rejected", "error", err)
		h.reject(c, "Payload does not match the completion schema")
		return
	}

	// the schema guarantees an object with a string event
	event, _ := inst.(map[string]any)["event"].(string)
	if event != model.EventEnvelopeCompleted {
		metrics.WebhookEvents.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "event ignored", "event": event})
		return
	}

	var payload connectPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.reject(c, "Invalid payload")
		return
	}

	ev, err := payload.completion()
	if err != nil {
		h.reject(c, err.Error())
		return
	}
	ctx = logger.WithObjectKey(ctx, ev.EnvelopeID)
	signer := ev.Signer()

	if h.tracker == nil {
		metrics.WebhookEvents.WithLabelValues("error").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "status tracker not configured"})
		return
	}

	updated, err := h.tracker.UpdateStatus(ctx, signer.Name, signer.Email, model.TrackingStatusSigned)
	switch {
	case err != nil:
		logger.Error(ctx, "failed to mark contract signed", "email", signer.Email, "error", err)
		metrics.WebhookEvents.WithLabelValues("error").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": "tracking store update failed"})
	case !updated:
		logger.Warn(ctx, "no tracking row for signer", "name", signer.Name, "email", signer.Email)
		metrics.WebhookEvents.WithLabelValues("not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": fmt.Sprintf("no tracking row for %s <%s>", signer.Name, signer.Email),
		})
	default:
		logger.Info(ctx, "contract marked as signed", "email", signer.Email)
		metrics.WebhookEvents.WithLabelValues("updated").Inc()
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"message":     "status updated to signed",
			"envelope_id": ev.EnvelopeID,
			"signer":      signer,
		})
	}
}

func (h *WebhookHandler) reject(c *gin.Context, msg string) {
	metrics.WebhookEvents.WithLabelValues("invalid").Inc()
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}
