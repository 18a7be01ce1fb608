package handler

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/v1nometrics/docusign-ura/model"
	"github.com/v1nometrics/docusign-ura/monitor"
	"github.com/v1nometrics/docusign-ura/pkg/logger"
)

// Pipeline is the part of the monitor the HTTP entry points drive
type Pipeline interface {
	ProcessKey(ctx context.Context, key string) (model.ProcessingResult, error)
	Sign(ctx context.Context, req monitor.SignRequest) (model.ProcessingResult, error)
	Report() monitor.Report
}

type ContractHandler struct {
	pipeline Pipeline
}

func NewContractHandler(p Pipeline) *ContractHandler {
	return &ContractHandler{pipeline: p}
}

// storageEvent is an S3 or MinIO bucket notification
type storageEvent struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// StorageEvent processes every object named in a bucket notification
func (h *ContractHandler) StorageEvent(c *gin.Context) {
	var ev storageEvent
	if err := c.ShouldBindJSON(&ev); err != nil || len(ev.Records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid storage event"})
		return
	}

	ok := true
	results := make([]monitor.KeyResult, 0, len(ev.Records))
	for _, rec := range ev.Records {
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil || key == "" {
			ok = false
			results = append(results, monitor.KeyResult{Key: rec.S3.Object.Key, Result: model.ProcessingResult{
				Error:   model.ErrValidation,
				Message: "invalid object key",
			}})
			continue
		}
		if rec.EventName != "" && !strings.Contains(rec.EventName, "ObjectCreated") {
			results = append(results, monitor.KeyResult{Key: key, Result: model.ProcessingResult{
				Skipped: true,
				Message: "event " + rec.EventName + " ignored",
			}})
			continue
		}

		logger.Info(c.Request.Context(), "storage event received", "object_key", key, "bucket", rec.S3.Bucket.Name)
		res, err := h.pipeline.ProcessKey(c.Request.Context(), key)
		if err != nil {
			res = model.Failure(err)
		}
		if !res.Success && !res.Skipped {
			ok = false
		}
		results = append(results, monitor.KeyResult{Key: key, Result: res})
	}

	status := http.StatusOK
	msg := "storage event processed"
	if !ok {
		status = http.StatusBadRequest
		msg = "some objects could not be processed"
	}
	c.JSON(status, gin.H{"success": ok, "message": msg, "results": results})
}

// Sign sends a contract for signature on an operator's request
func (h *ContractHandler) Sign(c *gin.Context) {
	var req monitor.SignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request"})
		return
	}

	res, err := h.pipeline.Sign(c.Request.Context(), req)
	if err != nil {
		res = model.Failure(err)
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	c.JSON(status, res)
}

// Stats returns the processed-set size and run statistics
func (h *ContractHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Report())
}
