package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cast"

	"report-job-engine/internal/models"
	"report-job-engine/internal/progress"
	"report-job-engine/internal/render"
	"report-job-engine/internal/retry"
)

// ReportHandler implements the report job bodies: generating a document via
// the external renderer and exporting stored rows as a downloadable
// artifact.
type ReportHandler struct {
	renderer *render.Client
	uploader ArtifactUploader
	tracker  *progress.Tracker
}

func NewReportHandler(renderer *render.Client, uploader ArtifactUploader, tracker *progress.Tracker) *ReportHandler {
	return &ReportHandler{renderer: renderer, uploader: uploader, tracker: tracker}
}

// Generate renders a report document through the guarded renderer client
// and uploads the artifact. A malformed payload is fatal; renderer errors
// (including an open breaker) consume the retry budget.
func (h *ReportHandler) Generate(ctx context.Context, job models.Job) (string, error) {
	template, err := cast.ToStringE(job.Payload["template"])
	if err != nil || template == "" {
		return "", retry.Fatal(fmt.Errorf("payload template: %w", errMissingField(err)))
	}
	format := cast.ToString(job.Payload["format"])
	if format == "" {
		format = "pdf"
	}
	data := cast.ToStringMap(job.Payload["data"])

	_ = h.tracker.Update(ctx, job.ID, 25, "rendering", nil)
	result, err := h.renderer.Render(ctx, render.Request{
		Template: template,
		Format:   format,
		Data:     data,
	})
	if err != nil {
		return "", fmt.Errorf("render %s: %w", template, err)
	}

	_ = h.tracker.Update(ctx, job.ID, 75, "uploading", nil)
	key := fmt.Sprintf("reports/%s.%s", job.ID, format)
	location, err := h.uploader.Upload(ctx, key, result.Body, result.ContentType)
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	return location, nil
}

// Export writes the rows in the payload out as a CSV artifact. It checks
// the soft deadline between chunks so a near-timeout export winds down
// instead of being killed by the hard limit.
func (h *ReportHandler) Export(ctx context.Context, job models.Job) (string, error) {
	reportID, err := cast.ToStringE(job.Payload["report_id"])
	if err != nil || reportID == "" {
		return "", retry.Fatal(fmt.Errorf("payload report_id: %w", errMissingField(err)))
	}
	rows := cast.ToSlice(job.Payload["rows"])

	var buf bytes.Buffer
	total := len(rows)
	for i, row := range rows {
		if SoftExpired(ctx) {
			return "", fmt.Errorf("export %s: soft time limit reached at row %d/%d", reportID, i, total)
		}
		for j, col := range cast.ToSlice(row) {
			if j > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(cast.ToString(col))
		}
		buf.WriteByte('\n')
		if total > 0 && i%100 == 0 {
			pct := 10 + (80*i)/total
			_ = h.tracker.Update(ctx, job.ID, pct, fmt.Sprintf("exporting row %d/%d", i, total), nil)
		}
	}

	key := fmt.Sprintf("exports/%s/%s.csv", reportID, job.ID)
	location, err := h.uploader.Upload(ctx, key, buf.Bytes(), "text/csv")
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	return location, nil
}

// Notify delivers a completion notification. Delivery transports live
// behind the route layer; here the notification is durably logged so the
// queue semantics (ack, retry, time limits) are exercised end to end.
func (h *ReportHandler) Notify(ctx context.Context, job models.Job) (string, error) {
	recipient, err := cast.ToStringE(job.Payload["recipient"])
	if err != nil || recipient == "" {
		return "", retry.Fatal(fmt.Errorf("payload recipient: %w", errMissingField(err)))
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	log.Printf("notify %s: job=%s subject=%q", recipient, job.ID, cast.ToString(job.Payload["subject"]))
	return "delivered:" + time.Now().UTC().Format(time.RFC3339), nil
}

func errMissingField(err error) error {
	if err == nil {
		return errors.New("missing or empty")
	}
	return err
}
