package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lachwilkes/raceday/internal/domain"
	"github.com/lachwilkes/raceday/internal/importer"
	"github.com/lachwilkes/raceday/internal/pfapi"
	"github.com/lachwilkes/raceday/internal/repository"
)

// inputDateLayout is the day/month/year format accepted at the API boundary.
const inputDateLayout = "02/01/2006"

// Prober checks source reachability without mutating anything.
type Prober interface {
	CheckConnectivity(ctx context.Context) *pfapi.Connectivity
}

// ImportHandler handles import trigger and run history endpoints.
type ImportHandler struct {
	importer   *importer.Importer
	prober     Prober
	displayLoc *time.Location
	offsetDays int
	now        func() time.Time
}

// NewImportHandler creates a new import handler.
// Parameters:
//   - imp: import orchestrator.
//   - prober: source connectivity prober.
//   - displayLoc: timezone for rendering timestamps in responses.
//   - offsetDays: default target date offset from today.
// Returns:
//   - *ImportHandler: initialized handler.
func NewImportHandler(imp *importer.Importer, prober Prober, displayLoc *time.Location, offsetDays int) *ImportHandler {
	if displayLoc == nil {
		displayLoc = time.UTC
	}
	return &ImportHandler{
		importer:   imp,
		prober:     prober,
		displayLoc: displayLoc,
		offsetDays: offsetDays,
		now:        time.Now,
	}
}

type triggerRequest struct {
	// Date is optional, day/month/year. Defaults to tomorrow.
	Date string `json:"date"`
}

// runView is the API representation of a run. Timestamps are rendered in
// the display timezone; storage stays UTC.
type runView struct {
	ID          string `json:"id"`
	Trigger     string `json:"trigger"`
	TargetDate  string `json:"target_date"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	Fetched     int    `json:"fetched"`
	Inserted    int    `json:"inserted"`
	Updated     int    `json:"updated"`
	Unchanged   int    `json:"unchanged"`
	Failed      int    `json:"failed"`
	Message     string `json:"message,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

func (h *ImportHandler) viewOf(run *domain.ImportRun) runView {
	view := runView{
		ID:          run.ID,
		Trigger:     string(run.Trigger),
		TargetDate:  run.TargetDate,
		Status:      string(run.Status),
		StartedAt:   run.StartedAt.In(h.displayLoc).Format(time.RFC3339),
		Fetched:     run.Counts.Fetched,
		Inserted:    run.Counts.Inserted,
		Updated:     run.Counts.Updated,
		Unchanged:   run.Counts.Unchanged,
		Failed:      run.Counts.Failed,
		Message:     run.Message,
		ErrorKind:   run.ErrorKind,
		ErrorDetail: run.ErrorDetail,
	}
	if run.CompletedAt != nil {
		view.CompletedAt = run.CompletedAt.In(h.displayLoc).Format(time.RFC3339)
	}
	return view
}

// TriggerImport handles POST /api/v1/import/meetings. The run executes
// synchronously; the response carries the finalized run summary.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ImportHandler) TriggerImport(c *gin.Context) {
	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request: " + err.Error(),
			})
			return
		}
	}

	targetDate, err := h.resolveTargetDate(req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid date, expected DD/MM/YYYY: " + req.Date,
		})
		return
	}

	run, err := h.importer.Run(c.Request.Context(), domain.TriggerManual, targetDate)
	if err != nil {
		status := statusForKind(importer.KindOf(err))
		body := gin.H{"error": err.Error()}
		if run != nil {
			body["run"] = h.viewOf(run)
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{"run": h.viewOf(run)})
}

// resolveTargetDate converts the boundary date format to the internal ISO
// date, defaulting to today plus the configured offset.
func (h *ImportHandler) resolveTargetDate(input string) (string, error) {
	if input == "" {
		return h.now().In(h.displayLoc).AddDate(0, 0, h.offsetDays).Format(pfapi.DateLayout), nil
	}
	parsed, err := time.ParseInLocation(inputDateLayout, input, h.displayLoc)
	if err != nil {
		return "", err
	}
	return parsed.Format(pfapi.DateLayout), nil
}

// statusForKind maps a run failure classification onto an HTTP status.
func statusForKind(kind importer.ErrorKind) int {
	switch kind {
	case importer.KindConcurrentRun:
		return http.StatusConflict
	case importer.KindBadRequest:
		return http.StatusBadRequest
	case importer.KindAuth, importer.KindMalformedResponse:
		return http.StatusBadGateway
	case importer.KindRateLimited, importer.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GetStatus handles GET /api/v1/import/meetings/status.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ImportHandler) GetStatus(c *gin.Context) {
	run, err := h.importer.Latest(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get import status: " + err.Error(),
		})
		return
	}
	if run == nil {
		c.JSON(http.StatusOK, gin.H{"status": "never_run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": string(run.Status),
		"run":    h.viewOf(run),
	})
}

// ListLogs handles GET /api/v1/import/logs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ImportHandler) ListLogs(c *gin.Context) {
	filter := repository.ListFilter{
		Status: domain.RunStatus(c.Query("status")),
	}

	var err error
	if filter.FromDate, err = h.parseFilterDate(c.Query("from")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' date: " + c.Query("from")})
		return
	}
	if filter.ToDate, err = h.parseFilterDate(c.Query("to")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' date: " + c.Query("to")})
		return
	}

	if limit := c.Query("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}
	if offset := c.Query("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			filter.Offset = n
		}
	}

	runs, err := h.importer.ListRuns(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list import logs: " + err.Error(),
		})
		return
	}

	views := make([]runView, 0, len(runs))
	for i := range runs {
		views = append(views, h.viewOf(&runs[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":  views,
		"total": len(views),
	})
}

// parseFilterDate accepts DD/MM/YYYY or ISO dates and returns the ISO form.
func (h *ImportHandler) parseFilterDate(input string) (string, error) {
	if input == "" {
		return "", nil
	}
	if parsed, err := time.ParseInLocation(inputDateLayout, input, h.displayLoc); err == nil {
		return parsed.Format(pfapi.DateLayout), nil
	}
	parsed, err := time.Parse(pfapi.DateLayout, input)
	if err != nil {
		return "", err
	}
	return parsed.Format(pfapi.DateLayout), nil
}

// TestConnection handles GET /api/v1/import/meetings/test-connection.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ImportHandler) TestConnection(c *gin.Context) {
	result := h.prober.CheckConnectivity(c.Request.Context())
	status := http.StatusOK
	if !result.Reachable {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}
