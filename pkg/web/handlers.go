// Package web exposes the REST surface: run launching, process and
// execution queries, the stand-by resolution workflow and the status
// endpoints of the runtime components.
package web

import (
	"context"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/fundpipe/fundpipe/pkg/dispatcher"
	"github.com/fundpipe/fundpipe/pkg/hub"
	"github.com/fundpipe/fundpipe/pkg/listener"
	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/fundpipe/fundpipe/pkg/persistence"
	"github.com/fundpipe/fundpipe/pkg/workerpool"
)

// RunService is the orchestration surface the handlers drive.
// Satisfied by orchestrator.Orchestrator.
type RunService interface {
	Launch(ctx context.Context, reportDate, initiatedBy string) (*models.Process, error)
	ResumeExecution(ctx context.Context, executionID int64) (*models.Execution, error)
	PoolStatus() workerpool.Status
}

// ListenerStatus reports the queue listener's connection health.
type ListenerStatus interface {
	Status() listener.Status
}

// HubStats reports the subscription hub's connection counts.
type HubStats interface {
	Stats() hub.Stats
}

// DispatcherStats reports message processing counters.
type DispatcherStats interface {
	Stats() dispatcher.Stats
}

type APIHandlers struct {
	store      persistence.Store
	runs       RunService
	listener   ListenerStatus
	hub        HubStats
	dispatcher DispatcherStats
	validator  *validator.Validate
}

func NewAPIHandlers(
	store persistence.Store,
	runs RunService,
	listenerStatus ListenerStatus,
	hubStats HubStats,
	dispatcherStats DispatcherStats,
) *APIHandlers {
	return &APIHandlers{
		store:      store,
		runs:       runs,
		listener:   listenerStatus,
		hub:        hubStats,
		dispatcher: dispatcherStats,
		validator:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	if err := h.store.HealthCheck(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "healthy"})
}

// GetStatus aggregates the runtime component health surface.
func (h *APIHandlers) GetStatus(c fiber.Ctx) error {
	status := fiber.Map{}

	if h.listener != nil {
		status["listener"] = h.listener.Status()
	}

	if h.runs != nil {
		status["worker_pool"] = h.runs.PoolStatus()
	}

	if h.hub != nil {
		status["hub"] = h.hub.Stats()
	}

	if h.dispatcher != nil {
		status["dispatcher"] = h.dispatcher.Stats()
	}

	return c.JSON(status)
}

type launchRunRequest struct {
	ReportDate  string `json:"report_date"  validate:"required,datetime=2006-01-02"`
	InitiatedBy string `json:"initiated_by" validate:"required"`
}

func (h *APIHandlers) LaunchRun(c fiber.Ctx) error {
	var req launchRunRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	process, err := h.runs.Launch(c.Context(), req.ReportDate, req.InitiatedBy)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(process)
}

func (h *APIHandlers) GetProcess(c fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, "Invalid process id")
	}

	process, err := h.store.Processes().GetByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(process)
}

func (h *APIHandlers) GetLatestProcess(c fiber.Ctx) error {
	process, err := h.store.Processes().Latest(c.Context())
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(process)
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, "Invalid process id")
	}

	if _, err := h.store.Processes().GetByID(c.Context(), id); err != nil {
		return handleStoreError(c, err)
	}

	executions, err := h.store.Executions().ListByProcess(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions":  executions,
		"total_count": len(executions),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, "Invalid execution id")
	}

	execution, err := h.store.Executions().GetByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetExecutionEvents(c fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, "Invalid execution id")
	}

	limit := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			return badRequest(c, "Invalid limit")
		}
	}

	records, err := h.store.EventLog().ListByExecution(c.Context(), id, limit)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{
		"events":      records,
		"total_count": len(records),
	})
}

func (h *APIHandlers) ListStandBys(c fiber.Ctx) error {
	records, err := h.store.StandBys().Queue(c.Context())
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{
		"standbys":    records,
		"total_count": len(records),
	})
}

type resolveStandByRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"required"`
	Resume     bool   `json:"resume"`
}

// ResolveStandBy acknowledges a stand-by, clears the fund's pause and
// optionally resumes the remaining stages right away.
func (h *APIHandlers) ResolveStandBy(c fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, "Invalid stand-by id")
	}

	var req resolveStandByRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	records, err := h.store.StandBys().Queue(c.Context())
	if err != nil {
		return handleStoreError(c, err)
	}

	var record *models.StandByRecord

	for _, r := range records {
		if r.ID == id {
			record = r

			break
		}
	}

	if record == nil {
		return notFound(c, "stand-by not found or already resolved")
	}

	if err := h.store.StandBys().Resolve(c.Context(), id, req.ResolvedBy); err != nil {
		return handleStoreError(c, err)
	}

	// The pause only lifts once no unresolved stand-by remains for the
	// execution.
	remaining, err := h.store.StandBys().ListUnresolved(c.Context(), record.ExecutionID)
	if err != nil {
		return handleStoreError(c, err)
	}

	response := fiber.Map{
		"resolved":     true,
		"execution_id": record.ExecutionID,
	}

	if len(remaining) == 0 {
		if err := h.store.Executions().ClearPause(c.Context(), record.ExecutionID); err != nil {
			return handleStoreError(c, err)
		}

		if req.Resume && h.runs != nil {
			execution, err := h.runs.ResumeExecution(c.Context(), record.ExecutionID)
			if err != nil {
				return handleStoreError(c, err)
			}

			response["execution"] = execution
		}
	}

	return c.JSON(response)
}

func (h *APIHandlers) ListFundProblems(c fiber.Ctx) error {
	reportDate := c.Query("report_date")
	if reportDate == "" {
		return badRequest(c, "report_date is required")
	}

	problems, err := h.store.FundProblems().ListByDate(c.Context(), reportDate)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{
		"fund_problems": problems,
		"total_count":   len(problems),
	})
}

func (h *APIHandlers) ClearFundProblem(c fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, "Invalid fund problem id")
	}

	if err := h.store.FundProblems().Clear(c.Context(), id); err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{"cleared": true})
}

func pathID(c fiber.Ctx, name string) (int64, error) {
	return strconv.ParseInt(c.Params(name), 10, 64)
}
