package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/fundpipe/fundpipe/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleStoreError maps persistence sentinels to their HTTP statuses.
func handleStoreError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, persistence.ErrProcessNotFound),
		errors.Is(err, persistence.ErrExecutionNotFound),
		errors.Is(err, persistence.ErrStandByNotFound),
		errors.Is(err, persistence.ErrFundNotFound),
		errors.Is(err, persistence.ErrFundProblemNotFound):
		return notFound(c, err.Error())
	case errors.Is(err, persistence.ErrProcessAlreadyRunning),
		errors.Is(err, persistence.ErrStandByAlreadyResolved):
		return conflict(c, err.Error())
	default:
		return internalError(c, err)
	}
}
