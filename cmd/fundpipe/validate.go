package main

import (
	"context"
	"fmt"

	"github.com/fundpipe/fundpipe/pkg/config"
	cli "github.com/urfave/cli/v3"
)

// NewValidateCommand checks a pipeline configuration file without
// touching the database. CI pipelines run this before deploys.
func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate a pipeline stage configuration file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "stage-config",
				Usage:    "Path to the pipeline stage configuration file",
				Required: true,
				Sources:  cli.EnvVars("STAGE_CONFIG"),
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			path := command.String("stage-config")

			pipeline, err := config.LoadPipeline(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			fmt.Printf("%s: valid (%d stages, max %d concurrent funds)\n",
				path, len(pipeline.Stages), pipeline.MaxConcurrentFunds)

			return nil
		},
	}
}
