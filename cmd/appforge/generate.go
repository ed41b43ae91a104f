package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/appforge/internal/config"
	"github.com/szaher/appforge/internal/coordinator"
	"github.com/szaher/appforge/internal/events"
)

func newGenerateCmd() *cobra.Command {
	var (
		requirement string
		model       string
		outDir      string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one generation session and write the artifacts to disk",
		Long:  "One-shot generation: build the plan, run every role, print progress, write artifacts, exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requirement == "" {
				return fmt.Errorf("--requirement is required")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// One-shot runs always persist locally.
			cfg.Artifacts.Archive = "disk"
			cfg.Artifacts.Dir = outDir
			cfg.Sandbox.Enabled = false

			logger := newLogger(cfg)
			stack, err := buildStack(cfg, logger)
			if err != nil {
				return err
			}
			defer stack.Close()

			view, err := stack.coord.StartGeneration(cmd.Context(), coordinator.StartRequest{
				Requirement: requirement,
				Model:       model,
			})
			if err != nil {
				return err
			}
			fmt.Printf("session %s started\n", view.ID)

			stream, err := stack.coord.Events(view.ID)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			for {
				select {
				case <-ctx.Done():
					_ = stack.coord.Cancel(view.ID)
					return ctx.Err()
				case event, ok := <-stream:
					if !ok {
						return report(stack.coord, view.ID, outDir)
					}
					printEvent(event)
					if event.Type == events.SessionDone {
						// Drain until the broker closes the stream.
						continue
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&requirement, "requirement", "", "What to build")
	cmd.Flags().StringVar(&model, "model", "", "Model override")
	cmd.Flags().StringVar(&outDir, "out", "./out", "Output directory for artifacts")
	return cmd
}

func printEvent(event *events.Event) {
	switch event.Type {
	case events.ProgressUpdate:
		fmt.Printf("[%s] progress %v%% (%v)\n",
			event.Timestamp.Format(time.TimeOnly), event.Data["progress"], event.Data["role"])
	case events.ArtifactUpdate:
		fmt.Printf("[%s] artifact %v: %v\n",
			event.Timestamp.Format(time.TimeOnly), event.Data["name"], event.Data["status"])
	case events.SessionDone:
		fmt.Printf("[%s] done: %v (%v artifacts)\n",
			event.Timestamp.Format(time.TimeOnly), event.Data["status"], event.Data["artifacts"])
	}
}

func report(coord *coordinator.Coordinator, sessionID, outDir string) error {
	view, err := coord.Status(sessionID)
	if err != nil {
		return err
	}
	if view.Status != coordinator.StatusCompleted {
		return fmt.Errorf("generation %s: %s", view.Status, view.Message)
	}
	fmt.Printf("artifacts written under %s/%s\n", outDir, sessionID)
	return nil
}
