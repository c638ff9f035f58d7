package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"companion-backend/internal/config"
	"companion-backend/internal/services"
)

var (
	curriculumSubject string
	curriculumTopic   string
)

// curriculumCmd previews the curriculum a new companion would get.
var curriculumCmd = &cobra.Command{
	Use:   "curriculum",
	Short: "Generate a curriculum for a subject and topic and print it as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		if curriculumSubject == "" || curriculumTopic == "" {
			return fmt.Errorf("--subject and --topic are required")
		}
		cfg := config.Load()

		var gen *services.CurriculumGenerator
		if cfg.GeminiAPIKey != "" {
			gemini, err := services.NewGeminiBackend(cfg.GeminiAPIKey, 1)
			if err != nil {
				return err
			}
			defer gemini.Close()
			gen = services.NewCurriculumGenerator(gemini, services.NewModelSelector(gemini))
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
		defer cancel()
		modules := gen.Generate(ctx, curriculumSubject, curriculumTopic)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(modules)
	},
}

func init() {
	curriculumCmd.Flags().StringVar(&curriculumSubject, "subject", "", "companion subject")
	curriculumCmd.Flags().StringVar(&curriculumTopic, "topic", "", "companion topic")
}
