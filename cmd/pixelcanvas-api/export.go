package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type archiveDocument struct {
	ID              string                 `yaml:"id"`
	WeekStart       string                 `yaml:"week_start"`
	WeekEnd         string                 `yaml:"week_end"`
	ArchivedAt      string                 `yaml:"archived_at"`
	TotalPlacements int64                  `yaml:"total_placements"`
	Contributors    int64                  `yaml:"contributors"`
	Pixels          []canvas.ArchivedPixel `yaml:"pixels"`
}

type archiveReader interface {
	GetArchive(ctx context.Context, archiveID string) (canvas.ArchiveDetail, error)
}

func newExportArchiveCommand() *cobra.Command {
	var (
		archiveID  string
		outputPath string
	)
	cmd := &cobra.Command{
		Use:   "export-archive",
		Short: "Write a weekly archive snapshot as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(archiveID) == "" {
				return fmt.Errorf("--id is required")
			}
			_, logger, db, service, err := openService(config.LoadStore, nil)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			var output io.Writer = cmd.OutOrStdout()
			if outputPath != "" && outputPath != "-" {
				file, err := os.Create(outputPath)
				if err != nil {
					return err
				}
				defer file.Close()
				output = file
			}
			return exportArchive(cmd.Context(), service, archiveID, output)
		},
	}
	cmd.Flags().StringVar(&archiveID, "id", "", "Archive identifier")
	cmd.Flags().StringVar(&outputPath, "output", "-", "Destination file (- for stdout)")
	return cmd
}

func exportArchive(ctx context.Context, archives archiveReader, archiveID string, output io.Writer) error {
	detail, err := archives.GetArchive(ctx, archiveID)
	if err != nil {
		return err
	}
	document := archiveDocument{
		ID:              detail.Archive.ID,
		WeekStart:       detail.Archive.WeekStart().Format(time.RFC3339),
		WeekEnd:         time.Unix(detail.Archive.WeekEndSeconds, 0).UTC().Format(time.RFC3339),
		ArchivedAt:      time.Unix(detail.Archive.ArchivedAtSeconds, 0).UTC().Format(time.RFC3339),
		TotalPlacements: detail.Archive.TotalPlacements,
		Contributors:    detail.Archive.Contributors,
		Pixels:          detail.Pixels,
	}
	encoder := yaml.NewEncoder(output)
	encoder.SetIndent(2)
	if err := encoder.Encode(document); err != nil {
		return err
	}
	return encoder.Close()
}
