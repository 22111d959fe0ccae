package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type stubArchiveReader struct {
	detail canvas.ArchiveDetail
	err    error
}

func (s stubArchiveReader) GetArchive(context.Context, string) (canvas.ArchiveDetail, error) {
	return s.detail, s.err
}

func TestExportArchiveWritesYAML(t *testing.T) {
	weekStart := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	ownerID := int64(7)
	reader := stubArchiveReader{detail: canvas.ArchiveDetail{
		Archive: canvas.Archive{
			ID:                "0190a5c2-archive",
			WeekStartSeconds:  weekStart.Unix(),
			WeekEndSeconds:    weekStart.Add(7 * 24 * time.Hour).Unix(),
			TotalPlacements:   3,
			Contributors:      2,
			ArchivedAtSeconds: weekStart.Add(7 * 24 * time.Hour).Unix(),
		},
		Pixels: []canvas.ArchivedPixel{{X: 1, Y: 2, Color: "#ABCDEF", OwnerID: &ownerID, IsAd: true}},
	}}

	var output bytes.Buffer
	require.NoError(t, exportArchive(context.Background(), reader, "0190a5c2-archive", &output))

	var document archiveDocument
	require.NoError(t, yaml.Unmarshal(output.Bytes(), &document))
	require.Equal(t, "0190a5c2-archive", document.ID)
	require.Equal(t, "2026-03-02T09:00:00Z", document.WeekStart)
	require.Equal(t, "2026-03-09T09:00:00Z", document.WeekEnd)
	require.Equal(t, int64(3), document.TotalPlacements)
	require.Len(t, document.Pixels, 1)
	require.Equal(t, "#ABCDEF", document.Pixels[0].Color)
	require.True(t, document.Pixels[0].IsAd)
	require.Contains(t, output.String(), "owner_id: 7")
}

func TestExportArchivePropagatesLookupErrors(t *testing.T) {
	var output bytes.Buffer
	err := exportArchive(context.Background(), stubArchiveReader{err: canvas.ErrArchiveNotFound}, "missing", &output)
	require.True(t, errors.Is(err, canvas.ErrArchiveNotFound))
	require.Zero(t, output.Len())
}

func TestExportArchiveCommandRunsWithoutSigningSecret(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	config.ApplyDefaults(viper.GetViper())
	viper.Set("auth.signing_secret", "")
	viper.Set("log.level", "error")
	viper.Set("database.path", filepath.Join(t.TempDir(), "export.db"))

	var stdout, stderr bytes.Buffer
	cmd := newExportArchiveCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--id", "missing"})

	err := cmd.Execute()
	require.ErrorIs(t, err, canvas.ErrArchiveNotFound, "configuration loads without auth settings")
	require.Zero(t, stdout.Len())
}
