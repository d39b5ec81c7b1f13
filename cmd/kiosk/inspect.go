package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"presence/internal/capture"
	"presence/internal/config"
	"presence/internal/faceclient"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Send one image to the face service and print the detections",
	Long: `Inspect is a setup aid: it shows what the face service sees in a single image
and which face the capture loop would pick as primary.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	frame, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.EmbeddingDim)
	detections, err := face.Extract(cmd.Context(), frame)
	if err != nil {
		return err
	}

	out := struct {
		Faces   int                `json:"faces"`
		Primary *capture.Detection `json:"primary"`
	}{Faces: len(detections)}
	if p, ok := capture.SelectPrimary(detections); ok {
		out.Primary = &p
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
