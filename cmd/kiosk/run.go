package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"presence/internal/capture"
	"presence/internal/config"
	"presence/internal/decision"
	"presence/internal/faceclient"
	"presence/internal/metrics"
	"presence/internal/verifyclient"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capture loop against a frame directory",
	Long: `Run polls the frame directory, tracks the largest face across frames and
submits once it has been stable for --min-frames frames.

Examples:
  # Single attendance, kiosk at a fixed position
  kiosk run --frames /var/lib/kiosk/frames --session lecture-101 --device kiosk-1 \
    --lat 52.5200 --lon 13.4050

  # Keep taking attendance until interrupted
  kiosk run --frames ./frames --session s1 --device kiosk-1 --continuous`,
	RunE: runKiosk,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("api", "http://localhost:8081", "Presence API base URL")
	runCmd.Flags().String("frames", "", "Directory the camera writes frames to (required)")
	runCmd.Flags().String("session", "", "Attendance session id (required)")
	runCmd.Flags().String("device", "", "Device id (required)")
	runCmd.Flags().String("token", "", "Access token; when empty the device registers itself")
	runCmd.Flags().String("refresh-token", "", "Refresh token paired with --token, used when it expires")
	runCmd.Flags().Float64("lat", 0, "Kiosk latitude")
	runCmd.Flags().Float64("lon", 0, "Kiosk longitude")
	runCmd.Flags().Float64("accuracy", 0, "Reported position accuracy in meters (0 = unknown)")
	runCmd.Flags().Bool("continuous", false, "Keep capturing after each decision")
	runCmd.Flags().Int("min-frames", 0, "Consecutive stable frames before capture (0 = MIN_FACE_FRAMES)")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")
	_ = runCmd.MarkFlagRequired("frames")
	_ = runCmd.MarkFlagRequired("session")
	_ = runCmd.MarkFlagRequired("device")
}

func runKiosk(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	flags := cmd.Flags()

	apiURL, _ := flags.GetString("api")
	framesDir, _ := flags.GetString("frames")
	sessionID, _ := flags.GetString("session")
	deviceID, _ := flags.GetString("device")
	token, _ := flags.GetString("token")
	refreshToken, _ := flags.GetString("refresh-token")
	continuous, _ := flags.GetBool("continuous")
	minFrames, _ := flags.GetInt("min-frames")
	metricsAddr, _ := flags.GetString("metrics-addr")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := capture.NewDirSource(framesDir)
	if err != nil {
		return err
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.EmbeddingDim)
	if err := face.Health(ctx); err != nil {
		log.Printf("WARNING: face service not available: %v", err)
	}

	verifier := verifyclient.New(apiURL, sessionID, deviceID)
	if token != "" {
		verifier.SetToken(token)
		verifier.SetRefreshToken(refreshToken)
	} else if err := verifier.Register(ctx); err != nil {
		return err
	}

	var locator capture.LocationProvider
	if flags.Changed("lat") || flags.Changed("lon") {
		loc := capture.StaticLocation{}
		loc.Coordinate.Latitude, _ = flags.GetFloat64("lat")
		loc.Coordinate.Longitude, _ = flags.GetFloat64("lon")
		if flags.Changed("accuracy") {
			acc, _ := flags.GetFloat64("accuracy")
			loc.Coordinate.Accuracy = &acc
		}
		if !loc.Coordinate.Valid() {
			return fmt.Errorf("invalid kiosk position %v,%v", loc.Coordinate.Latitude, loc.Coordinate.Longitude)
		}
		locator = loc
	} else {
		log.Println("WARNING: no kiosk position configured, geofence checks will fail")
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	opts := cfg.CaptureOptions()
	opts.Continuous = continuous
	if minFrames > 0 {
		opts.MinFaceFrames = minFrames
	}

	session := capture.NewSession(source, face, verifier, locator, opts)
	session.OnFrame = logFrame(opts.MinFaceFrames)
	session.OnDecision = printDecision(cmd)

	log.Printf("kiosk %s capturing for session %s from %s (%d stable frames)", deviceID, sessionID, framesDir, opts.MinFaceFrames)
	err = session.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logFrame(minFrames int) func(capture.FrameResult) {
	last := capture.StateIdle
	return func(res capture.FrameResult) {
		if res.ShouldCapture {
			metrics.CaptureFires.Inc()
			log.Printf("face stable for %d frames, submitting", res.StableCount)
		} else if res.State != last {
			log.Printf("tracker %s (%d/%d)", res.State, res.StableCount, minFrames)
		}
		last = res.State
	}
}

func printDecision(cmd *cobra.Command) func(decision.Decision) {
	return func(d decision.Decision) {
		who := "unknown"
		if d.IdentityID != nil {
			who = *d.IdentityID
		}
		if d.Accepted {
			log.Printf("ACCEPTED %s (confidence %.2f)", who, d.Confidence)
		} else {
			log.Printf("REJECTED %s: %v", who, d.Reasons)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		if err := enc.Encode(d); err != nil {
			log.Printf("write decision: %v", err)
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("metrics server: %v", err)
	}
}
