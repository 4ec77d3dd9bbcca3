// Command capture grabs one frame from a webcam or reads an image file,
// submits it for spoof detection and prints the classification.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vectorops-cmd/liveguard/internal/capture"
	"github.com/vectorops-cmd/liveguard/internal/config"
	"github.com/vectorops-cmd/liveguard/internal/inference"
	"github.com/vectorops-cmd/liveguard/internal/logging"
	"github.com/vectorops-cmd/liveguard/internal/render"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		deviceID = flag.Int("device", 0, "capture device id")
		file     = flag.String("file", "", "submit an image file instead of the camera")
		target   = flag.String("target", "", "detection endpoint base URL (defaults to the configured backend)")
	)
	flag.Parse()

	_ = godotenv.Load()

	logger, err := logging.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return 1
	}

	baseURL := cfg.Backend.BaseURL
	if *target != "" {
		baseURL = *target
	}
	client := inference.NewClient(baseURL, cfg.Backend.RequestTimeout, logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Backend.RequestTimeout+cfg.Backend.PingTimeout)
	defer cancel()

	// One probe on startup, never retried.
	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.Backend.PingTimeout)
	status, pingErr := client.Ping(pingCtx)
	pingCancel()
	fmt.Println(render.Status(status, pingErr))

	frame, source, err := acquireFrame(*deviceID, *file, logger)
	if err != nil {
		// Capture failures are recoverable: report once and leave the
		// user free to rerun.
		fmt.Fprintln(os.Stderr, "capture failed:", err)
		return 1
	}

	result, err := client.Detect(ctx, frame, source)
	if err != nil {
		fmt.Fprintln(os.Stderr, detectionFailure(err))
		return 1
	}

	display := render.Result(result)
	fmt.Printf("Prediction: %s (%s), processed in %s\n", display.Label, display.Confidence, display.ProcessingTime)
	if display.AttackType != "" {
		fmt.Printf("Attack type: %s\n", display.AttackType)
	}
	return 0
}

func acquireFrame(deviceID int, file string, logger *zap.Logger) ([]byte, string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", file, err)
		}
		return data, "upload", nil
	}

	cam, err := capture.Open(deviceID, logger)
	if err != nil {
		return nil, "", err
	}
	defer cam.Close()

	// The first frames after opening are often dark while the sensor
	// adjusts; give it a moment.
	time.Sleep(300 * time.Millisecond)
	frame, err := cam.Grab()
	if err != nil {
		return nil, "", err
	}
	return frame, "camera", nil
}

func detectionFailure(err error) string {
	var statusErr *inference.StatusError
	var remoteErr *inference.RemoteError

	switch {
	case errors.As(err, &statusErr):
		return "detection rejected: " + render.Error(statusErr.Body)
	case errors.As(err, &remoteErr):
		return "detection failed: " + render.Error(remoteErr.Message)
	case errors.Is(err, inference.ErrBackendUnreachable):
		return "backend unreachable"
	default:
		return "detection failed: " + err.Error()
	}
}
