package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vectorops-cmd/liveguard/internal/inference"
	"github.com/vectorops-cmd/liveguard/internal/render"
	"github.com/vectorops-cmd/liveguard/internal/usecase"
	"github.com/vectorops-cmd/liveguard/internal/ws"
)

// MaxUploadSize caps a single frame submission.
const MaxUploadSize = 10 << 20

const defaultLogLimit = 10

// Websocket subscribers are read-silent, so the gateway pings them to keep
// the read deadline moving; a browser answers pongs automatically.
const (
	wsReadWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// UploadFetcher streams server-persisted frames for thumbnail proxying.
type UploadFetcher interface {
	FetchUpload(ctx context.Context, filename string) (io.ReadCloser, string, error)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterRoutes wires the HTTP handlers to the Gin router. hub may be nil
// to disable the live feed endpoint.
func RegisterRoutes(router *gin.Engine, uc *usecase.DetectionUseCase, uploads UploadFetcher, hub *ws.Hub, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	log := logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/ping", func(c *gin.Context) {
		status, err := uc.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "backend unreachable",
				"display": render.Status(nil, err),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"model_name":   status.ModelName,
			"model_loaded": status.ModelLoaded,
			"display":      render.Status(status, nil),
		})
	})

	router.POST("/api/detect", authMiddleware, func(c *gin.Context) {
		source := c.PostForm("source")
		switch source {
		case "":
			source = "upload"
		case "camera", "upload":
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "source must be camera or upload"})
			return
		}

		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		if len(data) > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		if !isImagePayload(data) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "payload is not an image"})
			return
		}

		outcome, err := uc.Detect(c.Request.Context(), data, source, "")
		if err != nil {
			respondDetectionError(c, err, log)
			return
		}

		resp := gin.H{
			"request_id":  outcome.RequestID,
			"prediction":  outcome.Result.Label,
			"confidence":  outcome.Result.Confidence,
			"attack_type": outcome.Result.AttackType,
			"cached":      outcome.Cached,
			"display":     outcome.Display,
		}
		if outcome.Result.ProcessingTimeMs != nil {
			resp["processing_time_ms"] = *outcome.Result.ProcessingTimeMs
		}
		c.JSON(http.StatusOK, resp)
	})

	router.GET("/api/recent", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"counts": uc.RecentCounts(),
			"rows":   uc.RecentEntries(),
		})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		limit := defaultLogLimit
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}

		logs, err := uc.RecentLogs(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list detections"})
			return
		}

		rows := make([]gin.H, 0, len(logs))
		for _, entry := range logs {
			row := gin.H{
				"request_id": entry.RequestID,
				"prediction": entry.Prediction,
				"confidence": entry.Confidence,
				"timestamp":  entry.Timestamp.Format(time.RFC3339),
				"image_path": entry.ImagePath,
			}
			if entry.ProcessingTimeMs != nil {
				row["processing_time_ms"] = *entry.ProcessingTimeMs
			}
			rows = append(rows, row)
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	})

	router.GET("/api/stats/summary", func(c *gin.Context) {
		summary, err := uc.StatsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate stats"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	router.GET("/uploads/:filename", func(c *gin.Context) {
		filename := c.Param("filename")
		body, contentType, err := uploads.FetchUpload(c.Request.Context(), filename)
		if err != nil {
			var statusErr *inference.StatusError
			if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": "backend unreachable"})
			return
		}
		defer body.Close()

		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.DataFromReader(http.StatusOK, -1, contentType, body, nil)
	})

	if hub != nil {
		router.GET("/ws/detections", func(c *gin.Context) {
			conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
			if err != nil {
				log.Warn("websocket upgrade failed", zap.Error(err))
				return
			}
			hub.Register(conn)
			defer hub.Unregister(conn)

			conn.SetReadDeadline(time.Now().Add(wsReadWait))
			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(wsReadWait))
				return nil
			})

			done := make(chan struct{})
			defer close(done)
			go keepAlive(conn, wsPingInterval, wsReadWait, done)

			// Subscribers only listen; the read loop exists to notice
			// the client going away.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		})
	}
}

// keepAlive pings a subscriber until done closes or the write fails. The
// pongs it provokes extend the read deadline, so an idle feed stays open.
// WriteControl is safe alongside the hub's concurrent broadcasts.
func keepAlive(conn *websocket.Conn, interval, wait time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func respondDetectionError(c *gin.Context, err error, log *zap.Logger) {
	var statusErr *inference.StatusError
	var remoteErr *inference.RemoteError

	switch {
	case errors.Is(err, usecase.ErrDetectionInFlight):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "a detection is already in flight"})
	case errors.As(err, &statusErr):
		// Non-2xx backend replies are surfaced verbatim, escaped,
		// never JSON-parsed.
		c.JSON(http.StatusBadGateway, gin.H{
			"error":          render.Error(statusErr.Body),
			"backend_status": statusErr.Code,
		})
	case errors.As(err, &remoteErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": render.Error(remoteErr.Message)})
	case errors.Is(err, inference.ErrBackendUnreachable):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "backend unreachable"})
	default:
		log.Error("detection failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "detection failed"})
	}
}

func isImagePayload(data []byte) bool {
	switch http.DetectContentType(data) {
	case "image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp":
		return true
	default:
		return false
	}
}
