// Package capture acquires frames from a local webcam. Device failures are
// recoverable: callers report them and may simply try again.
package capture

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// ErrCameraUnavailable covers denied, missing or busy capture devices.
var ErrCameraUnavailable = errors.New("camera unavailable")

// Camera wraps an open capture device. Close releases it; nothing may be
// grabbed before Open succeeds.
type Camera struct {
	device   *gocv.VideoCapture
	deviceID int
	logger   *zap.Logger
}

// Open acquires the capture device. A failure here is recoverable by the
// caller, never fatal to the process.
func Open(deviceID int, logger *zap.Logger) (*Camera, error) {
	device, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", ErrCameraUnavailable, deviceID, err)
	}
	if !device.IsOpened() {
		device.Close()
		return nil, fmt.Errorf("%w: device %d did not open", ErrCameraUnavailable, deviceID)
	}
	logger.Info("camera opened", zap.Int("device", deviceID))
	return &Camera{device: device, deviceID: deviceID, logger: logger.Named("camera")}, nil
}

// Grab reads one frame and returns it JPEG-encoded.
func (c *Camera) Grab() ([]byte, error) {
	mat := gocv.NewMat()
	defer mat.Close()

	if ok := c.device.Read(&mat); !ok || mat.Empty() {
		return nil, fmt.Errorf("%w: device %d produced no frame", ErrCameraUnavailable, c.deviceID)
	}

	buf, err := gocv.IMEncode(".jpg", mat)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	frame := make([]byte, len(buf.GetBytes()))
	copy(frame, buf.GetBytes())
	return frame, nil
}

// Close releases the capture device.
func (c *Camera) Close() error {
	c.logger.Info("camera released", zap.Int("device", c.deviceID))
	return c.device.Close()
}
