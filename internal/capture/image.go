// Package capture opens frame sources — RTSP cameras, webcams, files, or
// client-pushed JPEGs — and provides the image plumbing around them: JPEG
// codec with base64 framing, rotation hints, and the placeholder frame
// served when no source is available.
package capture

import (
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"strings"

	"gocv.io/x/gocv"
)

// JPEG quality bounds applied to every encode.
const (
	MinJPEGQuality = 10
	MaxJPEGQuality = 95
)

var errEmptyImage = errors.New("empty image payload")

// NormalizeBase64Image strips a data-URI prefix so only the raw base64
// payload is stored and echoed back.
func NormalizeBase64Image(raw string) string {
	data := strings.TrimSpace(raw)
	if strings.HasPrefix(data, "data:image") {
		if _, payload, found := strings.Cut(data, ","); found {
			return payload
		}
	}
	return data
}

// DecodeBase64Image decodes a base64 JPEG/PNG payload into a BGR Mat. The
// returned Mat is owned by the caller.
func DecodeBase64Image(raw string) (gocv.Mat, error) {
	payload := NormalizeBase64Image(raw)
	if payload == "" {
		return gocv.Mat{}, errEmptyImage
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return gocv.Mat{}, err
	}
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, err
	}
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, errEmptyImage
	}
	return img, nil
}

// EncodeJPEGBase64 compresses a frame to JPEG at the clamped quality and
// returns it base64-encoded. An encode failure yields an empty string, the
// frame message then carries no image rather than killing the tick.
func EncodeJPEGBase64(frame gocv.Mat, quality int) string {
	if quality < MinJPEGQuality {
		quality = MinJPEGQuality
	}
	if quality > MaxJPEGQuality {
		quality = MaxJPEGQuality
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return ""
	}
	defer buf.Close()
	return base64.StdEncoding.EncodeToString(buf.GetBytes())
}

// RotateFrame applies a client rotation hint of 0/90/180/270 degrees. It
// takes ownership of frame: when a rotation is applied the input Mat is
// closed and a new one returned.
func RotateFrame(frame gocv.Mat, degrees int) gocv.Mat {
	normalized := ((degrees % 360) + 360) % 360
	var code gocv.RotateFlag
	switch normalized {
	case 90:
		code = gocv.Rotate90Clockwise
	case 180:
		code = gocv.Rotate180Clockwise
	case 270:
		code = gocv.Rotate90CounterClockwise
	default:
		return frame
	}
	dst := gocv.NewMat()
	gocv.Rotate(frame, &dst, code)
	frame.Close()
	return dst
}

// NewPlaceholderFrame builds the frame served while no camera source is
// available: black 1280x720 with a hint overlay.
func NewPlaceholderFrame() gocv.Mat {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 720, 1280, gocv.MatTypeCV8UC3)
	gocv.PutText(&frame, "Camera unavailable", image.Pt(60, 130),
		gocv.FontHersheySimplex, 2.0, color.RGBA{R: 255, G: 255, B: 255, A: 255}, 3)
	gocv.PutText(&frame, "Check camera-mode / RTSP / webcam index", image.Pt(60, 200),
		gocv.FontHersheySimplex, 0.9, color.RGBA{R: 180, G: 180, B: 180, A: 255}, 2)
	return frame
}
