package capture

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"gocv.io/x/gocv"
)

// Camera modes.
const (
	ModeAuto      = "auto"
	ModeWebcam    = "webcam"
	ModeHikvision = "hikvision"
	ModeClient    = "client"
)

// Camera vendors for synthesized RTSP URLs.
const (
	CameraTypeHikvision = "hk"
	CameraTypeDahua     = "dh"
)

const reopenInterval = 3 * time.Second

// SourceConfig selects and parameterizes the camera candidates tried by a
// Provider, in order: a full RTSP URL, a URL synthesized from ip/password/
// vendor, then a webcam index or file path.
type SourceConfig struct {
	CameraMode        string
	VideoSource       string
	HikvisionRTSP     string
	HikvisionIP       string
	HikvisionPassword string
	HikvisionType     string
}

// BuildHikvisionRTSP synthesizes the vendor stream URL.
func BuildHikvisionRTSP(ip, password, cameraType string) string {
	if cameraType == CameraTypeDahua {
		return fmt.Sprintf("rtsp://admin:%s@%s/cam/realmonitor?channel=1&subtype=0", password, ip)
	}
	return fmt.Sprintf("rtsp://admin:%s@%s:554/Streaming/Channels/101", password, ip)
}

type candidate struct {
	source any // int webcam index or string URL/path
	desc   string
}

// Provider owns one capture handle and serves the current frame on demand.
// Candidates are tried in order at open; after a read failure a reopen is
// attempted at most every three seconds, and the placeholder frame is
// served in between. A Provider belongs to a single connection.
type Provider struct {
	cfg    SourceConfig
	clk    clock.Clock
	logger golog.Logger

	capture          *gocv.VideoCapture
	sourceDesc       string
	lastReopen       time.Time
	openFailedLogged bool
}

// NewProvider opens the first working candidate. A provider with no working
// source is still usable: it serves placeholder frames and keeps retrying.
func NewProvider(cfg SourceConfig, clk clock.Clock, logger golog.Logger) *Provider {
	p := &Provider{cfg: cfg, clk: clk, logger: logger, sourceDesc: "placeholder"}
	p.open()
	return p
}

// SourceDesc describes the currently open source, or "placeholder".
func (p *Provider) SourceDesc() string {
	return p.sourceDesc
}

// Read returns the current frame. The caller owns the returned Mat. When
// the source cannot deliver, the cached placeholder is served and a reopen
// is scheduled.
func (p *Provider) Read() gocv.Mat {
	if frame, ok := p.tryRead(); ok {
		return frame
	}

	now := p.clk.Now()
	if now.Sub(p.lastReopen) >= reopenInterval {
		p.Close()
		p.open()
		p.lastReopen = now
	}

	if frame, ok := p.tryRead(); ok {
		return frame
	}
	return PlaceholderFrame()
}

func (p *Provider) tryRead() (gocv.Mat, bool) {
	if p.capture == nil || !p.capture.IsOpened() {
		return gocv.Mat{}, false
	}
	frame := gocv.NewMat()
	if ok := p.capture.Read(&frame); !ok || frame.Empty() {
		frame.Close()
		return gocv.Mat{}, false
	}
	return frame, true
}

// Close releases the capture handle.
func (p *Provider) Close() {
	if p.capture != nil {
		p.capture.Close()
		p.capture = nil
	}
}

func (p *Provider) open() {
	for _, cand := range p.candidates() {
		vc, err := gocv.OpenVideoCapture(cand.source)
		if err != nil || !vc.IsOpened() {
			if vc != nil {
				vc.Close()
			}
			p.logger.Warnf("camera source open failed: %s", cand.desc)
			continue
		}
		p.capture = vc
		p.sourceDesc = cand.desc
		p.openFailedLogged = false
		p.logger.Infof("camera source opened: %s", cand.desc)
		return
	}

	p.capture = nil
	p.sourceDesc = "placeholder"
	if !p.openFailedLogged {
		p.logger.Errorf("all camera sources failed. using placeholder frames")
		p.openFailedLogged = true
	}
}

func (p *Provider) candidates() []candidate {
	cfg := p.cfg
	var out []candidate

	useHikvision := cfg.CameraMode == ModeAuto || cfg.CameraMode == ModeHikvision
	useWebcam := cfg.CameraMode == ModeAuto || cfg.CameraMode == ModeWebcam

	if useHikvision {
		rtsp := cfg.HikvisionRTSP
		if rtsp == "" && cfg.HikvisionIP != "" {
			rtsp = BuildHikvisionRTSP(cfg.HikvisionIP, cfg.HikvisionPassword, cfg.HikvisionType)
		}
		if rtsp != "" {
			out = append(out, candidate{rtsp, fmt.Sprintf("hikvision_rtsp(%s)", rtsp)})
		}
	}

	if useWebcam {
		if idx, err := strconv.Atoi(cfg.VideoSource); err == nil {
			out = append(out, candidate{idx, fmt.Sprintf("webcam_index(%s)", cfg.VideoSource)})
		} else {
			out = append(out, candidate{cfg.VideoSource, fmt.Sprintf("video_source(%s)", cfg.VideoSource)})
		}
	}

	if len(out) == 0 {
		out = append(out, candidate{0, "webcam_index(0)"})
	}
	return out
}

var (
	placeholderOnce sync.Once
	placeholderMat  gocv.Mat
)

// PlaceholderFrame returns a copy of the cached placeholder; the caller
// owns the returned Mat.
func PlaceholderFrame() gocv.Mat {
	placeholderOnce.Do(func() {
		placeholderMat = NewPlaceholderFrame()
	})
	return placeholderMat.Clone()
}
