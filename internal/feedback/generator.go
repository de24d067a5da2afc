// Package feedback turns a scored session into coaching text: a remote
// chat-completion call comparing the reference and best-frame images when
// enabled and credentialed, with a deterministic local Korean coach as the
// always-available fallback.
package feedback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/edaniels/golog"
)

// LocalModel is the feedback_model value reported by the local coach.
const LocalModel = "local-fallback"

// APIKeyEnv enables the remote path when set (and allowed by config).
const APIKeyEnv = "OPENAI_API_KEY"

const (
	defaultEndpoint  = "https://api.openai.com/v1/chat/completions"
	minRemoteTimeout = 5 * time.Second
	maxErrorDetail   = 1200
)

// Generator produces (feedback text, model id) for a finished session.
type Generator struct {
	enabled  bool
	model    string
	timeout  time.Duration
	endpoint string
	client   *http.Client
	logger   golog.Logger
}

// NewGenerator builds a generator. enabled gates the remote call; the local
// coach needs nothing.
func NewGenerator(enabled bool, model string, timeout time.Duration, logger golog.Logger) *Generator {
	if timeout < minRemoteTimeout {
		timeout = minRemoteTimeout
	}
	return &Generator{
		enabled:  enabled,
		model:    model,
		timeout:  timeout,
		endpoint: defaultEndpoint,
		client:   &http.Client{},
		logger:   logger,
	}
}

// SetEndpoint overrides the remote endpoint; used by tests.
func (g *Generator) SetEndpoint(url string) { g.endpoint = url }

// Generate returns coaching text for the session. Any remote failure falls
// back to the local coach silently (one warning log).
func (g *Generator) Generate(referenceImageB64, candidateImageB64 string, metrics map[string]any) (string, string) {
	apiKey := strings.TrimSpace(os.Getenv(APIKeyEnv))
	if g.enabled && apiKey != "" {
		text, err := g.requestRemote(apiKey, referenceImageB64, candidateImageB64, metrics)
		if err == nil {
			return text, g.model
		}
		g.logger.Warnf("remote feedback failed. fallback to local coach: %v", err)
	}
	return BuildLocalFeedback(metrics), LocalModel
}

func (g *Generator) requestRemote(apiKey, refB64, candB64 string, metrics map[string]any) (string, error) {
	refURL := "data:image/jpeg;base64," + refB64
	candURL := "data:image/jpeg;base64," + candB64

	score := metricFloat(metrics, "score")
	validJoints := int(metricFloat(metrics, "valid_joints"))
	mode := metricString(metrics, "mode", "NORMAL")
	coordErr := metrics["coord_err"]
	angleErr := metrics["angle_err"]
	angleDiffs := metrics["angle_diffs"]

	prompt := fmt.Sprintf(
		"첫 번째 이미지는 기준 자세, 두 번째 이미지는 사용자의 최고점 프레임입니다. "+
			"얼굴/배경은 무시하고 신체 정렬만 비교하세요.\n"+
			"score=%.1f, valid_joints=%d, mode=%s, coord_err=%v, angle_err=%v, angle_diffs=%v.\n"+
			"한국어로 작성하고 아래 형식을 정확히 지키세요.\n"+
			"1) 핵심 오차 요약 2줄\n"+
			"2) 수정 포인트 5개 (각 항목: 문제 / 교정 방법)\n"+
			"3) 20초 교정 루틴 1개\n"+
			"짧고 실행 가능하게 작성하세요.",
		score, validJoints, mode, coordErr, angleErr, angleDiffs)

	payload := map[string]any{
		"model":       g.model,
		"temperature": 0.2,
		"max_tokens":  500,
		"messages": []map[string]any{
			{
				"role":    "system",
				"content": "너는 공원 체육기기용 자세 코칭 전문가다. 기준 사진과 사용자 프레임을 비교해 즉시 적용 가능한 교정 지침을 준다.",
			},
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
					{"type": "image_url", "image_url": map[string]any{"url": refURL}},
					{"type": "image_url", "image_url": map[string]any{"url": candURL}},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	client := *g.client
	client.Timeout = g.timeout
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		detail := string(respBody)
		if len(detail) > maxErrorDetail {
			detail = detail[len(detail)-maxErrorDetail:]
		}
		return "", fmt.Errorf("remote feedback status %s: %s", resp.Status, detail)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("remote feedback returned no choices")
	}

	text := decodeContent(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("remote feedback returned empty content")
	}
	return text, nil
}

// decodeContent accepts both the plain-string and the typed-parts content
// shapes of chat-completion responses.
func decodeContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var texts []string
		for _, p := range parts {
			if p.Type == "text" {
				texts = append(texts, p.Text)
			}
		}
		return strings.TrimSpace(strings.Join(texts, "\n"))
	}
	return ""
}

// BuildLocalFeedback is the deterministic coach: a score category, the
// top-3 angle gaps, and a fixed correction checklist with a 20-second
// routine.
func BuildLocalFeedback(metrics map[string]any) string {
	score := metricFloat(metrics, "score")
	mode := metricString(metrics, "mode", "NORMAL")

	type angleGap struct {
		name string
		diff float64
	}
	var gaps []angleGap
	if diffs, ok := metrics["angle_diffs"].(map[string]float64); ok {
		for name, diff := range diffs {
			if !math.IsNaN(diff) && !math.IsInf(diff, 0) {
				gaps = append(gaps, angleGap{name, diff})
			}
		}
	}
	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].diff != gaps[j].diff {
			return gaps[i].diff > gaps[j].diff
		}
		return gaps[i].name < gaps[j].name
	})
	if len(gaps) > 3 {
		gaps = gaps[:3]
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("점수 %.1f점 (%s) 기준 자동 교정 결과입니다.", score, mode))
	switch {
	case score >= 85:
		lines = append(lines, "자세가 전반적으로 안정적입니다. 유지한 상태에서 호흡만 더 정리하면 좋습니다.")
	case score >= 70:
		lines = append(lines, "자세가 거의 맞지만, 관절 정렬 오차가 일부 남아 있습니다.")
	default:
		lines = append(lines, "기준 자세와 차이가 큽니다. 아래 3가지부터 먼저 고정하세요.")
	}

	if len(gaps) > 0 {
		lines = append(lines, "핵심 오차 부위:")
		for _, gap := range gaps {
			lines = append(lines, fmt.Sprintf("- %s: 약 %.1f도 차이", gap.name, gap.diff))
		}
	}

	lines = append(lines,
		"수정 가이드:",
		"- 어깨: 양쪽 높이를 맞추고 가슴을 과하게 열지 않기",
		"- 팔꿈치: 기준 사진 각도까지 천천히 접거나 펴기",
		"- 골반: 좌우 회전 없이 정면 유지, 허리 과신전 방지",
		"- 무릎: 발끝 방향과 동일한 축으로 정렬",
		"- 발목/발끝: 체중을 발 중앙에 두고 흔들림 최소화",
		"20초 교정 루틴:",
		"1) 10초간 골반-어깨 수평 맞추기",
		"2) 10초간 팔꿈치/무릎 각도만 기준 사진에 맞추기",
	)
	return strings.Join(lines, "\n")
}

func metricFloat(metrics map[string]any, key string) float64 {
	switch v := metrics[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func metricString(metrics map[string]any, key, fallback string) string {
	if s, ok := metrics[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
