package pose

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/edaniels/golog"
)

// ModelPathEnv overrides the landmark-model location when set.
const ModelPathEnv = "MEDIAPIPE_POSE_MODEL_PATH"

const (
	modelCacheApp  = "ai_box_server"
	modelFileName  = "pose_landmarker_lite.task"
	modelURL       = "https://storage.googleapis.com/mediapipe-models/pose_landmarker/pose_landmarker_lite/float16/latest/pose_landmarker_lite.task"
	modelUserAgent = "ai-box-stand-hold/0.1"

	modelDownloadTimeout = 30 * time.Second
	maxModelBytes        = 64 << 20
)

// ResolveModelPath returns the on-disk path of the pose landmark model.
// The environment override wins and must point at an existing file. Without
// an override, the shared cache under the user cache dir is used and the
// model is downloaded once if missing; a file that appears concurrently
// wins over a fresh download.
func ResolveModelPath(logger golog.Logger) (string, error) {
	if envPath := os.Getenv(ModelPathEnv); envPath != "" {
		info, err := os.Stat(envPath)
		if err != nil || info.IsDir() {
			return "", fmt.Errorf("%s is set but file does not exist: %s", ModelPathEnv, envPath)
		}
		return envPath, nil
	}

	cacheRoot, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving cache dir: %w", err)
	}
	cacheDir := filepath.Join(cacheRoot, modelCacheApp)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("creating model cache dir: %w", err)
	}

	modelPath := filepath.Join(cacheDir, modelFileName)
	if info, err := os.Stat(modelPath); err == nil && !info.IsDir() {
		return modelPath, nil
	}

	logger.Infof("downloading pose model: %s", modelURL)
	if err := downloadModel(modelPath); err != nil {
		return "", fmt.Errorf("downloading pose model: %w", err)
	}
	return modelPath, nil
}

func downloadModel(dst string) error {
	req, err := http.NewRequest(http.MethodGet, modelURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", modelUserAgent)

	client := &http.Client{Timeout: modelDownloadTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), modelFileName+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, io.LimitReader(resp.Body, maxModelBytes)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Another process may have populated the cache while we downloaded;
	// the existing file wins.
	if info, err := os.Stat(dst); err == nil && !info.IsDir() {
		return nil
	}
	return os.Rename(tmp.Name(), dst)
}
