package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// HTTPGetTool fetches the first URL found in the task text.
type HTTPGetTool struct {
	Client *http.Client
}

func (h *HTTPGetTool) Name() string { return "http_get" }

func (h *HTTPGetTool) Execute(ctx context.Context, req Request) (string, string, error) {
	url := urlPattern.FindString(req.input())
	if url == "" {
		return "", "", fmt.Errorf("missing url")
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(r)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	// limit body to avoid huge transfers
	max := envInt("HTTP_GET_MAX_BYTES", 2<<20)
	lr := io.LimitedReader{R: resp.Body, N: int64(max)}
	b, err := io.ReadAll(&lr)
	if err != nil {
		return "", "", err
	}
	logs := fmt.Sprintf("status=%d bytes=%d", resp.StatusCode, len(b))
	if lr.N == 0 {
		logs += " truncated=true"
	}
	return string(b), logs, nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
