package llm

import (
	"context"
	"fmt"
	"os"
	"time"
)

func clientTimeout() time.Duration {
	if v := os.Getenv("LLM_HTTP_TIMEOUT_MS"); v != "" {
		if ms, err := time.ParseDuration(v + "ms"); err == nil {
			return ms
		}
	}
	return 45 * time.Second
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	if te, ok := err.(timeout); ok {
		return te.Timeout()
	}
	return false
}

func backoff(i int) time.Duration {
	return time.Duration(500*(1<<i)) * time.Millisecond
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryableStatus(code int) bool {
	return code == 408 || code == 429 || (code >= 500 && code <= 599)
}

// verifyWith runs a verification prompt through gen. Non-empty text counts as
// a pass; the verifier agent parses a stricter JSON verdict when present.
func verifyWith(ctx context.Context, gen func(context.Context, string) (string, error), prompt, output string) (bool, string, error) {
	txt, err := gen(ctx, fmt.Sprintf("%s\nOutput to judge:\n%s", prompt, output))
	if err != nil {
		return false, "", err
	}
	return txt != "", txt, nil
}
