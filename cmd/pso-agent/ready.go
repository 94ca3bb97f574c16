package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// waitForBackend polls base until it answers at all. Any HTTP response counts
// as ready; only transport errors keep waiting.
func waitForBackend(ctx context.Context, base string, timeout time.Duration, logger *zap.Logger) error {
	client := &http.Client{Timeout: 5 * time.Second}
	check := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	logger.Info("Waiting for backend", zap.String("url", base), zap.Duration("timeout", timeout))
	var lastErr error
	for {
		if lastErr = check(); lastErr == nil {
			logger.Info("Backend is ready")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timeout waiting for backend %s: %w", base, lastErr)
		case <-ticker.C:
		}
	}
}
