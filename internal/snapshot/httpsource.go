package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPSourceConfig tunes the polling client.
type HTTPSourceConfig struct {
	BaseURL       string        // snapshot service base URL, e.g. http://localhost:8091
	Timeout       time.Duration // per-request timeout, default 5s
	MaxRetries    int           // attempts per Next call, default 3
	BackoffBase   time.Duration // first retry delay, default 100ms
	BackoffMax    time.Duration // delay ceiling, default 5s
}

func (c HTTPSourceConfig) defaults() HTTPSourceConfig {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 5 * time.Second
	}
	return c
}

// HTTPSource polls a snapshot service over HTTP. Each Next call fetches
// GET {base}/snapshot and expects one Context as JSON. Transient failures
// retry with exponential backoff inside the call; exhausting the retries
// surfaces a *FetchError, which the loop treats as a skipped cycle.
type HTTPSource struct {
	cfg    HTTPSourceConfig
	client *http.Client
}

func NewHTTPSource(cfg HTTPSourceConfig) *HTTPSource {
	cfg = cfg.defaults()
	return &HTTPSource{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *HTTPSource) Next(ctx context.Context) (Context, error) {
	var lastErr error
	delay := s.cfg.BackoffBase
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("retrying snapshot poll")
			select {
			case <-ctx.Done():
				return Context{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.cfg.BackoffMax {
				delay = s.cfg.BackoffMax
			}
		}

		snap, err := s.poll(ctx)
		if err == nil {
			return snap, nil
		}
		lastErr = err
	}
	return Context{}, &FetchError{Op: "poll", Err: lastErr}
}

func (s *HTTPSource) poll(ctx context.Context) (Context, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/snapshot", nil)
	if err != nil {
		return Context{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Context{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Context{}, fmt.Errorf("snapshot service returned %s", resp.Status)
	}

	var snap Context
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Context{}, err
	}
	if err := snap.Validate(); err != nil {
		return Context{}, err
	}
	return snap, nil
}
