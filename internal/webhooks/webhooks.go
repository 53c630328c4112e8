// Package webhooks posts a JSON summary of every finished run to the
// configured URLs.
package webhooks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lherron/upm/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout     = 500 * time.Millisecond
	defaultConcurrency = 4
)

// Payload is the webhook payload for a finished run.
type Payload struct {
	RunUUID     string           `json:"run_uuid"`
	MigrationID string           `json:"migration_id"`
	Operation   string           `json:"operation"`
	Version     string           `json:"version,omitempty"`
	Counts      domain.RunCounts `json:"counts"`
	Error       *string          `json:"error"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at"`
}

// NewPayload builds the payload of run.
func NewPayload(run *domain.Run) Payload {
	return Payload{
		RunUUID:     run.UUID,
		MigrationID: run.MigrationID,
		Operation:   run.Operation,
		Version:     run.Version,
		Counts:      run.Counts,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
	}
}

// Dispatcher delivers run payloads. Delivery failures are logged and never
// reach the run that triggered them.
type Dispatcher struct {
	urls   []string
	client *http.Client
	log    logrus.FieldLogger
}

// New returns a Dispatcher for urls, or nil when there are none. A nil
// Dispatcher ignores every run.
func New(urls []string, logger logrus.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if len(urls) == 0 {
		return nil
	}
	return &Dispatcher{
		urls:   urls,
		client: &http.Client{Timeout: defaultTimeout},
		log:    logger.WithField("component", "webhooks"),
	}
}

// RunFinished posts the payload of run to every target and waits for the
// deliveries to complete.
func (d *Dispatcher) RunFinished(run *domain.Run) {
	if d == nil || run == nil {
		return
	}
	payload := NewPayload(run)
	d.dispatchURLs(ResolveTargets(d.urls, payload, d.log), payload)
}

// ResolveTargets templates, normalizes and de-dupes webhook URLs. The
// placeholders {migration_id} and {operation} are replaced from payload.
func ResolveTargets(urls []string, payload Payload, logger logrus.FieldLogger) []string {
	if len(urls) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(urls))
	var normalized []string

	for _, raw := range urls {
		templated := strings.TrimSpace(applyTemplate(strings.TrimSpace(raw), payload))
		templated = strings.TrimRight(templated, "/")
		if templated == "" {
			continue
		}
		if !isValidWebhookURL(templated) {
			if logger != nil {
				logger.WithField("url", templated).Warn("skipping invalid webhook url")
			}
			continue
		}
		if _, ok := seen[templated]; ok {
			continue
		}
		seen[templated] = struct{}{}
		normalized = append(normalized, templated)
	}

	return normalized
}

func applyTemplate(raw string, payload Payload) string {
	result := strings.ReplaceAll(raw, "{migration_id}", url.PathEscape(payload.MigrationID))
	result = strings.ReplaceAll(result, "{operation}", payload.Operation)
	return result
}

func isValidWebhookURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}

func (d *Dispatcher) dispatchURLs(urls []string, payload Payload) {
	if len(urls) == 0 {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.log.WithError(err).Warn("failed to encode webhook payload")
		return
	}

	workers := defaultConcurrency
	if len(urls) < workers {
		workers = len(urls)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for endpoint := range jobs {
				d.send(endpoint, body)
			}
		}()
	}

	for _, endpoint := range urls {
		jobs <- endpoint
	}
	close(jobs)
	wg.Wait()
}

func (d *Dispatcher) send(endpoint string, body []byte) {
	log := d.log.WithField("url", endpoint)
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Warn("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("webhook request failed")
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.WithField("status", resp.StatusCode).Warn("webhook rejected")
	}
}
