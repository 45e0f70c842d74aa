// Package mirror is the executor-side client that best-effort pushes run
// reports to a remote compliance mirror server, and the mirror server's own
// storage/rest sub-packages (internal/mirror/storage, internal/mirror/rest).
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nightcore/executor/internal/mirror/rest"
	"github.com/nightcore/executor/internal/orchestrator"
)

// Client pushes orchestrator.RunReports to a remote mirror server over HTTP.
// A push failure is returned to the caller, which logs it: the mirror is an
// optional, best-effort compliance sink, never a dependency of a tenant run
// succeeding.
type Client struct {
	endpoint string
	token    string
	origin   string
	http     *http.Client
	logger   *slog.Logger
}

// New constructs a Client targeting endpoint, authenticating with the given
// shared bearer token, bounded by timeout. origin identifies this executor
// instance in pushed reports (e.g. its hostname or a deployment tag).
func New(endpoint, token, origin string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		origin:   origin,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// PushReport translates a RunReport into a batch of proof submissions and
// POSTs them to <endpoint>/api/v1/proofs. Errors are returned unlogged so
// the caller (internal/supervisor) can decide whether to warn, but a push
// failure is never treated as fatal to the run itself.
func (c *Client) PushReport(ctx context.Context, report orchestrator.RunReport) error {
	if len(report.Results) == 0 {
		return nil
	}

	submissions := make([]rest.ProofSubmission, 0, len(report.Results))
	for _, res := range report.Results {
		submissions = append(submissions, rest.ProofSubmission{
			TenantID:     res.Tenant,
			ModuleSHA256: res.Proof.ModuleSHA256,
			SignerKeyB64: res.Proof.SignerKeyB64,
			Backend:      res.Proof.Backend,
			Status:       res.Proof.Status,
			StartedAt:    res.Proof.StartedAt,
			FinishedAt:   res.Proof.FinishedAt,
		})
	}

	body := rest.PushRequest{
		ExecutorOrigin: c.origin,
		Proofs:         submissions,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mirror: marshal push request: %w", err)
	}

	url := c.endpoint + "/api/v1/proofs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("mirror: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mirror: push report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mirror: push report: server returned %d", resp.StatusCode)
	}

	c.logger.Debug("pushed run report to mirror", slog.Int("proofs", len(submissions)))
	return nil
}

// Close releases the client's idle HTTP connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
