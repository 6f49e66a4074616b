package gemini

import (
	"context"
	"errors"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"gcli2api/internal/credential"
	"gcli2api/internal/oauth"
)

// ErrNoCredentials means every pool credential was disabled, cooling down or
// exhausted by retries.
var ErrNoCredentials = errors.New("no available credentials")

// Dispatcher drives the credential pool through backend calls: it picks a
// credential, keeps its access token fresh and rotates to another credential
// on rate limits and server errors.
type Dispatcher struct {
	client     *Client
	pool       *credential.Pool
	maxRetries int
}

func NewDispatcher(client *Client, pool *credential.Pool, maxRetries int) *Dispatcher {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Dispatcher{client: client, pool: pool, maxRetries: maxRetries}
}

// Do sends the payload for model, rotating credentials on retryable
// failures. A 429 cools the credential down for this model, a 5xx rotates,
// any other 4xx is returned to the caller as-is. The selected credential
// filename accompanies the response.
// IMPORTANT: Caller MUST close resp.Body on success.
func (d *Dispatcher) Do(ctx context.Context, model string, payload map[string]any, stream bool) (*http.Response, string, error) {
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		cred, ok := d.pool.Get(ctx, model)
		if !ok {
			return nil, "", ErrNoCredentials
		}
		logger := log.WithFields(log.Fields{"credential": cred.Filename, "model": model, "attempt": attempt + 1})

		creds, err := oauth.FromMap(cred.Data)
		if err != nil {
			logger.WithError(err).Warn("unusable credential bundle")
			d.pool.RecordError(ctx, cred.Filename, model, 401)
			continue
		}
		if creds.IsExpired() {
			if err := d.refresh(ctx, cred, creds); err != nil {
				logger.WithError(err).Warn("token refresh failed")
				d.pool.RecordError(ctx, cred.Filename, model, 401)
				continue
			}
		}

		resp, err := d.send(ctx, model, payload, creds.AccessToken, stream)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			logger.WithError(err).Warn("backend call failed")
			d.pool.RecordError(ctx, cred.Filename, model, http.StatusBadGateway)
			continue
		}

		// One forced refresh per attempt when the backend rejects a token
		// that looked fresh locally.
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			if err := d.refresh(ctx, cred, creds); err == nil {
				resp, err = d.send(ctx, model, payload, creds.AccessToken, stream)
				if err != nil {
					logger.WithError(err).Warn("backend call failed after refresh")
					d.pool.RecordError(ctx, cred.Filename, model, http.StatusBadGateway)
					continue
				}
			} else {
				logger.WithError(err).Warn("forced token refresh failed")
				d.pool.RecordError(ctx, cred.Filename, model, http.StatusUnauthorized)
				continue
			}
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			d.pool.RecordSuccess(ctx, cred.Filename)
			d.pool.IncrementCallCount(ctx, cred.Filename)
			return resp, cred.Filename, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			logger.Info("rate limited, rotating credential")
			drain(resp)
			d.pool.RecordError(ctx, cred.Filename, model, resp.StatusCode)
		case resp.StatusCode >= 500:
			logger.WithField("status", resp.StatusCode).Warn("backend error, rotating credential")
			drain(resp)
			d.pool.RecordError(ctx, cred.Filename, model, resp.StatusCode)
		default:
			// Client errors other than auth/rate problems are the caller's
			// to inspect and forward.
			d.pool.RecordError(ctx, cred.Filename, model, resp.StatusCode)
			return resp, cred.Filename, nil
		}
	}
	return nil, "", ErrNoCredentials
}

func (d *Dispatcher) send(ctx context.Context, model string, payload map[string]any, token string, stream bool) (*http.Response, error) {
	if stream {
		return d.client.Stream(ctx, model, payload, token)
	}
	return d.client.Generate(ctx, model, payload, token)
}

func (d *Dispatcher) refresh(ctx context.Context, cred *credential.Credential, creds *oauth.Credentials) error {
	if err := oauth.Refresh(ctx, creds); err != nil {
		return err
	}
	creds.Apply(cred.Data)
	d.pool.UpdateData(ctx, cred.Filename, cred.Data)
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
