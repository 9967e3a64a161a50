package webchat

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxResponseBytes = 4 << 20

type unaryTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
}

var _ Transport = &unaryTransport{}

func newUnaryTransport(botURL string, headers map[string]string, client *http.Client) *unaryTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &unaryTransport{url: botURL, headers: headers, client: client}
}

func (t *unaryTransport) Dispatch(ctx context.Context, body []byte) (Result, error) {
	if t == nil || t.client == nil {
		return Result{}, errors.New("webchat: unary transport is not initialized")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrap(err, "webchat: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, errors.Wrap(err, "webchat: post to bot")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, errors.Wrap(err, "webchat: read bot response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debug().Str("component", "webchat.http").Int("status", resp.StatusCode).Int("bytes", len(data)).Msg("bot returned error status")
		return Result{}, errors.Wrapf(ErrUnexpectedStatus, "status %d", resp.StatusCode)
	}
	payload, err := DecodeBotPayload(data)
	if err != nil {
		return Result{}, err
	}
	return Result{Payload: payload}, nil
}

func (t *unaryTransport) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	t.client.CloseIdleConnections()
	return nil
}
