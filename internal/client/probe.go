package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

type healthResponse struct {
	Status string `json:"status"`
}

// probe performs the health check that gates every connection attempt.
func probe(ctx context.Context, hc *http.Client, healthURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	resp, err := hc.Do(req)
	if err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return errors.Wrapf(ErrUnreachable, "health returned %d", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Status != "" && body.Status != "ok" {
		return errors.Wrapf(ErrUnreachable, "health status %q", body.Status)
	}
	return nil
}

// socketURL maps an http(s) base URL to the ws(s) endpoint.
func socketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func healthURL(base string) string {
	return strings.TrimRight(base, "/") + "/health"
}
