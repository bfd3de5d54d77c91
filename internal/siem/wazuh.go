package siem

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WazuhSink posts records to the Wazuh server API, authenticating per send.
type WazuhSink struct {
	baseURL  string
	user     string
	password string
	client   *http.Client
}

// NewWazuhSink creates a Wazuh sink for baseURL.
func NewWazuhSink(baseURL, user, password string, insecure bool, timeout time.Duration) (*WazuhSink, error) {
	if baseURL == "" {
		return nil, errors.New("wazuh: url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed manager certs
	}
	return &WazuhSink{
		baseURL:  strings.TrimRight(baseURL, "/"),
		user:     user,
		password: password,
		client:   &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (w *WazuhSink) Name() string { return ModeWazuh }

func (w *WazuhSink) Send(ctx context.Context, rec Record) error {
	token, err := w.authenticate(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wazuh: marshal record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("wazuh: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("wazuh: send event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wazuh: send event: status %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}
	return nil
}

func (w *WazuhSink) authenticate(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"username": w.user, "password": w.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/security/user/authenticate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("wazuh: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(w.user, w.password)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wazuh: authenticate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wazuh: authenticate: status %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}

	var out struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("wazuh: decode auth response: %w", err)
	}
	if out.Data.Token == "" {
		return "", errors.New("wazuh: auth response has no token")
	}
	return out.Data.Token, nil
}

func (w *WazuhSink) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

// readSnippet returns at most 256 bytes of an error body.
func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}
