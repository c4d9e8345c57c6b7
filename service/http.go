package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPError is returned when the server answers with an unexpected status
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Body)
}

// Temporary returns true for request timeouts, rate limiting and server errors
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// CheckResponse returns an HTTPError if the status of resp is not 2xx
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(bytes.TrimSpace(body))}
}

func HTTPPostWithAuth(ctx context.Context, client *http.Client, url string, body io.Reader, authName, authPswd, authToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPPost: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	return doWithAuth(client, req, authName, authPswd, authToken)
}

// HTTPPostJSON posts in as JSON and decodes the response into out (if not nil)
func HTTPPostJSON(ctx context.Context, client *http.Client, url string, in, out interface{}, authToken string) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("HTTPPostJSON.Marshal: %w", err)
	}
	resp, err := HTTPPostWithAuth(ctx, client, url, bytes.NewReader(b), "", "", authToken)
	if err != nil {
		return fmt.Errorf("HTTPPostJSON.%w", err)
	}
	defer resp.Body.Close()
	if err := CheckResponse(resp); err != nil {
		return fmt.Errorf("HTTPPostJSON[%s]: %w", url, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return MakeTemporary(fmt.Errorf("HTTPPostJSON.Decode: %w", err))
	}
	return nil
}

func doWithAuth(client *http.Client, req *http.Request, authName, authPswd, authToken string) (*http.Response, error) {
	if authName != "" {
		req.SetBasicAuth(authName, authPswd)
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	if client == nil {
		client = &http.Client{}
	}
	return client.Do(req)
}
