package requests

// requests is a library for making JSON requests to HTTP APIs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// RequestJSON sends body as JSON, and decodes the JSON response into a T.
// A nil client means http.DefaultClient.
func RequestJSON[T any](ctx context.Context, client *http.Client, method, url string, body any) (response *T, err error) {
	if client == nil {
		client = http.DefaultClient
	}
	var bodyR io.Reader
	if body != nil {
		bodyB, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyR = bytes.NewReader(bodyB)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyR)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%v. %v", resp.Status, string(msg))
	}
	var responseObj T
	if err := json.NewDecoder(resp.Body).Decode(&responseObj); err != nil {
		return nil, fmt.Errorf("%v. %w", resp.Status, err)
	}
	response = &responseObj
	return
}
