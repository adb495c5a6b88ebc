// Package e2e drives a running BAN server through Gherkin scenarios.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// TestContext carries the HTTP exchange of one scenario.
type TestContext struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client

	status int
	body   []byte
	token  string
	saved  map[string]string
}

func NewTestContext(baseURL, clientID, clientSecret string) *TestContext {
	return &TestContext{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 10 * time.Second},
		saved:        map[string]string{},
	}
}

// Reset clears per-scenario state.
func (tc *TestContext) Reset() {
	tc.status = 0
	tc.body = nil
	tc.token = ""
	tc.saved = map[string]string{}
}

func (tc *TestContext) Credentials() (string, string) {
	return tc.clientID, tc.clientSecret
}

func (tc *TestContext) SetToken(token string) { tc.token = token }

// Save stores value under name for later {name} expansion.
func (tc *TestContext) Save(name, value string) { tc.saved[name] = value }

// Expand substitutes every {name} saved earlier in the scenario.
func (tc *TestContext) Expand(s string) string {
	for name, value := range tc.saved {
		s = strings.ReplaceAll(s, "{"+name+"}", value)
	}
	return s
}

func (tc *TestContext) Status() int { return tc.status }

// Field reads a gjson path from the last response body.
func (tc *TestContext) Field(path string) (string, bool) {
	res := gjson.GetBytes(tc.body, path)
	return res.String(), res.Exists()
}

// Request sends body as JSON, with the current token when one is set.
func (tc *TestContext) Request(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, tc.baseURL+tc.Expand(path), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return tc.do(req)
}

// PostForm sends an url-encoded form, the way OAuth clients call /token.
func (tc *TestContext) PostForm(path string, values url.Values) error {
	req, err := http.NewRequest(http.MethodPost, tc.baseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return tc.do(req)
}

func (tc *TestContext) do(req *http.Request) error {
	if tc.token != "" {
		req.Header.Set("Authorization", "Bearer "+tc.token)
	}
	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	tc.status = resp.StatusCode
	tc.body, err = io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}
