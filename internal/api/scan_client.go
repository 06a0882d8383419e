package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aleister1102/vulnerax/internal/agent"
	"github.com/aleister1102/vulnerax/internal/httpclient"
	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/rs/zerolog"
)

// ScanClient is the submission side of the dispatch proxy: it turns a URL
// into "Scan <url>", posts it to /api/scan and hands back the JSON as text.
type ScanClient struct {
	http    *httpclient.HTTPClient
	baseURL string
	token   string
}

// NewScanClient targets the API at baseURL, authenticating with token.
func NewScanClient(baseURL, token string, logger zerolog.Logger) (*ScanClient, error) {
	client, err := httpclient.NewHTTPClientBuilder(logger).
		WithTimeout(0).
		WithFollowRedirects(false).
		Build()
	if err != nil {
		return nil, err
	}
	return &ScanClient{
		http:    client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}, nil
}

// Submit requests a scan of targetURL. The result is the proxy's JSON,
// indented, or "Error: <message>" when the request could not be completed.
func (c *ScanClient) Submit(ctx context.Context, targetURL string) string {
	if strings.TrimSpace(targetURL) == "" {
		return "Error: please enter a URL"
	}

	body, err := agent.EncodeRequest(models.ScanInstruction(targetURL))
	if err != nil {
		return "Error: " + err.Error()
	}

	headers := map[string]string{}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}

	resp, err := c.http.PostJSON(&httpclient.HTTPRequest{
		URL:     c.baseURL + "/api/scan",
		Body:    bytes.NewReader(body),
		Headers: headers,
		Context: ctx,
	})
	if err != nil {
		return "Error: " + err.Error()
	}

	if !resp.IsSuccess() {
		var apiErr errorResponse
		if json.Unmarshal(resp.Body, &apiErr) == nil && apiErr.Error != "" {
			return "Error: " + apiErr.Error
		}
		return fmt.Sprintf("Error: request failed with status code %d", resp.StatusCode)
	}

	if len(bytes.TrimSpace(resp.Body)) == 0 || string(bytes.TrimSpace(resp.Body)) == "null" {
		return "No response from agent."
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Body, "", "  "); err != nil {
		return "Error: " + err.Error()
	}
	return pretty.String()
}
