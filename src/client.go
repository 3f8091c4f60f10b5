package branchline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/input-output-hk/branchline/src/config"
)

// ApiOpts are shared by the commands that talk to a running instance.
type ApiOpts struct {
	ApiUrl  string `arg:"--api-url,env:BRANCHLINE_API_URL" default:"http://127.0.0.1:8080/api"`
	Retries int    `arg:"--retries" default:"2"`
}

type apiClient struct {
	baseUrl string
	client  *retryablehttp.Client
}

type apiStatusError struct {
	StatusCode int
	Body       string
}

func (self *apiStatusError) Error() string {
	return fmt.Sprintf("API responded with status %d: %s", self.StatusCode, self.Body)
}

func newApiClient(opts ApiOpts, logger *zerolog.Logger) *apiClient {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.Retries
	client.Logger = config.RetryableHttpLogger{Logger: logger.With().Str("component", "ApiClient").Logger()}

	return &apiClient{
		baseUrl: strings.TrimSuffix(opts.ApiUrl, "/"),
		client:  client,
	}
}

// do sends body as JSON and decodes the response into out unless out is nil.
func (self *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return errors.WithMessage(err, "Could not encode request body")
		}
		reader = buf
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, self.baseUrl+path, reader)
	if err != nil {
		return errors.WithMessagef(err, "Could not create request to %s", path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := self.client.Do(req)
	if err != nil {
		return errors.WithMessagef(err, "Could not %s %s", method, path)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &apiStatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}

	return errors.WithMessage(json.NewDecoder(res.Body).Decode(out), "Could not decode response")
}
