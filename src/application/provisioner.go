package application

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/input-output-hk/branchline/src/config"
	"github.com/input-output-hk/branchline/src/domain"
)

// Provisioner turns infrastructure descriptions into resources.
// Both operations are assumed to be atomic.
type Provisioner interface {
	Apply(ctx context.Context, target domain.StackTarget, description []byte) error
	Destroy(ctx context.Context, target domain.StackTarget) error
}

type httpProvisioner struct {
	BaseUrl string
	client  *retryablehttp.Client
	logger  zerolog.Logger
}

// NewHttpProvisioner talks to a provisioning service that exposes
// PUT and DELETE on <baseUrl>/stacks/<stack name>.
func NewHttpProvisioner(baseUrl string, retryMax int, logger *zerolog.Logger) Provisioner {
	componentLogger := logger.With().Str("component", "HttpProvisioner").Logger()

	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.Logger = config.RetryableHttpLogger{Logger: componentLogger}

	return &httpProvisioner{
		BaseUrl: strings.TrimSuffix(baseUrl, "/"),
		client:  client,
		logger:  componentLogger,
	}
}

func (self *httpProvisioner) stackUrl(target domain.StackTarget) string {
	return self.BaseUrl + "/stacks/" + url.PathEscape(target.Name)
}

func (self *httpProvisioner) Apply(ctx context.Context, target domain.StackTarget, description []byte) error {
	logger := self.logger.With().Str("stack", target.Name).Str("kind", string(target.Kind)).Logger()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, self.stackUrl(target), bytes.NewReader(description))
	if err != nil {
		return errors.WithMessagef(err, "Could not create request to apply stack %q", target.Name)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Branchline-Branch", target.Branch.String())
	req.Header.Set("X-Branchline-Stack-Kind", string(target.Kind))

	logger.Debug().Int("bytes", len(description)).Msg("Applying stack")
	if err := self.do(req); err != nil {
		return errors.WithMessagef(err, "Could not apply stack %q", target.Name)
	}
	logger.Debug().Msg("Applied stack")

	return nil
}

func (self *httpProvisioner) Destroy(ctx context.Context, target domain.StackTarget) error {
	logger := self.logger.With().Str("stack", target.Name).Str("kind", string(target.Kind)).Logger()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, self.stackUrl(target), nil)
	if err != nil {
		return errors.WithMessagef(err, "Could not create request to destroy stack %q", target.Name)
	}
	req.Header.Set("X-Branchline-Branch", target.Branch.String())
	req.Header.Set("X-Branchline-Stack-Kind", string(target.Kind))

	logger.Debug().Msg("Destroying stack")
	err = self.do(req)
	var statusErr *provisionerStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		logger.Debug().Msg("Stack did not exist")
		return nil
	} else if err != nil {
		return errors.WithMessagef(err, "Could not destroy stack %q", target.Name)
	}
	logger.Debug().Msg("Destroyed stack")

	return nil
}

type provisionerStatusError struct {
	StatusCode int
	Body       string
}

func (self *provisionerStatusError) Error() string {
	return fmt.Sprintf("provisioner responded with status %d: %s", self.StatusCode, self.Body)
}

func (self *httpProvisioner) do(req *retryablehttp.Request) error {
	res, err := self.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &provisionerStatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
}
