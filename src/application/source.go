package application

import (
	"context"
	"path/filepath"
	"strings"

	getter "github.com/hashicorp/go-getter/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/input-output-hk/branchline/src/domain"
)

type SourceRequest struct {
	Repository string
	Branch     domain.Branch
	Commit     string
}

type SourceFetcher interface {
	// Fetch downloads the requested revision into dst, which must not exist.
	Fetch(ctx context.Context, request SourceRequest, dst string) error
}

type getterSourceFetcher struct {
	// Prepended to repositories given as a bare name.
	BaseUrl string
	logger  zerolog.Logger
}

func NewSourceFetcher(baseUrl string, logger *zerolog.Logger) SourceFetcher {
	return &getterSourceFetcher{
		BaseUrl: baseUrl,
		logger:  logger.With().Str("component", "SourceFetcher").Logger(),
	}
}

func (self *getterSourceFetcher) Fetch(ctx context.Context, request SourceRequest, dst string) error {
	src := self.Url(request)
	logger := self.logger.With().Str("src", src).Str("dst", dst).Logger()

	logger.Debug().Msg("Fetching source")
	result, err := getter.GetAny(ctx, dst, src)
	if err != nil {
		return errors.WithMessagef(err, "Could not fetch %q", src)
	}
	if result.Dst != dst {
		return errors.Errorf("go-getter downloaded %q to %q instead of %q", src, result.Dst, dst)
	}
	logger.Debug().Msg("Fetched source")

	return nil
}

func isLocalPath(repository string) bool {
	return filepath.IsAbs(repository) ||
		strings.HasPrefix(repository, "./") ||
		strings.HasPrefix(repository, "../") ||
		strings.HasPrefix(repository, "file::")
}

// Url builds the go-getter source string for the requested revision.
func (self *getterSourceFetcher) Url(request SourceRequest) string {
	src := request.Repository
	if isLocalPath(src) {
		return src
	}

	if self.BaseUrl != "" && !strings.Contains(src, "/") && !strings.Contains(src, "::") {
		src = self.BaseUrl + src
	}

	ref := request.Commit
	if ref == "" {
		ref = request.Branch.String()
	}
	if ref == "" {
		return src
	}

	separator := "?"
	if strings.Contains(src, "?") {
		separator = "&"
	}
	return src + separator + "ref=" + ref
}
