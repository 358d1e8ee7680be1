package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gpuforge/pkg/atomicfs"
	"github.com/openfroyo/gpuforge/pkg/engine"
)

// HTTPFetcher downloads files over HTTP(S) with resume support.
type HTTPFetcher struct {
	client           *http.Client
	userAgent        string
	progressInterval time.Duration
	logger           zerolog.Logger
}

// NewHTTPFetcher creates an HTTP fetcher. headerTimeout of zero waits
// indefinitely for response headers.
func NewHTTPFetcher(userAgent string, headerTimeout, progressInterval time.Duration, logger zerolog.Logger) *HTTPFetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	// Range offsets refer to the encoded body when compression is negotiated.
	transport.DisableCompression = true

	if userAgent == "" {
		userAgent = "gpuforge"
	}
	if progressInterval <= 0 {
		progressInterval = defaultProgressInterval
	}
	return &HTTPFetcher{
		client:           &http.Client{Transport: transport},
		userAgent:        userAgent,
		progressInterval: progressInterval,
		logger:           logger,
	}
}

func (f *HTTPFetcher) fetch(ctx context.Context, req engine.FetchRequest) (int64, error) {
	u, err := url.Parse(req.Locator)
	if err != nil {
		return 0, fmt.Errorf("parsing locator: %w", err)
	}
	logger := f.logger.With().Str("key", req.Key).Str("host", u.Host).Logger()

	partial, offset, err := atomicfs.OpenPartial(req.Destination)
	if err != nil {
		return 0, err
	}

	resp, err := f.get(ctx, req.Locator, offset)
	if err == nil && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 {
		resp.Body.Close()
		logger.Warn().Int64("offset", offset).Msg("Server rejected resume range, restarting download")
		if err := partial.Truncate(); err != nil {
			partial.Keep()
			return 0, fmt.Errorf("truncating partial download: %w", err)
		}
		offset = 0
		resp, err = f.get(ctx, req.Locator, 0)
	}
	if err != nil {
		partial.Keep()
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			logger.Info().Int64("offset", offset).Msg("Server ignored range request, restarting download")
			if err := partial.Truncate(); err != nil {
				partial.Keep()
				return 0, fmt.Errorf("truncating partial download: %w", err)
			}
			offset = 0
		}
	case http.StatusPartialContent:
		start, ok := contentRangeStart(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			_ = partial.Truncate()
			partial.Keep()
			return 0, fmt.Errorf("unexpected Content-Range %q for offset %d", resp.Header.Get("Content-Range"), offset)
		}
		logger.Info().Int64("offset", offset).Msg("Resuming download")
	default:
		partial.Keep()
		return 0, fmt.Errorf("GET %s: unexpected status %s", u.Redacted(), resp.Status)
	}

	total := req.SizeHint
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}
	body := newProgressReader(resp.Body, offset, total, f.progressInterval, logger)

	n, err := copyContext(ctx, partial, body)
	if err != nil {
		partial.Keep()
		return n, fmt.Errorf("downloading %s: %w", u.Redacted(), err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		partial.Keep()
		return n, fmt.Errorf("downloading %s: short body, got %d of %d bytes", u.Redacted(), n, resp.ContentLength)
	}

	if err := publish(ctx, partial, req.Destination, req.Checksum, needsDecompress(u.Path, req.Destination)); err != nil {
		return n, err
	}
	return n, nil
}

func (f *HTTPFetcher) get(ctx context.Context, locator string, offset int64) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("User-Agent", f.userAgent)
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", httpReq.URL.Redacted(), err)
	}
	return resp, nil
}

// contentRangeStart parses the first byte position of "bytes <start>-<end>/<size>".
func contentRangeStart(header string) (int64, bool) {
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, false
	}
	startStr, _, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}
