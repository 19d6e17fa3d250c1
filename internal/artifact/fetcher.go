package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultFetchTimeout = 15 * time.Second
	maxArtworkBytes     = 20 << 20
)

// ErrArtworkTooLarge is returned when the remote file exceeds the cap.
var ErrArtworkTooLarge = errors.New("artwork exceeds size limit")

// ArtworkSource loads artwork bytes referenced by URL.
type ArtworkSource interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher downloads artwork over HTTP(S).
type HTTPFetcher struct {
	http  *resty.Client
	limit int64
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &HTTPFetcher{
		http:  resty.New().SetTimeout(timeout).SetHeader("Accept", "image/png, image/jpeg"),
		limit: maxArtworkBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("fetch artwork: unsupported url %q", url)
	}
	resp, err := f.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch artwork: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return nil, fmt.Errorf("fetch artwork: status %d", resp.StatusCode())
	}
	data, err := io.ReadAll(io.LimitReader(body, f.limit+1))
	if err != nil {
		return nil, fmt.Errorf("fetch artwork: read body: %w", err)
	}
	if int64(len(data)) > f.limit {
		return nil, ErrArtworkTooLarge
	}
	return data, nil
}
