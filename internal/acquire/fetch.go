package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/alvmarrod/image-weaver/internal/resilience"
)

var errTooLarge = errors.New("response exceeds max bytes")

// fetch downloads url with the configured retry policy. 429 and 5xx responses
// and network errors are retried; other 4xx responses and oversized bodies
// are not.
func (p *Pipeline) fetch(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := resilience.Retry(ctx, p.opts.Retry, "fetch "+url, func(ctx context.Context) error {
		body, err := p.fetchOnce(ctx, url)
		if err != nil {
			return err
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (p *Pipeline) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	if p.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("new request: %w", err))
	}
	if p.opts.UserAgent != "" {
		req.Header.Set("User-Agent", p.opts.UserAgent)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, resilience.Permanent(fmt.Errorf("http %d", resp.StatusCode))
	}

	if p.opts.MaxBytes > 0 && resp.ContentLength > p.opts.MaxBytes {
		return nil, resilience.Permanent(fmt.Errorf("%w: content-length %d", errTooLarge, resp.ContentLength))
	}

	reader := io.Reader(resp.Body)
	if p.opts.MaxBytes > 0 {
		reader = io.LimitReader(resp.Body, p.opts.MaxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if p.opts.MaxBytes > 0 && int64(len(body)) > p.opts.MaxBytes {
		return nil, resilience.Permanent(errTooLarge)
	}
	return body, nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
