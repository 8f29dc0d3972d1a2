// Package fetch performs the HTTPS requests the updater needs: a short
// text response for the version query and for detached signatures, and a
// streamed body for payload downloads. It is deliberately a narrow capability
// interface so the update transaction can be driven against an in-memory
// fake in tests.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Kind distinguishes why an HTTP operation failed.
type Kind int

const (
	Tls Kind = iota
	Status
	Timeout
	Truncation
)

func (k Kind) String() string {
	switch k {
	case Tls:
		return "tls"
	case Status:
		return "status"
	case Timeout:
		return "timeout"
	case Truncation:
		return "truncation"
	default:
		return "unknown"
	}
}

// Error reports a transport-layer failure.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch: %s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher is the capability the update transaction depends on. get_text
// is used for the version query and for detached signatures; get_stream
// for payload downloads.
type Fetcher interface {
	GetText(ctx context.Context, url string, headers map[string]string) (string, error)
	GetStream(ctx context.Context, url string, headers map[string]string, sink io.Writer) error
}

// HTTPFetcher is the production Fetcher: plain net/http with a configured
// per-request timeout and, optionally, a pinned TLS trust anchor.
type HTTPFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPFetcher returns a Fetcher requiring TLS and using timeout as the
// per-request deadline. If roots is non-nil, server certificates must
// chain to it rather than the system trust store.
func NewHTTPFetcher(timeout time.Duration, roots *tls.Config) *HTTPFetcher {
	transport := &http.Transport{}
	if roots != nil {
		transport.TLSClientConfig = roots
	}
	return &HTTPFetcher{
		Client:  &http.Client{Transport: transport},
		Timeout: timeout,
	}
}

func (f *HTTPFetcher) do(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	bodyReturned := false
	defer func() {
		if !bodyReturned {
			cancel()
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: Status, URL: url, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: Timeout, URL: url, Err: err}
		}
		if isTLSError(err) {
			return nil, &Error{Kind: Tls, URL: url, Err: err}
		}
		return nil, &Error{Kind: Status, URL: url, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &Error{Kind: Status, URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	// The deadline context must outlive this call while the caller reads
	// the body; closing the body releases it.
	bodyReturned = true
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	return false
}

// GetText performs a GET and returns the whole response body as text,
// used for the version endpoint.
func (f *HTTPFetcher) GetText(ctx context.Context, url string, headers map[string]string) (string, error) {
	resp, err := f.do(ctx, url, headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: Truncation, URL: url, Err: err}
	}
	return string(body), nil
}

// GetStream performs a GET and copies the response body into sink. It
// reports Truncation if fewer bytes are read than Content-Length
// advertised.
func (f *HTTPFetcher) GetStream(ctx context.Context, url string, headers map[string]string, sink io.Writer) error {
	resp, err := f.do(ctx, url, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	n, err := io.Copy(sink, resp.Body)
	if err != nil {
		return &Error{Kind: Truncation, URL: url, Err: err}
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return &Error{Kind: Truncation, URL: url,
			Err: fmt.Errorf("read %d bytes, expected %d", n, resp.ContentLength)}
	}
	return nil
}
