package fetch

import (
	"context"
	"fmt"
	"io"
)

// Fake is an in-memory Fetcher for tests, keyed by exact URL.
type Fake struct {
	Text   map[string]string
	Stream map[string][]byte

	// Headers records the headers the caller sent, by URL, for
	// assertions (e.g. checking X-Machine-Id was set).
	Headers map[string]map[string]string
}

func NewFake() *Fake {
	return &Fake{
		Text:    map[string]string{},
		Stream:  map[string][]byte{},
		Headers: map[string]map[string]string{},
	}
}

func (f *Fake) GetText(_ context.Context, url string, headers map[string]string) (string, error) {
	f.Headers[url] = headers
	text, ok := f.Text[url]
	if !ok {
		return "", &Error{Kind: Status, URL: url, Err: fmt.Errorf("no fake response for %s", url)}
	}
	return text, nil
}

func (f *Fake) GetStream(_ context.Context, url string, headers map[string]string, sink io.Writer) error {
	f.Headers[url] = headers
	data, ok := f.Stream[url]
	if !ok {
		return &Error{Kind: Status, URL: url, Err: fmt.Errorf("no fake response for %s", url)}
	}
	_, err := sink.Write(data)
	return err
}
