package source

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const userAgent = "flashembed/0.1"

// openShard opens a local path or an http(s) URL and transparently
// gunzips .tar.gz / .tgz shards.
func openShard(client *http.Client, location string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	if isRemote(location) {
		body, err := fetch(client, location)
		if err != nil {
			return nil, err
		}
		rc = body
	} else {
		f, err := os.Open(location)
		if err != nil {
			return nil, err
		}
		rc = f
	}

	if !isGzip(location) {
		return rc, nil
	}
	gr, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return &stackedCloser{Reader: gr, closers: []io.Closer{gr, rc}}, nil
}

func fetch(client *http.Client, url string) (io.ReadCloser, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

func isGzip(location string) bool {
	l := strings.ToLower(location)
	if i := strings.IndexByte(l, '?'); i >= 0 && isRemote(l) {
		l = l[:i]
	}
	return strings.HasSuffix(l, ".gz") || strings.HasSuffix(l, ".tgz")
}

// stackedCloser closes every layer, innermost first.
type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
