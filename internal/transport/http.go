package transport

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"path"
	"time"
)

// A read that makes no progress for this long counts as a stalled
// connection and surfaces as a transport error, so a dead server cannot
// pin a transfer unit inside a blocking read.
const readStallTimeout = 30 * time.Second

// HTTPConnector builds range-bound HTTP streams for the transfer units.
type HTTPConnector struct {
	client *http.Client
}

func NewHTTPConnector(client *http.Client) *HTTPConnector {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				// Compression is negotiated explicitly so the decode
				// pipeline owns content decoding, not net/http.
				DisableCompression:  true,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				DialContext:         dialWithReadTimeout(readStallTimeout),
			},
		}
	}
	return &HTTPConnector{client: client}
}

// deadlineConn re-arms a read deadline before every Read so the deadline
// tracks inactivity, not total transfer time.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func dialWithReadTimeout(timeout time.Duration) func(context.Context, string, string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &deadlineConn{Conn: conn, timeout: timeout}, nil
	}
}

// Info describes the remote resource as learned from a probe request.
type Info struct {
	Length          int64
	AcceptRanges    bool
	ContentEncoding string
	Filename        string
}

// Probe asks the server for the resource's size and range support.
func (c *HTTPConnector) Probe(ctx context.Context, url string) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe: unexpected status %d", resp.StatusCode)
	}

	info := &Info{
		AcceptRanges:    resp.Header.Get("Accept-Ranges") == "bytes",
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		Filename:        filenameFrom(resp, url),
	}
	if resp.ContentLength > 0 {
		info.Length = resp.ContentLength
	}
	return info, nil
}

// Open starts a stream for the byte range [start, end]. An end of -1 means
// "until stream end"; a plain whole-resource request advertises compressed
// encodings so the content decoder has something to do, while ranged
// requests force identity because compressed ranges don't map to file
// offsets.
func (c *HTTPConnector) Open(ctx context.Context, url string, start, end int64) (Transport, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}

	ranged := start > 0 || end >= 0
	if ranged {
		req.Header.Set("Accept-Encoding", "identity")
		if end >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}
	} else {
		req.Header.Set("Accept-Encoding", "gzip, zstd, deflate")
	}
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", err
	}

	if ranged && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, "", fmt.Errorf("range request: unexpected status %d", resp.StatusCode)
	}
	if !ranged && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return NewReader(resp.Body, req.URL.Host), resp.Header.Get("Content-Encoding"), nil
}

func filenameFrom(resp *http.Response, url string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return path.Base(name)
			}
		}
	}
	if r := resp.Request; r != nil && r.URL != nil {
		if name := path.Base(r.URL.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	if name := path.Base(url); name != "" && name != "/" && name != "." {
		return name
	}
	return "download"
}
