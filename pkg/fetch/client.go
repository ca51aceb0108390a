package fetch

import (
	"fmt"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/config"
)

// maxRedirects matches net/http's default limit.
const maxRedirects = 10

// NewClient creates a new HTTP client based on the provided configuration.
// Redirects are followed; the final URL is read back from resp.Request.URL.
func NewClient(cfg config.HTTPClientConfig, log *logrus.Entry) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.DialerTimeout,
		KeepAlive: cfg.DialerKeepAlive,
	}

	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment,
		DialContext:            dialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout:  cfg.ExpectContinueTimeout,
		MaxResponseHeaderBytes: 1 << 20,
	}
	if cfg.ForceAttemptHTTP2 != nil {
		transport.ForceAttemptHTTP2 = *cfg.ForceAttemptHTTP2
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			// Keep the caller's User-Agent on every hop.
			if ua := via[0].Header.Get("User-Agent"); ua != "" {
				req.Header.Set("User-Agent", ua)
			}
			log.Debugf("Redirecting: %s -> %s (hop %d)", via[len(via)-1].URL, req.URL, len(via))
			return nil
		},
	}
}
