package client

import (
	"net/http"
	"time"

	"iptv-tuner/work/config"
)

// HeaderSettingClient wraps http.Client to automatically set the configured
// User-Agent and the standard headers IPTV providers expect on every request.
type HeaderSettingClient struct {
	Client *http.Client
	cfgFn  func() *config.Config
}

// NewHeaderSettingClient builds the shared upstream HTTP client. The overall
// timeout is zero because live streams are open-ended; only the header phase
// is bounded. Redirects are followed, matching provider playlist behavior.
// cfgFn supplies the current config so a changed User-Agent applies to new
// requests without a restart.
func NewHeaderSettingClient(cfgFn func() *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // no overall timeout for streaming
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second, // only timeout for headers
		},
	}

	return &HeaderSettingClient{
		Client: client,
		cfgFn:  cfgFn,
	}
}

// Do applies the standard headers and executes the request. Headers already
// present on the request (per-channel overrides from the resolver) win over
// the configured defaults.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hsc.cfgFn().UserAgent)
	}
	if req.Header.Get("Connection") == "" {
		req.Header.Set("Connection", "keep-alive")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
}
