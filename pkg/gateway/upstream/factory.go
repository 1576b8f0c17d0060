package upstream

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/howie/storybuddy-sub001/pkg/core/live"
)

// Factory builds the engine's transcriber and generator from gateway
// configuration. Empty URLs select the local stand-ins.
type Factory struct {
	TranscriberURL string
	GeneratorURL   string
	Stories        StoryProvider
	HTTPClient     *http.Client
}

// Transcriber returns the configured speech-to-text adapter, wrapped in the
// adapter retry policy, or the unavailable stand-in.
func (f Factory) Transcriber() live.Transcriber {
	if strings.TrimSpace(f.TranscriberURL) == "" {
		return UnavailableTranscriber{}
	}
	return live.WithTranscribeRetry(&HTTPTranscriber{URL: f.TranscriberURL, Client: f.HTTPClient})
}

// Generator returns the configured response generator, wrapped in the
// adapter retry policy, or the local story-grounded one.
func (f Factory) Generator() live.ResponseGenerator {
	if strings.TrimSpace(f.GeneratorURL) == "" {
		return NewStoryGenerator(f.Stories)
	}
	return live.WithGenerateRetry(&HTTPGenerator{URL: f.GeneratorURL, Client: f.HTTPClient})
}

// NewHTTPClient builds the shared client for upstream calls. Per-call
// deadlines come from the engine's transcribe/generate timeouts; this only
// bounds connection setup and first-byte latency.
func NewHTTPClient(connectTimeout, responseHeaderTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: responseHeaderTimeout,
		},
	}
}
