package rate

import (
	"net/http"

	"depthflow/logger"
)

// Transport wraps an http.RoundTripper and reports the venue's rate limit
// headers and throttling responses for every REST call made through it.
type Transport struct {
	Base      http.RoundTripper
	Venue     string
	Component string
	Log       *logger.Log
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	log := t.Log
	if log == nil {
		log = logger.GetLogger()
	}
	ReportUsedWeight(log, t.Venue, t.Component, resp.Header)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		ReportRateLimitExceeded(log, t.Venue, req.URL.Query().Get("symbol"), "rest")
	case http.StatusTeapot:
		ReportIPBan(log, t.Venue, req.URL.Query().Get("symbol"), "rest")
	}
	return resp, nil
}

// NewClient returns an http.Client whose transport reports rate usage.
func NewClient(venue string, base *http.Client) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	c.Transport = &Transport{Base: c.Transport, Venue: venue, Component: venue + "_rest"}
	return c
}
