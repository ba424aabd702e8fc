package soxfarm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// RelayRecord is one exit-relay entry parsed out of the directory service
// response. It is immutable once constructed.
type RelayRecord struct {
	ID               string
	Address          string
	Country          string
	ExitProbability  float64
	HasExitProb      bool
}

// directoryResponse mirrors the directory service's JSON body: a top-level
// "relays" array of objects carrying at least a fingerprint and
// a list of "host:port" OR addresses. Unknown fields are ignored by
// encoding/json's default unmarshal behavior.
type directoryResponse struct {
	Relays []directoryRelay `json:"relays"`
}

type directoryRelay struct {
	Fingerprint     string   `json:"fingerprint"`
	ORAddresses     []string `json:"or_addresses"`
	Country         string   `json:"country"`
	ExitProbability *float64 `json:"exit_probability"`
}

// RelayFilter narrows the set of relays RelayDirectoryClient.Fetch returns.
type RelayFilter struct {
	Countries map[string]struct{} // empty/nil means "no country filter"
	Max       int                 // 0 means "no cap"
}

// RelayDirectoryClient fetches and parses the exit-relay list from the
// directory service.
type RelayDirectoryClient struct {
	client *resty.Client
	url    string
	logger *Logger
}

// NewRelayDirectoryClient builds a client against the given directory URL
// with the given per-request timeout.
func NewRelayDirectoryClient(url string, timeout time.Duration, logger *Logger) *RelayDirectoryClient {
	if timeout <= 0 || timeout > 15*time.Second {
		timeout = 15 * time.Second
	}
	return &RelayDirectoryClient{
		client: resty.New().SetTimeout(timeout),
		url:    url,
		logger: logger,
	}
}

// Fetch performs a single GET against the directory URL and returns the
// filtered, parsed relay list. On network error it returns
// DirectoryUnavailable; on an unparsable body it returns DirectoryMalformed.
// Callers are expected to treat both as recoverable and proceed with an
// empty relay list.
func (c *RelayDirectoryClient) Fetch(ctx context.Context, filter RelayFilter) ([]RelayRecord, error) {
	if c.url == "" {
		return nil, newError(KindDirectoryUnavailable, "no directory_url configured", nil)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		Get(c.url)
	if err != nil {
		return nil, newError(KindDirectoryUnavailable, "directory fetch failed", err)
	}
	if resp.IsError() {
		return nil, newError(KindDirectoryUnavailable,
			"directory returned "+resp.Status(), nil)
	}
	var body directoryResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, newError(KindDirectoryMalformed, "directory response is not valid JSON", err)
	}

	records := make([]RelayRecord, 0, len(body.Relays))
	for _, r := range body.Relays {
		addr := firstIPv4(r.ORAddresses)
		if addr == "" {
			continue // no usable address: discarded
		}
		if len(filter.Countries) > 0 {
			if _, ok := filter.Countries[strings.ToUpper(r.Country)]; !ok {
				continue
			}
		}
		rec := RelayRecord{
			ID:      r.Fingerprint,
			Address: addr,
			Country: r.Country,
		}
		if r.ExitProbability != nil {
			rec.ExitProbability = *r.ExitProbability
			rec.HasExitProb = true
		}
		records = append(records, rec)
		if filter.Max > 0 && len(records) >= filter.Max {
			break
		}
	}

	if c.logger != nil {
		c.logger.Info("fetched exit relays", "count", len(records))
	}
	return records, nil
}

// firstIPv4 returns the first "host:port" entry whose host parses as IPv4,
// falling back to the first entry of any form if none is IPv4. Hosts given
// in IPv6 or DNS form are
// still usable addresses for dialing purposes, so they are kept as fallback
// rather than discarding an otherwise-valid relay).
func firstIPv4(orAddresses []string) string {
	var fallback string
	for _, a := range orAddresses {
		host := a
		if idx := strings.LastIndex(a, ":"); idx > 0 {
			host = a[:idx]
		}
		if isIPv4(host) {
			return a
		}
		if fallback == "" {
			fallback = a
		}
	}
	return fallback
}

func isIPv4(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return false
			}
		}
	}
	return true
}
