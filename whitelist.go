// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package greedy

import (
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// Whitelist is the list of remote hosts that images can be proxied from.
// It is fixed at construction.
type Whitelist struct {
	hosts  []string
	logger *zap.Logger
}

// NewWhitelist returns a Whitelist allowing exactly hosts.  A nil logger
// discards the parse warnings.
func NewWhitelist(hosts []string, logger *zap.Logger) Whitelist {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Whitelist{
		hosts:  append([]string(nil), hosts...),
		logger: logger,
	}
}

// Hosts returns a copy of the allowed hosts, in configured order.
func (w Whitelist) Hosts() []string {
	return append([]string(nil), w.hosts...)
}

// Check returns an error wrapping ErrHostNotAllowed unless the host of
// rawURL is on the whitelist.  A URL that cannot be parsed is never allowed.
func (w Whitelist) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		w.logger.Warn("unable to parse remote url", zap.String("url", rawURL), zap.Error(err))
		return ErrHostNotAllowed
	}
	if !validHost(w.hosts, u) {
		w.logger.Warn("host not allowed", zap.String("host", u.Host), zap.String("url", rawURL))
		return fmt.Errorf("%w: %q", ErrHostNotAllowed, u.Host)
	}
	return nil
}

// validHost returns whether the host in u matches one of hosts exactly.
func validHost(hosts []string, u *url.URL) bool {
	for _, host := range hosts {
		if u.Host == host {
			return true
		}
	}
	return false
}
