package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

var errOriginNotAbsolute = errors.New("origin must be scheme://host")

// originPolicy is the set of browser origins allowed to open a WebSocket.
type originPolicy struct {
	any     bool
	ordered []string
	allowed map[string]struct{}
}

// newOriginPolicy builds a policy from configured origins. A "*" entry admits
// every origin. Entries that are not absolute scheme://host URLs are dropped.
func newOriginPolicy(configured []string) originPolicy {
	policy := originPolicy{allowed: make(map[string]struct{}, len(configured))}

	for _, raw := range configured {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if raw == "*" {
			policy.any = true
			continue
		}

		origin, err := canonicalOrigin(raw)
		if err != nil {
			logrus.WithError(err).WithField("origin", raw).Warn("Ignoring invalid origin in configuration")
			continue
		}
		if _, dup := policy.allowed[origin]; dup {
			continue
		}
		policy.allowed[origin] = struct{}{}
		policy.ordered = append(policy.ordered, origin)
	}

	return policy
}

// canonicalOrigin reduces raw to its lowercased scheme and host.
func canonicalOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errOriginNotAbsolute
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

// origins lists the explicitly allowed origins in configuration order.
func (p originPolicy) origins() []string {
	if len(p.ordered) == 0 {
		return nil
	}
	return append([]string(nil), p.ordered...)
}

// allows reports whether a request carrying origin may upgrade. Requests
// without a parseable Origin header are refused even under "*".
func (p originPolicy) allows(origin string) bool {
	canonical, err := canonicalOrigin(origin)
	if err != nil {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.allowed[canonical]
	return ok
}

// checkOrigin is the upgrader's CheckOrigin hook.
func checkOrigin(r *http.Request) bool {
	configMu.RLock()
	policy := activeOrigins
	configMu.RUnlock()

	origin := r.Header.Get("Origin")
	if policy.allows(origin) {
		return true
	}

	logrus.WithFields(logrus.Fields{
		"origin": origin,
		"addr":   r.RemoteAddr,
	}).Warn("Blocked WebSocket connection from disallowed origin")
	return false
}
