package realtime

import (
	"fmt"
	"net/url"
	"strings"
)

const apiPrefix = "/api/v1"

// DeriveWSURL turns the REST base URL into the realtime endpoint:
// http becomes ws, https becomes wss, a trailing /api/v1 is stripped and /ws
// is appended.
func DeriveWSURL(apiBase string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil {
		return "", fmt.Errorf("parse api base url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported api base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api base url %q has no host", apiBase)
	}

	path := strings.TrimRight(u.Path, "/")
	path = strings.TrimSuffix(path, apiPrefix)
	u.Path = path + "/ws"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// ConnectURL adds the token and user_id query parameters to endpoint.
func ConnectURL(endpoint, token, userID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if userID != "" {
		q.Set("user_id", userID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
