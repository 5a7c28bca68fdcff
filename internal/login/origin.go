package login

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// Origin is the externally visible scheme, host and port of an inbound request.
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

// RequestOrigin derives the origin the browser used to reach the server. Forwarded
// headers are honoured only when trustForwarded is set.
func RequestOrigin(r *http.Request, trustForwarded bool) (Origin, error) {
	if r == nil {
		return Origin{}, fmt.Errorf("login: request required")
	}

	scheme := schemeHTTP
	if r.TLS != nil {
		scheme = schemeHTTPS
	}
	host, port, err := splitHostPort(r.Host)
	if err != nil {
		return Origin{}, err
	}

	if trustForwarded {
		if proto := firstHeaderValue(r, "X-Forwarded-Proto"); proto != "" {
			scheme = strings.ToLower(proto)
			port = 0
		}
		if forwardedHost := firstHeaderValue(r, "X-Forwarded-Host"); forwardedHost != "" {
			host, port, err = splitHostPort(forwardedHost)
			if err != nil {
				return Origin{}, err
			}
		}
		if forwardedPort := firstHeaderValue(r, "X-Forwarded-Port"); forwardedPort != "" {
			port, err = parsePort(forwardedPort)
			if err != nil {
				return Origin{}, err
			}
		}
	}

	if host == "" {
		return Origin{}, fmt.Errorf("login: request host missing")
	}
	if port == 0 {
		port = defaultPort(scheme)
	}
	return Origin{Scheme: scheme, Host: host, Port: port}, nil
}

// BaseURL renders scheme://host[:port]/ with the port dropped for http:80 and https:443.
func (o Origin) BaseURL() *url.URL {
	host := o.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if o.Port > 0 && !isDefaultPort(o.Scheme, o.Port) {
		host = net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
	}
	return &url.URL{Scheme: o.Scheme, Host: host, Path: "/"}
}

// RedirectTarget appends the token as a query parameter to the origin's base URL.
func RedirectTarget(origin Origin, token string) string {
	target := origin.BaseURL()
	target.RawQuery = url.Values{"token": []string{token}}.Encode()
	return target.String()
}

func isDefaultPort(scheme string, port int) bool {
	return (scheme == schemeHTTP && port == 80) || (scheme == schemeHTTPS && port == 443)
}

func defaultPort(scheme string) int {
	switch scheme {
	case schemeHTTP:
		return 80
	case schemeHTTPS:
		return 443
	default:
		return 0
	}
}

func splitHostPort(hostport string) (string, int, error) {
	hostport = strings.TrimSpace(hostport)
	host, rawPort, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port present; strip brackets from a bare IPv6 literal.
		return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]"), 0, nil
	}
	if rawPort == "" {
		return host, 0, nil
	}
	port, err := parsePort(rawPort)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("login: invalid port %q", raw)
	}
	return port, nil
}

func firstHeaderValue(r *http.Request, name string) string {
	value := r.Header.Get(name)
	if index := strings.IndexByte(value, ','); index >= 0 {
		value = value[:index]
	}
	return strings.TrimSpace(value)
}
