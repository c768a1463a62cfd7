package registry

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// RegisterURL is the parsed form of a coordination-service child node name:
// <transport>://<host>:<port>/<service>/<method>?serializer=<enc>&max_buffer_size=<int>
type RegisterURL struct {
	Transport     string
	Host          string
	Port          int
	Service       string
	Method        string
	Serializer    string
	MaxBufferSize int
}

// Build renders u back into its node-name form; only the query values are
// percent-encoded.
func (u *RegisterURL) Build() string {
	raw := fmt.Sprintf("%s://%s:%d/%s/%s", u.Transport, u.Host, u.Port, u.Service, u.Method)
	query := url.Values{}
	if u.Serializer != "" {
		query.Set("serializer", u.Serializer)
	}
	if u.MaxBufferSize != 0 {
		query.Set("max_buffer_size", strconv.Itoa(u.MaxBufferSize))
	}
	if len(query) > 0 {
		raw += "?" + query.Encode()
	}
	return raw
}

// ParseRegisterURL parses a child node name of the form built by Build —
// its query arguments are percent-encoded, but (unlike a zookeeper znode
// path) the key itself may contain '/' freely since the coordination store
// here is etcd's flat keyspace. Any node that doesn't fit the grammar is
// reported via err so the caller can skip it rather than fail the whole
// discovery scan.
func ParseRegisterURL(raw string) (*RegisterURL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid packet: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid packet: missing scheme or host in %q", raw)
	}

	host := parsed.Hostname()
	portStr := parsed.Port()
	if host == "" || portStr == "" {
		return nil, fmt.Errorf("invalid packet: missing host or port in %q", raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid packet: non-numeric port %q", portStr)
	}

	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid packet: path must be /service/method, got %q", parsed.Path)
	}

	query := parsed.Query()
	maxBufferSize := 0
	if v := query.Get("max_buffer_size"); v != "" {
		maxBufferSize, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid packet: non-numeric max_buffer_size %q", v)
		}
	}

	return &RegisterURL{
		Transport:     parsed.Scheme,
		Host:          host,
		Port:          port,
		Service:       parts[0],
		Method:        parts[1],
		Serializer:    query.Get("serializer"),
		MaxBufferSize: maxBufferSize,
	}, nil
}

// RemoteKey groups discovery results the way get-remotes(service, method,
// transport, encoder) expects: one bucket per (transport, "/service/method", encoder).
type RemoteKey struct {
	Transport  string
	Path       string // "/service/method"
	Serializer string
}

// GroupByRemoteKey buckets a flat list of parsed URLs by their RemoteKey,
// skipping nothing — callers are expected to have already dropped
// unparseable nodes.
func GroupByRemoteKey(urls []*RegisterURL) map[RemoteKey][]ServiceInstance {
	groups := make(map[RemoteKey][]ServiceInstance)
	for _, u := range urls {
		key := RemoteKey{Transport: u.Transport, Path: "/" + u.Service + "/" + u.Method, Serializer: u.Serializer}
		groups[key] = append(groups[key], ServiceInstance{Addr: fmt.Sprintf("%s:%d", u.Host, u.Port)})
	}
	return groups
}
