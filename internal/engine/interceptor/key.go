package interceptor

import (
	"net/url"
	"strings"
)

// BuildKey normalizes a request descriptor into a cache key: upper-cased
// method, path, and query preserved verbatim. Scheme and host are dropped so
// a relocated upstream keeps its cache.
func BuildKey(method string, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))

	path := rawURL
	query := ""
	if parsed, err := url.Parse(rawURL); err == nil {
		path = parsed.Path
		query = parsed.RawQuery
	}
	if path == "" {
		path = "/"
	}
	key := method + " " + path
	if query != "" {
		key += "?" + query
	}
	return key
}
