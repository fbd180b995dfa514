package httpclient

import (
	"net/url"
	"sort"
	"strings"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
)

// Router maps request URLs to configured servers by base URL prefix.
// The longest matching prefix wins. A Router is immutable after creation.
type Router struct {
	routes []route
}

type route struct {
	prefix string
	server string
}

// NewRouter creates a router from the URL of every server that has one.
func NewRouter(servers []*config.ServerConfig) *Router {
	r := &Router{}
	for _, s := range servers {
		if s.URL == "" {
			continue
		}
		r.routes = append(r.routes, route{prefix: strings.TrimRight(canonical(s.URL), "/"), server: s.Name})
	}
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
	return r
}

// Match returns the server whose base URL is the longest prefix of rawURL.
// A prefix only matches on a path boundary, so "https://pacs/dicom" does not
// match "https://pacs/dicomweb".
func (r *Router) Match(rawURL string) (string, bool) {
	if r == nil {
		return "", false
	}
	rawURL = canonical(rawURL)
	for _, rt := range r.routes {
		if !strings.HasPrefix(rawURL, rt.prefix) {
			continue
		}
		rest := rawURL[len(rt.prefix):]
		if rest == "" || strings.ContainsRune("/?#", rune(rest[0])) {
			return rt.server, true
		}
	}
	return "", false
}

// canonical lower-cases the scheme and host of rawURL. The path is left
// alone since it is case-sensitive.
func canonical(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// Servers returns the routed server names, longest prefix first.
func (r *Router) Servers() []string {
	names := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		names = append(names, rt.server)
	}
	return names
}
