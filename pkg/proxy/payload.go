package proxy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// The admin-API payload is modeled as fixed-shape structs mirroring the
// reverse proxy's native JSON config. It is rebuilt from scratch on every
// reload; the manager holds no routing state of its own.

// AdminConfig is the root of the proxy's admin-API config.
type AdminConfig struct {
	Apps Apps `json:"apps"`
}

// Apps holds the proxy app modules.
type Apps struct {
	HTTP   HTTPApp    `json:"http"`
	Layer4 *Layer4App `json:"layer4,omitempty"`
	TLS    *TLSApp    `json:"tls,omitempty"`
}

// HTTPApp configures the HTTP servers.
type HTTPApp struct {
	Servers map[string]*HTTPServer `json:"servers"`
}

// HTTPServer is one HTTP listener with its route table.
type HTTPServer struct {
	Listen []string    `json:"listen"`
	Routes []HTTPRoute `json:"routes"`
}

// HTTPRoute matches requests and hands them to handlers.
type HTTPRoute struct {
	Match    []Match   `json:"match,omitempty"`
	Handle   []Handler `json:"handle"`
	Terminal bool      `json:"terminal,omitempty"`
}

// Match is a request matcher.
type Match struct {
	Host []string `json:"host,omitempty"`
	Path []string `json:"path,omitempty"`
}

// Handler is a tagged handler union; exactly the fields of its kind are set.
type Handler struct {
	Kind        string     `json:"handler"` // rewrite, reverse_proxy, file_server
	StripPrefix string     `json:"strip_path_prefix,omitempty"`
	Upstreams   []Upstream `json:"upstreams,omitempty"`
	Root        string     `json:"root,omitempty"`
}

// Upstream is a proxy backend address.
type Upstream struct {
	Dial string `json:"dial"`
}

// Layer4App configures raw TCP forwarding for service routes.
type Layer4App struct {
	Servers map[string]*Layer4Server `json:"servers"`
}

// Layer4Server is one TCP listener forwarding to a single upstream.
type Layer4Server struct {
	Listen []string      `json:"listen"`
	Routes []Layer4Route `json:"routes"`
}

// Layer4Route hands connections to the proxy handler.
type Layer4Route struct {
	Handle []Layer4Handler `json:"handle"`
}

// Layer4Handler is the layer4 proxy handler.
type Layer4Handler struct {
	Handler   string          `json:"handler"` // proxy
	Upstreams []Layer4Backend `json:"upstreams"`
}

// Layer4Backend is a layer4 upstream.
type Layer4Backend struct {
	Dial []string `json:"dial"`
}

// TLSApp configures certificate automation.
type TLSApp struct {
	Automation TLSAutomation `json:"automation"`
}

// TLSAutomation holds issuance policies.
type TLSAutomation struct {
	Policies []TLSPolicy `json:"policies"`
}

// TLSPolicy selects an issuer for the served domain.
type TLSPolicy struct {
	Subjects []string    `json:"subjects,omitempty"`
	Issuers  []TLSIssuer `json:"issuers"`
}

// TLSIssuer is a tagged issuer union: module "acme" carries the directory
// URL and trusted root, module "internal" stands alone.
type TLSIssuer struct {
	Module string `json:"module"`
	CA     string `json:"ca,omitempty"`
	Root   string `json:"trusted_roots_pem_file,omitempty"`
}

// RouteSet is the snapshot of active routes a payload is built from.
type RouteSet struct {
	WebUI   []*types.ProxyRoute
	Service []*types.ServiceRoute
}

// BuildPayload converts the active route tables into a complete admin-API
// config: one HTTP server with host matching, prefix-stripped path
// handlers and a fallback, one layer4 listener per TCP service route, and
// a TLS policy.
func BuildPayload(routes RouteSet, cfg Config) *AdminConfig {
	server := &HTTPServer{
		Listen: []string{":80", ":443"},
	}

	var hosts []string
	if cfg.Domain != "" {
		hosts = []string{cfg.Domain}
	}

	// Deterministic route order keeps the change hash stable.
	webui := append([]*types.ProxyRoute(nil), routes.WebUI...)
	sort.Slice(webui, func(i, j int) bool { return webui[i].Path < webui[j].Path })
	for _, r := range webui {
		if !r.Active {
			continue
		}
		prefix := strings.TrimSuffix(r.Path, "/")
		server.Routes = append(server.Routes, HTTPRoute{
			Match: []Match{{Host: hosts, Path: []string{prefix, prefix + "/*"}}},
			Handle: []Handler{
				{Kind: "rewrite", StripPrefix: prefix},
				{Kind: "reverse_proxy", Upstreams: []Upstream{{Dial: dialAddr(r.Upstream)}}},
			},
			Terminal: true,
		})
	}

	svc := append([]*types.ServiceRoute(nil), routes.Service...)
	sort.Slice(svc, func(i, j int) bool { return svc[i].ID < svc[j].ID })

	var layer4 *Layer4App
	for _, r := range svc {
		if !r.Active {
			continue
		}
		switch r.RouteType {
		case types.RouteHTTP:
			prefix := strings.TrimSuffix(r.ExternalPath, "/")
			server.Routes = append(server.Routes, HTTPRoute{
				Match: []Match{{Host: hosts, Path: []string{prefix, prefix + "/*"}}},
				Handle: []Handler{
					{Kind: "rewrite", StripPrefix: prefix},
					{Kind: "reverse_proxy", Upstreams: []Upstream{{Dial: fmt.Sprintf("%s:%d", r.UpstreamHost, r.UpstreamPort)}}},
				},
				Terminal: true,
			})
		case types.RouteTCP:
			if layer4 == nil {
				layer4 = &Layer4App{Servers: make(map[string]*Layer4Server)}
			}
			name := fmt.Sprintf("tcp-%d", r.ExternalPort)
			layer4.Servers[name] = &Layer4Server{
				Listen: []string{fmt.Sprintf(":%d", r.ExternalPort)},
				Routes: []Layer4Route{{
					Handle: []Layer4Handler{{
						Handler:   "proxy",
						Upstreams: []Layer4Backend{{Dial: []string{fmt.Sprintf("%s:%d", r.UpstreamHost, r.UpstreamPort)}}},
					}},
				}},
			}
		}
	}

	// Fallback: static UI in production, the dev server otherwise.
	if cfg.Environment == EnvProduction {
		server.Routes = append(server.Routes, HTTPRoute{
			Handle: []Handler{{Kind: "file_server", Root: cfg.StaticUIDir}},
		})
	} else if cfg.DevServerURL != "" {
		server.Routes = append(server.Routes, HTTPRoute{
			Handle: []Handler{{Kind: "reverse_proxy", Upstreams: []Upstream{{Dial: dialAddr(cfg.DevServerURL)}}}},
		})
	}

	return &AdminConfig{
		Apps: Apps{
			HTTP:   HTTPApp{Servers: map[string]*HTTPServer{"ownprem": server}},
			Layer4: layer4,
			TLS:    buildTLS(cfg),
		},
	}
}

// buildTLS points issuance at the local certificate authority when its
// root cert and ACME directory are reachable, else the proxy's internal CA.
func buildTLS(cfg Config) *TLSApp {
	if cfg.Domain == "" {
		return nil
	}

	issuer := TLSIssuer{Module: "internal"}
	if cfg.ACMEDirectory != "" && cfg.CARootPath != "" {
		if _, err := os.Stat(cfg.CARootPath); err == nil {
			issuer = TLSIssuer{Module: "acme", CA: cfg.ACMEDirectory, Root: cfg.CARootPath}
		}
	}

	return &TLSApp{
		Automation: TLSAutomation{
			Policies: []TLSPolicy{{
				Subjects: []string{cfg.Domain},
				Issuers:  []TLSIssuer{issuer},
			}},
		},
	}
}

// dialAddr strips a URL scheme down to host:port for upstream dialing.
func dialAddr(upstream string) string {
	s := strings.TrimPrefix(upstream, "http://")
	s = strings.TrimPrefix(s, "https://")
	return strings.TrimSuffix(s, "/")
}
