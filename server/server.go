// Package server exposes the archive gateway's administrative HTTP API.
//
// Products are read through the store manager in priority order, so the
// API doubles as the protocol store.Remote speaks to reach another gateway.
package server

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/eviction"
	"github.com/ndlib/archivegate/quota"
)

// Version is reported by the welcome page. It is set at link time.
var Version = "dev"

// Server holds the configuration for the admin API.
//
// Set the public fields and then call Run, or use Handler to serve the
// routes some other way. Do not change any fields after that.
type Server struct {
	// PortNumber to listen on. Defaults to 14000.
	PortNumber string

	// Manager resolves every product request. Run panics if it is nil.
	Manager *datastore.Manager

	// Setter runs ingests. If nil, ingests are refused.
	Setter *datastore.ParallelSetter

	// Evictor and Quota are optional, and only reported in the metrics.
	Evictor *eviction.Service
	Quota   *quota.Memory

	// Validator decodes API keys. If nil every caller is an admin.
	Validator TokenDecoder

	// Registry collects the gateway metrics. If nil a new one is made.
	Registry *prometheus.Registry

	// StopTimeout bounds how long Stop waits on open connections.
	StopTimeout time.Duration

	server   httpdown.Server
	once     sync.Once
	handler  http.Handler
	requests *prometheus.CounterVec
	ingests  ingestTable
}

// Run starts listening and blocks handling requests until Stop is called.
func (s *Server) Run() error {
	log.Println("==========")
	log.Printf("Starting archivegate version %s", Version)
	if s.Manager == nil {
		panic("No store manager given. Manager is nil.")
	}
	if s.PortNumber == "" {
		s.PortNumber = "14000"
	}
	for _, st := range s.Manager.Stores() {
		log.Printf("Store %s priority %d restriction %s", st.Name(), st.Priority(), st.Restriction())
	}
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{
		StopTimeout: s.StopTimeout,
		Stats:       newPromStats(s.registry()),
	}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.Handler(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop closes the listener and waits for open requests to finish.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Stop()
}

func (s *Server) registry() *prometheus.Registry {
	if s.Registry == nil {
		s.Registry = prometheus.NewRegistry()
	}
	return s.Registry
}

// Handler returns the API routes. It may be called more than once.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		if s.Validator == nil {
			log.Println("No Validator given")
			s.Validator = NewNobodyDecoder()
		}
		s.ingests.handles = make(map[string]*datastore.Handle)
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivegate_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"})
		reg := s.registry()
		reg.MustRegister(s.requests)
		reg.MustRegister(&gatewayCollector{s: s})
		s.handler = s.addRoutes()
	})
	return s.handler
}

func (s *Server) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed
		handler httprouter.Handle
	}{
		{"GET", "/stores", RoleRead, s.ListStoresHandler},
		{"GET", "/stores/:name", RoleRead, s.StoreHandler},
		{"DELETE", "/stores/:name/product/:uuid", RoleAdmin, s.DeleteFromStoreHandler},

		{"GET", "/products", RoleRead, s.ListProductsHandler},
		{"GET", "/product/:uuid", RoleRead, s.ProductHandler},
		{"HEAD", "/product/:uuid", RoleRead, s.ProductHandler},
		{"DELETE", "/product/:uuid", RoleAdmin, s.DeleteProductHandler},
		{"GET", "/product/:uuid/locations", RoleRead, s.LocationsHandler},
		{"POST", "/product/:uuid/order", RoleWrite, s.OrderHandler},
		{"POST", "/product/:uuid/ingest", RoleWrite, s.IngestHandler},
		{"GET", "/product/:uuid/ingest", RoleRead, s.IngestStatusHandler},
		{"GET", "/derived/:uuid/:tag", RoleRead, s.DerivedHandler},
		{"HEAD", "/derived/:uuid/:tag", RoleRead, s.DerivedHandler},

		{"GET", "/", RoleUnknown, WelcomeHandler},
		{"GET", "/metrics", RoleUnknown, s.MetricsHandler},
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			s.countWrapper(route.route,
				logWrapper(s.authzWrapper(route.handler, route.role))))
	}
	return r
}

// WelcomeHandler identifies the server.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "archivegate (%s)\n", Version)
}

// MetricsHandler serves the prometheus registry.
func (s *Server) MetricsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	promhttp.HandlerFor(s.registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// authzWrapper returns a Handler which first verifies the API key has at
// least the given role. The request context then carries the principal:
// the token's user, or for admins the X-Principal header when present.
func (s *Server) authzWrapper(handler httprouter.Handle, leastRole Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		user, role, err := s.Validator.TokenDecode(r.Header.Get("X-Api-Key"))
		if err != nil {
			w.WriteHeader(500)
			fmt.Fprintln(w, err.Error())
			return
		}
		if role < leastRole {
			w.WriteHeader(401)
			fmt.Fprintln(w, "Forbidden")
			return
		}
		principal := user
		if p := r.Header.Get("X-Principal"); p != "" && role >= RoleAdmin {
			principal = p
		}
		ctx := quota.WithPrincipal(r.Context(), principal)
		handler(w, r.WithContext(ctx), ps)
	}
}

// logWrapper logs the request URL before handling it.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}

// statusWriter remembers the status code written.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.code == 0 {
		sw.code = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	if sw.code == 0 {
		sw.code = http.StatusOK
	}
	return sw.ResponseWriter.Write(p)
}

// countWrapper counts requests per route and status code.
func (s *Server) countWrapper(route string, handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sw := &statusWriter{ResponseWriter: w}
		handler(sw, r, ps)
		if sw.code == 0 {
			sw.code = http.StatusOK
		}
		s.requests.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
	}
}
