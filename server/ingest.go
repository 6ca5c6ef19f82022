package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/product"
)

// ingestRequest is the body of POST /product/:uuid/ingest. Path names a
// file readable by the gateway. Store limits the ingest to one store.
type ingestRequest struct {
	Path   string
	Name   string
	Store  string
	MD5    string
	SHA256 string
}

type ingestTable struct {
	m       sync.Mutex
	handles map[string]*datastore.Handle
}

func (it *ingestTable) put(uuid string, h *datastore.Handle) {
	it.m.Lock()
	it.handles[uuid] = h
	it.m.Unlock()
}

func (it *ingestTable) get(uuid string) *datastore.Handle {
	it.m.Lock()
	defer it.m.Unlock()
	return it.handles[uuid]
}

// targeted stores into one named store of the manager.
type targeted struct {
	m    *datastore.Manager
	name string
}

func (t targeted) Set(ctx context.Context, uuid string, p *product.Product) error {
	return t.m.AddProduct(ctx, uuid, p, t.name)
}

// IngestHandler handles POST /product/:uuid/ingest. The file is stored in
// the background; the status is at GET /product/:uuid/ingest.
func (s *Server) IngestHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uuid := ps.ByName("uuid")
	if err := product.ValidUUID(uuid); err != nil {
		writeError(w, err)
		return
	}
	if s.Setter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	fi, err := os.Stat(req.Path)
	if err != nil || !fi.Mode().IsRegular() {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p := product.New(uuid, req.Name)
	p.Path = req.Path
	p.Size = fi.Size()
	if req.MD5 != "" {
		p.SetProperty(product.PropMD5, req.MD5)
	}
	if req.SHA256 != "" {
		p.SetProperty(product.PropSHA256, req.SHA256)
	}
	var target datastore.Setter = s.Manager
	if req.Store != "" {
		target = targeted{m: s.Manager, name: req.Store}
	}
	h, err := s.Setter.Submit(target, uuid, p)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	s.ingests.put(uuid, h)
	w.Header().Set("Location", "/product/"+uuid+"/ingest")
	w.WriteHeader(http.StatusAccepted)
}

// IngestStatusHandler handles GET /product/:uuid/ingest.
func (s *Server) IngestStatusHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h := s.ingests.get(ps.ByName("uuid"))
	if h == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	status := struct {
		UUID  string
		Done  bool
		Error string `json:",omitempty"`
	}{UUID: h.UUID}
	select {
	case <-h.Done():
		status.Done = true
		if err := h.Err(); err != nil {
			status.Error = err.Error()
		}
	default:
	}
	writeJSON(w, status)
}
