package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/keystore"
	"github.com/ndlib/archivegate/product"
)

func writeJSON(w http.ResponseWriter, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(val)
}

// ProductHandler handles GET and HEAD of /product/:uuid.
func (s *Server) ProductHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.serve(w, r, ps.ByName("uuid"), keystore.Unaltered)
}

// DerivedHandler handles GET and HEAD of /derived/:uuid/:tag.
func (s *Server) DerivedHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.serve(w, r, ps.ByName("uuid"), ps.ByName("tag"))
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, uuid, tag string) {
	if err := product.ValidUUID(uuid); err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	p, err := s.Manager.GetDerived(ctx, uuid, tag)
	if err == datastore.ErrNotFound && tag == keystore.Unaltered {
		err = s.fetch(ctx, uuid)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	src, err := p.Open()
	if err != nil {
		writeError(w, err)
		return
	}
	defer src.Close()
	if p.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(p.Size, 10))
	}
	for k, v := range p.Properties {
		w.Header().Set("X-Property-"+k, v)
	}
	if r.Method == "HEAD" {
		return
	}
	if _, err := io.Copy(w, src); err != nil {
		log.Println("GET", uuid, tag, err)
	}
}

// fetch is used when no store can produce the product right now. If an
// asynchronous store holds it, an order is placed and ErrFetchPending is
// returned.
func (s *Server) fetch(ctx context.Context, uuid string) error {
	held, _ := s.Manager.Has(ctx, uuid)
	if !held {
		return datastore.ErrNotFound
	}
	if err := s.Manager.Order(ctx, uuid); err != nil {
		return err
	}
	return datastore.ErrFetchPending
}

// ListProductsHandler handles GET /products.
func (s *Server) ListProductsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	products := []string{}
	for uuid := range s.Manager.List(r.Context()) {
		products = append(products, uuid)
	}
	writeJSON(w, struct {
		Products []string `json:"products"`
	}{products})
}

// LocationsHandler handles GET /product/:uuid/locations.
func (s *Server) LocationsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	locs, err := s.Manager.GetResourceLocations(r.Context(), ps.ByName("uuid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, locs)
}

// OrderHandler handles POST /product/:uuid/order.
func (s *Server) OrderHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.Manager.Order(r.Context(), ps.ByName("uuid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// DeleteProductHandler handles DELETE /product/:uuid. The query parameter
// destination is one of none, trash, or error, and safe=true removes only
// the lowest priority copy.
func (s *Server) DeleteProductHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	dest, err := datastore.ParseBackup(r.FormValue("destination"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, err.Error()+"\n")
		return
	}
	safe, _ := strconv.ParseBool(r.FormValue("safe"))
	err = s.Manager.DeleteProduct(r.Context(), ps.ByName("uuid"), dest, safe)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteFromStoreHandler handles DELETE /stores/:name/product/:uuid.
func (s *Server) DeleteFromStoreHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	safe, _ := strconv.ParseBool(r.FormValue("safe"))
	err := s.Manager.DeleteProductFromStore(r.Context(), ps.ByName("uuid"), ps.ByName("name"), safe)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
