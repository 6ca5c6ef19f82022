package server

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/archivegate/async"
	"github.com/ndlib/archivegate/datastore"
)

type storeInfo struct {
	Name        string
	Priority    int
	Restriction string
	Indexed     bool
	Derived     bool
	Async       bool
	CurrentSize int64         `json:",omitempty"`
	MaximumSize int64         `json:",omitempty"`
	Orders      []async.Order `json:",omitempty"`
}

func describe(s datastore.Store, withOrders bool) storeInfo {
	info := storeInfo{
		Name:        s.Name(),
		Priority:    s.Priority(),
		Restriction: s.Restriction().String(),
		Indexed:     s.Indexed(),
		Derived:     s.CanHandleDerived(),
	}
	if _, ok := s.(datastore.AsyncStore); ok {
		info.Async = true
	}
	if sized, ok := underlying(s).(datastore.Sized); ok {
		info.CurrentSize = sized.CurrentSize()
		info.MaximumSize = sized.MaximumSize()
	}
	if withOrders {
		if as := orderBook(s); as != nil {
			info.Orders = as.Orders()
		}
	}
	return info
}

// underlying strips the async decorators off s.
func underlying(s datastore.Store) datastore.Store {
	for {
		switch x := s.(type) {
		case *async.FetchLimiter:
			s = x.AsyncStore
		case *async.VisibilityFilter:
			s = x.AsyncStore
		default:
			return s
		}
	}
}

// orderBook finds the async.Store underneath any decorators.
func orderBook(s datastore.Store) *async.Store {
	as, _ := underlying(s).(*async.Store)
	return as
}

// ListStoresHandler handles GET /stores.
func (s *Server) ListStoresHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	result := []storeInfo{}
	for _, st := range s.Manager.Stores() {
		result = append(result, describe(st, false))
	}
	writeJSON(w, result)
}

// StoreHandler handles GET /stores/:name. Asynchronous stores include
// their orders.
func (s *Server) StoreHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	st, err := s.Manager.GetByName(ps.ByName("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, describe(st, true))
}
