package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/product"
)

// statusFor maps an error from the store layer to a response code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, datastore.ErrFetchPending):
		return http.StatusAccepted
	case errors.Is(err, product.ErrBadUUID):
		return http.StatusBadRequest
	case errors.Is(err, datastore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, datastore.ErrUnsafeDeletion), errors.Is(err, datastore.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, datastore.ErrReadOnlyStore):
		return http.StatusForbidden
	case errors.Is(err, datastore.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// writeError sends err with the matching status code. Server errors are
// logged.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Println(err)
	}
	if code == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	w.WriteHeader(code)
	fmt.Fprintln(w, err.Error())
}
