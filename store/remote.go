package store

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
)

// Remote reads products from another archivegate node through its HTTP API.
// It is read only; wrap it with ReadOnly to use it where a Store is needed.
//
// A key of the form "<uuid>-<tag>" is fetched from the derived artifact
// endpoint, and any other key as an unaltered product.
type Remote struct {
	host    string // "http://hostname:port"
	token   string
	client  *http.Client
	sizes   *sizecache
	TempDir string // where downloads are staged. "" uses the default place
}

var _ ROStore = &Remote{}

// ErrRemote is returned when the remote node answers with an unexpected
// status code.
var ErrRemote = errors.New("Unexpected response from remote node")

// NewRemote returns a store reading from the node at host. The optional
// token is sent in the X-Api-Key header.
func NewRemote(host, token string) *Remote {
	return &Remote{
		host:   strings.TrimSuffix(host, "/"),
		token:  token,
		client: &http.Client{Timeout: 300 * time.Second},
		sizes:  newSizeCache(nil),
	}
}

// uuids are 36 characters long
const uuidLen = 36

func (r *Remote) keyURL(key string) string {
	if len(key) > uuidLen+1 && key[uuidLen] == '-' {
		return r.host + "/derived/" + key[:uuidLen] + "/" + key[uuidLen+1:]
	}
	return r.host + "/product/" + key
}

// Locate returns the URL key is served from.
func (r *Remote) Locate(key string) string {
	return r.keyURL(key)
}

func (r *Remote) do(method, url string) (*http.Response, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	if r.token != "" {
		req.Header.Add("X-Api-Key", r.token)
	}
	return r.client.Do(req)
}

func checkStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotExist
	}
	return errors.Wrapf(ErrRemote, "%s %d", resp.Request.URL, resp.StatusCode)
}

// List returns the unaltered products the remote node holds.
func (r *Remote) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		keys, err := r.list()
		if err != nil {
			log.Println("Remote List:", r.host, err)
			raven.CaptureError(err, map[string]string{"Host": r.host})
			return
		}
		for _, k := range keys {
			out <- k
		}
	}()
	return out
}

// ListPrefix returns the listed products beginning with prefix.
func (r *Remote) ListPrefix(prefix string) ([]string, error) {
	keys, err := r.list()
	if err != nil {
		return nil, err
	}
	var result []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	return result, nil
}

func (r *Remote) list() ([]string, error) {
	resp, err := r.do("GET", r.host+"/products")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err = checkStatus(resp); err != nil {
		return nil, err
	}
	v, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "Remote list")
	}
	return v.GetStringArray("products")
}

// Stat returns the Content-Length of a HEAD request for key.
func (r *Remote) Stat(key string) (int64, error) {
	return r.sizes.Get(key, func(key string) (int64, error) {
		resp, err := r.do("HEAD", r.keyURL(key))
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		if err = checkStatus(resp); err != nil {
			return 0, err
		}
		return resp.ContentLength, nil
	})
}

// Open downloads key into a temporary file, which is removed when the
// returned reader is closed.
func (r *Remote) Open(key string) (ReadAtCloser, int64, error) {
	resp, err := r.do("GET", r.keyURL(key))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if err = checkStatus(resp); err != nil {
		if err == ErrNotExist {
			r.sizes.Set(key, sizeMissing)
		}
		return nil, 0, err
	}
	f, err := ioutil.TempFile(r.TempDir, "remote-")
	if err != nil {
		return nil, 0, err
	}
	result := &tempFileReadAtCloser{f}
	n, err := io.Copy(f, resp.Body)
	if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		err = fmt.Errorf("Remote %s: received %d bytes, expected %d", key, n, resp.ContentLength)
	}
	if err != nil {
		result.Close()
		return nil, 0, err
	}
	r.sizes.Set(key, n)
	return result, n, nil
}

// tempFileReadAtCloser deletes its file when it is closed.
type tempFileReadAtCloser struct {
	*os.File
}

func (tf *tempFileReadAtCloser) Close() error {
	name := tf.File.Name()
	err := tf.File.Close()
	err2 := os.Remove(name)
	if err == nil {
		err = err2
	}
	return err
}
