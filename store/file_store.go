package store

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	raven "github.com/getsentry/raven-go"
	pkgerrors "github.com/pkg/errors"
)

// FileSystem keeps each key as a file under root. Files are fanned out into
// two levels of subdirectories taken from the first four characters of the
// key, so "3fa85f64-..." lives at root/3f/a8/3fa85f64-... .
//
// New files are written into root/scratch and renamed into place on Close,
// so a partially written product is never visible.
type FileSystem struct {
	root string
}

const scratchdir = "scratch"

var (
	_ Store   = &FileSystem{}
	_ Locator = &FileSystem{}
	_ Mover   = &FileSystem{}

	// ErrKeyContainsSlash means the key provided contains a forward slash '/'
	ErrKeyContainsSlash = errors.New("Key contains forward slash")

	// ErrKeyContainsNonUnicode means the key is not valid UTF-8
	ErrKeyContainsNonUnicode = errors.New("Key contains Non-Unicode character")

	// ErrKeyContainsWhiteSpace means the key provided contains white space
	ErrKeyContainsWhiteSpace = errors.New("Key contains White Space")

	// ErrKeyContainsControlChar means the key provided contains control characters
	ErrKeyContainsControlChar = errors.New("Key contains Control Characters")
)

// NewFileSystem creates a new FileSystem store based at the given root path.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root: root}
}

// Root returns the directory holding the store.
func (s *FileSystem) Root() string {
	return s.root
}

// List returns a channel listing all the keys in this store.
func (s *FileSystem) List() <-chan string {
	c := make(chan string)
	go func() {
		walkTree(c, s.root, 0)
		close(c)
	}()
	return c
}

// walkTree sends the name of every file exactly two directories below root.
// The scratch directory is skipped.
func walkTree(out chan<- string, root string, level int) {
	f, err := os.Open(root)
	if err != nil {
		log.Println("FileSystem walk:", err)
		raven.CaptureError(err, map[string]string{"Root": root})
		return
	}
	defer f.Close()
	for {
		entries, err := f.Readdir(1000)
		if err == io.EOF {
			return
		} else if err != nil {
			log.Println("FileSystem walk:", err)
			raven.CaptureError(err, map[string]string{"Root": root})
			return
		}
		for _, e := range entries {
			switch {
			case e.IsDir() && level == 0 && e.Name() == scratchdir:
			case e.IsDir() && level < 2:
				walkTree(out, filepath.Join(root, e.Name()), level+1)
			case !e.IsDir() && level == 2:
				out <- e.Name()
			}
		}
	}
}

// ListPrefix returns a list of all the keys beginning with the given prefix.
func (s *FileSystem) ListPrefix(prefix string) ([]string, error) {
	var glob string
	switch len(prefix) {
	case 0:
		glob = "*/*"
	case 1:
		glob = prefix + "*/*"
	case 2:
		glob = prefix + "/*"
	case 3:
		glob = prefix[0:2] + "/" + prefix[2:3] + "*"
	default:
		glob = prefix[0:2] + "/" + prefix[2:4]
	}
	matches, err := filepath.Glob(filepath.Join(s.root, glob, prefix+"*"))
	if err != nil {
		return nil, err
	}
	var result []string
	for _, m := range matches {
		rel, _ := filepath.Rel(s.root, m)
		if strings.HasPrefix(rel, scratchdir+string(filepath.Separator)) {
			continue
		}
		result = append(result, filepath.Base(m))
	}
	return result, nil
}

// Locate returns the path of the file holding key.
func (s *FileSystem) Locate(key string) string {
	return filepath.Join(s.root, itemSubdir(key), key)
}

// Open returns a reader for the given object along with its size.
func (s *FileSystem) Open(key string) (ReadAtCloser, int64, error) {
	if strings.Contains(key, "/") {
		return nil, 0, ErrKeyContainsSlash
	}
	f, err := os.Open(s.Locate(key))
	if os.IsNotExist(err) {
		return nil, 0, ErrNotExist
	} else if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Stat returns the size of the file for key.
func (s *FileSystem) Stat(key string) (int64, error) {
	if strings.Contains(key, "/") {
		return 0, ErrKeyContainsSlash
	}
	fi, err := os.Stat(s.Locate(key))
	if os.IsNotExist(err) {
		return 0, ErrNotExist
	} else if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Create returns a writer for a new key.
func (s *FileSystem) Create(key string) (io.WriteCloser, error) {
	if err := isKeyValid(key); err != nil {
		return nil, err
	}
	target, err := s.setupSubDir(itemSubdir(key), key)
	if err != nil {
		return nil, err
	}
	if _, err = os.Stat(target); !os.IsNotExist(err) {
		return nil, ErrKeyExists
	}
	temp, err := s.setupSubDir(scratchdir, key)
	if err != nil {
		return nil, err
	}
	// O_EXCL keeps two concurrent writers of the same key apart
	w, err := os.OpenFile(temp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if os.IsExist(err) {
		return nil, ErrKeyExists
	} else if err != nil {
		return nil, err
	}
	return &moveCloser{File: w, target: target}, nil
}

func (s *FileSystem) setupSubDir(subdir, key string) (string, error) {
	dir := filepath.Join(s.root, subdir)
	err := os.MkdirAll(dir, 0775)
	return filepath.Join(dir, key), err
}

// moveCloser renames the scratch file into place when it is closed.
type moveCloser struct {
	*os.File
	target string
}

func (w *moveCloser) Close() error {
	source := w.File.Name()
	err := w.File.Close()
	if err == nil {
		if _, err = os.Stat(w.target); !os.IsNotExist(err) {
			err = ErrKeyExists
		} else {
			err = os.Rename(source, w.target)
		}
	}
	if err != nil {
		os.Remove(source)
	}
	return err
}

// Delete the given key from the store. It is not an error if the key doesn't
// exist.
func (s *FileSystem) Delete(key string) error {
	if strings.Contains(key, "/") {
		return ErrKeyContainsSlash
	}
	err := os.Remove(s.Locate(key))
	if os.IsNotExist(err) {
		err = nil
	}
	return err
}

// Move renames the file for key into dir, which must be on the same
// filesystem. The key is no longer in the store afterwards.
func (s *FileSystem) Move(key, dir string) (string, error) {
	if strings.Contains(key, "/") {
		return "", ErrKeyContainsSlash
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	target := filepath.Join(dir, key)
	err := os.Rename(s.Locate(key), target)
	if os.IsNotExist(err) {
		return "", ErrNotExist
	} else if err != nil {
		return "", pkgerrors.Wrapf(err, "move %s", key)
	}
	return target, nil
}

// itemSubdir returns the subdirectory a key is stored in,
// e.g. "abcdd123" returns "ab/cd/"
func itemSubdir(key string) string {
	switch len(key) {
	case 0:
		return "./"
	case 1, 2:
		return key + "/"
	case 3:
		return key[0:2] + "/" + key[2:3] + "/"
	}
	return key[0:2] + "/" + key[2:4] + "/"
}

func isKeyValid(key string) error {
	if !utf8.ValidString(key) {
		return ErrKeyContainsNonUnicode
	}
	if strings.Contains(key, "/") {
		return ErrKeyContainsSlash
	}
	for _, r := range key {
		if unicode.IsSpace(r) {
			return ErrKeyContainsWhiteSpace
		}
		if unicode.IsControl(r) {
			return ErrKeyContainsControlChar
		}
	}
	return nil
}
