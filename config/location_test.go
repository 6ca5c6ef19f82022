package config

import (
	"errors"
	"io/ioutil"
	"os"
	"testing"

	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/store"
)

func TestSplitBucketPrefix(t *testing.T) {
	var table = []struct {
		location string
		addition string
		bucket   string
		prefix   string
	}{
		{"", "", "", ""},
		{"rel/path", "", "rel", "path/"},
		{"/abs/path/", "", "abs", "path/"},
		{"/bucket", "", "bucket", ""},
		{"/bucket", "more", "bucket", "more/"},
		{"/bucket/prefix/", "", "bucket", "prefix/"},
		{"/bucket/prefix", "more", "bucket", "prefix/more/"},
	}

	for _, row := range table {
		bucket, prefix := splitBucketPrefix(row.location, row.addition)
		if bucket != row.bucket || prefix != row.prefix {
			t.Errorf("%q: Received (%q, %q), expected (%q, %q)",
				row.location, bucket, prefix, row.bucket, row.prefix)
		}
	}
}

func TestParseLocation(t *testing.T) {
	dir, err := ioutil.TempDir("", "location")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	const (
		typeMemory = iota
		typeFileSystem
		typeS3
	)
	var table = []struct {
		location string
		addition string
		typ      int
		bucket   string
		prefix   string
	}{
		{"", "", typeMemory, "", ""},
		{dir + "/rel/path", "", typeFileSystem, "", ""},
		{"file:" + dir + "/abs", "more", typeFileSystem, "", ""},
		{"s3:/bucket", "", typeS3, "bucket", ""},
		{"s3:/bucket", "more", typeS3, "bucket", "more/"},
		{"s3://localhost:9000/bucket/prefix/", "", typeS3, "bucket", "prefix/"},
	}

	for _, row := range table {
		result, err := parseLocation(row.location, row.addition)
		if err != nil {
			t.Errorf("%q: Received %v", row.location, err)
			continue
		}
		switch x := result.(type) {
		case *store.Memory:
			if row.typ != typeMemory {
				t.Errorf("%q: unexpected %#v", row.location, result)
			}
		case *store.FileSystem:
			if row.typ != typeFileSystem {
				t.Errorf("%q: unexpected %#v", row.location, result)
			}
			if _, err := os.Stat(x.Root()); err != nil {
				t.Errorf("%q: Received %v", row.location, err)
			}
		case *store.S3:
			if row.typ != typeS3 {
				t.Errorf("%q: unexpected %#v", row.location, result)
			}
			if x.Bucket != row.bucket || x.Prefix != row.prefix {
				t.Errorf("%q: Received (%q, %q), expected (%q, %q)",
					row.location, x.Bucket, x.Prefix, row.bucket, row.prefix)
			}
		}
	}

	if _, err := parseLocation("s3:/", ""); !errors.Is(err, datastore.ErrInvalidConfiguration) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrInvalidConfiguration)
	}
}
