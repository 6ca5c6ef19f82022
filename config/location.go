package config

import (
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"

	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/store"
)

// splitBucketPrefix separates the bucket name from the key prefix in an s3
// location path. The prefix is either empty or ends with a slash.
//
// examples:
//
//	"" -> ("", "")
//	"bucket" -> ("bucket", "")
//	"bucket/and/a/prefix" -> ("bucket", "and/a/prefix/")
func splitBucketPrefix(location string, addition string) (bucket, prefix string) {
	if location == "" {
		return
	}
	location = strings.TrimPrefix(location, "/")
	v := strings.SplitN(location, "/", 2)
	bucket = v[0]
	if len(v) > 1 {
		prefix = v[1]
	}
	if addition != "" {
		prefix = path.Join(prefix, addition)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	return
}

// newS3 makes an S3 store for a location of the form s3:/bucket/prefix or
// s3://host:port/bucket/prefix. Credentials come from the usual AWS
// environment.
func newS3(location, addition string) (*store.S3, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, errors.Wrapf(datastore.ErrInvalidConfiguration, "location %q: %v", location, err)
	}
	if u.Scheme != "s3" {
		return nil, errors.Wrapf(datastore.ErrInvalidConfiguration, "location %q is not s3", location)
	}
	conf := &aws.Config{}
	if u.Host != "" {
		conf.Endpoint = aws.String(u.Host)
		conf.Region = aws.String("us-east-1")
		// disable SSL for local development
		if strings.Contains(u.Host, "localhost") {
			conf.DisableSSL = aws.Bool(true)
			conf.S3ForcePathStyle = aws.Bool(true)
		}
	}
	bucket, prefix := splitBucketPrefix(u.Path, addition)
	if bucket == "" {
		return nil, errors.Wrapf(datastore.ErrInvalidConfiguration, "location %q has no bucket", location)
	}
	sess, err := session.NewSession(conf)
	if err != nil {
		return nil, errors.Wrap(err, "aws session")
	}
	return store.NewS3(bucket, prefix, sess), nil
}

// parseLocation makes a store.Store for location. An empty location is a
// memory store, s3: schemes are S3, and anything else is a directory,
// which is created if needed.
func parseLocation(location, addition string) (store.Store, error) {
	if location == "" {
		return store.NewMemory(), nil
	}
	if strings.HasPrefix(location, "s3:") {
		return newS3(location, addition)
	}
	dir := strings.TrimPrefix(location, "file:")
	if addition != "" {
		dir = path.Join(dir, addition)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "store directory")
	}
	return store.NewFileSystem(dir), nil
}
