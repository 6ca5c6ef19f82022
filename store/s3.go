package store

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
)

// S3 keeps products as objects in an S3 bucket, under an optional key
// prefix. Objects in the GLACIER or DEEP_ARCHIVE storage classes are not
// readable until restored, which S3 exposes through the Restorer interface.
//
// Do not change the exported fields concurrently with calls using the store.
type S3 struct {
	Bucket string
	Prefix string

	// RestoreDays is how long a restored copy stays readable.
	RestoreDays int64
	// RestoreTier is one of "Expedited", "Standard", or "Bulk".
	RestoreTier string

	svc      s3iface.S3API
	uploader *s3manager.Uploader
	sizes    *sizecache
}

var (
	_ Store    = &S3{}
	_ Restorer = &S3{}
	_ Locator  = &S3{}
)

// aws does not export a constant for this code
const errCodeRestoreInProgress = "RestoreAlreadyInProgress"

// NewS3 creates a new S3 store using the bucket and credentials given.
// Every key is prepended with prefix, so one bucket may hold several stores.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	return newS3(bucket, prefix, s3.New(awsSession), nil)
}

func newS3(bucket, prefix string, svc s3iface.S3API, c clock.Clock) *S3 {
	return &S3{
		Bucket:      bucket,
		Prefix:      prefix,
		RestoreDays: 7,
		RestoreTier: s3.TierStandard,
		svc:         svc,
		uploader:    s3manager.NewUploaderWithClient(svc),
		sizes:       newSizeCache(c),
	}
}

func (s *S3) tags(key string) map[string]string {
	return map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Key": key}
}

func (s *S3) listeach(prefix string, f func(string)) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	err := s.svc.ListObjectsV2Pages(input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				f(strings.TrimPrefix(aws.StringValue(item.Key), s.Prefix))
			}
			return true
		})
	if err != nil {
		log.Println("S3 List:", s.Bucket, s.Prefix, prefix, err)
		raven.CaptureError(err, s.tags(prefix))
	}
	return err
}

// List returns every key in the store. Errors are logged, and end the listing.
func (s *S3) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		s.listeach("", func(key string) { out <- key })
	}()
	return out
}

// ListPrefix returns the keys in this store that have the given prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	err := s.listeach(prefix, func(key string) { result = append(result, key) })
	return result, err
}

// Locate returns an s3:// URL for key.
func (s *S3) Locate(key string) string {
	return "s3://" + s.Bucket + "/" + s.Prefix + key
}

// Stat returns the size of key. Sizes are cached.
func (s *S3) Stat(key string) (int64, error) {
	return s.sizes.Get(key, func(key string) (int64, error) {
		info, err := s.head(key)
		if err != nil {
			return 0, err
		}
		return aws.Int64Value(info.ContentLength), nil
	})
}

func (s *S3) head(key string) (*s3.HeadObjectOutput, error) {
	info, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if e, ok := err.(awserr.RequestFailure); ok && e.StatusCode() == http.StatusNotFound {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, errors.Wrapf(err, "S3 head %s", key)
	}
	return info, nil
}

// Open returns a ReadAtCloser which fetches each ReadAt with a ranged GET.
// Reading an object which is archived and not restored fails.
func (s *S3) Open(key string) (ReadAtCloser, int64, error) {
	size, err := s.Stat(key)
	if err != nil {
		return nil, 0, err
	}
	return &s3ReadAtCloser{
		svc:    s.svc,
		bucket: s.Bucket,
		key:    s.Prefix + key,
		size:   size,
	}, size, nil
}

// Create returns a writer which streams into an upload. The upload is
// chunked into multipart requests by the s3manager. Close waits for the
// upload to finish and returns its error.
func (s *S3) Create(key string) (io.WriteCloser, error) {
	if _, err := s.Stat(key); err == nil {
		return nil, ErrKeyExists
	}
	pr, pw := io.Pipe()
	wc := &s3WriteCloser{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := s.uploader.Upload(&s3manager.UploadInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.Prefix + key),
			Body:   pr,
		})
		if err != nil {
			log.Println("S3 Upload:", s.Bucket, s.Prefix, key, err)
			raven.CaptureError(err, s.tags(key))
		}
		// unblock any writer if the upload ended early
		pr.CloseWithError(err)
		s.sizes.Forget(key)
		wc.done <- err
	}()
	return wc, nil
}

type s3WriteCloser struct {
	pw   *io.PipeWriter
	done chan error
}

func (wc *s3WriteCloser) Write(p []byte) (int, error) {
	return wc.pw.Write(p)
}

func (wc *s3WriteCloser) Close() error {
	wc.pw.Close()
	return <-wc.done
}

// Delete removes key. It is not an error to delete something that doesn't
// exist.
func (s *S3) Delete(key string) error {
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		log.Println("S3 Delete:", s.Prefix, key, err)
		raven.CaptureError(err, s.tags(key))
		return errors.Wrapf(err, "S3 delete %s", key)
	}
	s.sizes.Set(key, sizeMissing)
	return nil
}

// archived is true for storage classes which need a restore before reading.
func archived(class string) bool {
	return class == s3.StorageClassGlacier || class == s3.StorageClassDeepArchive
}

// Online is true if key is in an immediately readable storage class, or if
// it is archived and a restored copy is available.
func (s *S3) Online(key string) (bool, error) {
	info, err := s.head(key)
	if err != nil {
		return false, err
	}
	if !archived(aws.StringValue(info.StorageClass)) {
		return true, nil
	}
	// the header looks like: ongoing-request="false", expiry-date="..."
	return strings.Contains(aws.StringValue(info.Restore), `ongoing-request="false"`), nil
}

// Restore starts a restore of key out of Glacier.
func (s *S3) Restore(key string) (bool, error) {
	online, err := s.Online(key)
	if err != nil || online {
		return false, err
	}
	_, err = s.svc.RestoreObject(&s3.RestoreObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
		RestoreRequest: &s3.RestoreRequest{
			Days: aws.Int64(s.RestoreDays),
			GlacierJobParameters: &s3.GlacierJobParameters{
				Tier: aws.String(s.RestoreTier),
			},
		},
	})
	if e, ok := err.(awserr.Error); ok && e.Code() == errCodeRestoreInProgress {
		return false, nil
	}
	if err != nil {
		log.Println("S3 Restore:", s.Bucket, s.Prefix, key, err)
		raven.CaptureError(err, s.tags(key))
		return false, errors.Wrapf(err, "S3 restore %s", key)
	}
	return true, nil
}

// s3ReadAtCloser turns every ReadAt into a ranged GET. Products are read
// sequentially in large chunks by the gateway, so no pages are cached.
type s3ReadAtCloser struct {
	svc    s3iface.S3API
	bucket string
	key    string
	size   int64
}

func (rac *s3ReadAtCloser) ReadAt(p []byte, offset int64) (int, error) {
	if offset >= rac.size {
		return 0, io.EOF
	}
	end := offset + int64(len(p))
	if end > rac.size {
		end = rac.size
	}
	if end == offset {
		return 0, nil
	}
	output, err := rac.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(rac.bucket),
		Key:    aws.String(rac.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, end-1)),
	})
	if err != nil {
		if e, ok := err.(awserr.RequestFailure); ok && e.StatusCode() == http.StatusRequestedRangeNotSatisfiable {
			return 0, io.EOF
		}
		return 0, errors.Wrapf(err, "S3 get %s", rac.key)
	}
	defer output.Body.Close()
	n, err := io.ReadFull(output.Body, p[:end-offset])
	if err == nil && end == rac.size && int(end-offset) < len(p) {
		err = io.EOF
	}
	return n, err
}

func (rac *s3ReadAtCloser) Close() error {
	return nil
}
