package store

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/facebookgo/clock"
)

// fakeS3 answers the few calls the read and restore paths make.
type fakeS3 struct {
	s3iface.S3API
	objects  map[string][]byte
	class    map[string]string
	restore  map[string]string
	restores int
}

func (f *fakeS3) HeadObject(in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, awserr.NewRequestFailure(awserr.New("NotFound", "not found", nil), http.StatusNotFound, "x")
	}
	out := &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}
	if c, ok := f.class[*in.Key]; ok {
		out.StorageClass = aws.String(c)
	}
	if r, ok := f.restore[*in.Key]; ok {
		out.Restore = aws.String(r)
	}
	return out, nil
}

func (f *fakeS3) GetObject(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	var start, end int
	fmt.Sscanf(*in.Range, "bytes=%d-%d", &start, &end)
	data := f.objects[*in.Key]
	return &s3.GetObjectOutput{
		Body: ioutil.NopCloser(bytes.NewReader(data[start : end+1])),
	}, nil
}

func (f *fakeS3) RestoreObject(in *s3.RestoreObjectInput) (*s3.RestoreObjectOutput, error) {
	if _, ok := f.restore[*in.Key]; ok {
		return nil, awserr.New(errCodeRestoreInProgress, "in progress", nil)
	}
	f.restores++
	f.restore[*in.Key] = `ongoing-request="true"`
	return &s3.RestoreObjectOutput{}, nil
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: map[string][]byte{
			"p/hot":  []byte("0123456789abcdefghij"),
			"p/cold": []byte("frozen"),
		},
		class:   map[string]string{"p/cold": s3.StorageClassGlacier},
		restore: make(map[string]string),
	}
}

func TestS3Read(t *testing.T) {
	s := newS3("bucket", "p/", newFakeS3(), clock.NewMock())
	rac, size, err := s.Open("hot")
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	if size != 20 {
		t.Errorf("Received size %d, expected 20", size)
	}
	buf := make([]byte, 8)
	n, err := rac.ReadAt(buf, 16)
	if n != 4 || string(buf[:n]) != "ghij" {
		t.Errorf("Received %d %q", n, buf[:n])
	}
	data, err := ioutil.ReadAll(NewReadCloser(rac))
	if err != nil || string(data) != "0123456789abcdefghij" {
		t.Errorf("Received %q, %v", data, err)
	}
	if _, _, err := s.Open("missing"); err != ErrNotExist {
		t.Errorf("Received %v, expected %v", err, ErrNotExist)
	}
	if loc := s.Locate("hot"); loc != "s3://bucket/p/hot" {
		t.Errorf("Received %s", loc)
	}
}

func TestS3Restore(t *testing.T) {
	fake := newFakeS3()
	s := newS3("bucket", "p/", fake, clock.NewMock())

	online, err := s.Online("hot")
	if !online || err != nil {
		t.Errorf("Received %v, %v, expected true, nil", online, err)
	}
	started, _ := s.Restore("hot")
	if started {
		t.Errorf("Restore started for an online object")
	}

	online, _ = s.Online("cold")
	if online {
		t.Errorf("Archived object reported online")
	}
	started, err = s.Restore("cold")
	if !started || err != nil {
		t.Errorf("Received %v, %v, expected true, nil", started, err)
	}
	started, err = s.Restore("cold")
	if started || err != nil {
		t.Errorf("Received %v, %v, expected false, nil", started, err)
	}
	if fake.restores != 1 {
		t.Errorf("Received %d restores, expected 1", fake.restores)
	}

	fake.restore["p/cold"] = `ongoing-request="false", expiry-date="Fri, 23 Dec 2012 00:00:00 GMT"`
	online, _ = s.Online("cold")
	if !online {
		t.Errorf("Restored object reported offline")
	}
}
