package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	info, err := s.Put(ctx, "proposals/1/t1/a", bytes.NewReader([]byte("pixels")), PutOptions{ContentType: "image/fits"})
	require.NoError(t, err)
	assert.Equal(t, "proposals/1/t1/a", info.Key)

	_, err = s.Put(ctx, "proposals/1/t1/a", bytes.NewReader([]byte("again")), PutOptions{})
	require.ErrorIs(t, err, ErrExists)

	data, err := ReadAll(ctx, s, "proposals/1/t1/a")
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	_, err = s.Put(ctx, "proposals/2/t9/b", bytes.NewReader([]byte("x")), PutOptions{})
	require.NoError(t, err)
	list, err := s.List(ctx, "proposals/1/")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "proposals/1/t1/a", list[0].Key)

	ok, err := s.Delete(ctx, "proposals/1/t1/a")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = ReadAll(ctx, s, "proposals/1/t1/a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	assert.Equal(t, DriverMemory, s.Driver())
	exerciseStore(t, s)

	ok, err := s.Delete(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilesystemStore(t *testing.T) {
	s, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())
	exerciseStore(t, s)

	_, err = s.Put(context.Background(), "../escape", bytes.NewReader(nil), PutOptions{})
	require.Error(t, err)
	ok, err := s.Delete(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3Store(t *testing.T) {
	s, err := NewS3(context.Background(), S3Config{
		Bucket:          "images",
		Endpoint:        "https://mock.s3.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: &fakeS3{objs: map[string]fakeObj{}}},
	})
	require.NoError(t, err)
	assert.Equal(t, DriverS3, s.Driver())
	exerciseStore(t, s)
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	require.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Open(ctx, Config{Driver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	s, err = Open(ctx, Config{Driver: "fs", FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())

	_, err = Open(ctx, Config{Driver: "fs"})
	require.Error(t, err)
	_, err = Open(ctx, Config{Driver: "gcs"})
	require.Error(t, err)
}

func TestURI(t *testing.T) {
	assert.Equal(t, "blob://proposals/3/x", URI("proposals/3/x"))
}

// fakeS3 answers the handful of S3 calls the store issues.
type fakeS3 struct {
	mu   sync.Mutex
	objs map[string]fakeObj
}

type fakeObj struct {
	body        []byte
	contentType string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	empty := func(code int) *http.Response {
		return &http.Response{StatusCode: code, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objs {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", k, len(f.objs[k].body))
		}
		b.WriteString("</ListBucketResult>")
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(b.String())), Header: http.Header{"Content-Type": {"application/xml"}}}, nil
	}
	switch req.Method {
	case http.MethodHead:
		obj, ok := f.objs[key]
		if !ok {
			return empty(http.StatusNotFound), nil
		}
		resp := empty(http.StatusOK)
		resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(obj.body)))
		resp.Header.Set("Content-Type", obj.contentType)
		return resp, nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeAWSChunked(body); ok {
			body = dec
		}
		f.objs[key] = fakeObj{body: body, contentType: req.Header.Get("Content-Type")}
		resp := empty(http.StatusOK)
		resp.Header.Set("ETag", `"etag"`)
		return resp, nil
	case http.MethodGet:
		obj, ok := f.objs[key]
		if !ok {
			resp := &http.Response{StatusCode: http.StatusNotFound, Header: http.Header{"Content-Type": {"application/xml"}},
				Body: io.NopCloser(strings.NewReader(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))}
			return resp, nil
		}
		resp := &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(obj.body)), Header: http.Header{}}
		resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(obj.body)))
		resp.Header.Set("Content-Type", obj.contentType)
		resp.Header.Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		return resp, nil
	case http.MethodDelete:
		delete(f.objs, key)
		return empty(http.StatusNoContent), nil
	}
	return empty(http.StatusNotImplemented), nil
}

// decodeAWSChunked unwraps a single-chunk aws-chunked body: <hex>\r\n<body>\r\n0\r\n...
func decodeAWSChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 || parts[2] != "0" {
		return nil, false
	}
	var size int
	if _, err := fmt.Sscanf(parts[0], "%x", &size); err != nil || size != len(parts[1]) {
		return nil, false
	}
	return []byte(parts[1]), true
}
