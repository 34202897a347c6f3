package offsite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := New(Config{Endpoint: endpoint, Bucket: "worlds", AccessKeyID: "KEY", SecretAccessKey: "SECRET"})
	require.NoError(t, err)
	c.clock = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return c
}

func TestPutFileSignsAndUploads(t *testing.T) {
	body := []byte("snapshot bytes")
	sum := sha256.Sum256(body)

	var got struct {
		method, path, auth, hash, date string
		body                           []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method, got.path = r.Method, r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.hash = r.Header.Get("x-amz-content-sha256")
		got.date = r.Header.Get("x-amz-date")
		got.body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	p := filepath.Join(t.TempDir(), "10.snap.zst")
	require.NoError(t, os.WriteFile(p, body, 0o644))

	c := fixedClient(t, srv.URL)
	require.NoError(t, c.PutFile(context.Background(), "/w1/snapshots/10.snap.zst", p))

	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/worlds/w1/snapshots/10.snap.zst", got.path)
	assert.Equal(t, body, got.body)
	assert.Equal(t, hex.EncodeToString(sum[:]), got.hash)
	assert.Equal(t, "20260102T030405Z", got.date)
	assert.True(t, strings.HasPrefix(got.auth, "AWS4-HMAC-SHA256 Credential=KEY/20260102/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature="), got.auth)
}

func TestSignatureDependsOnSecret(t *testing.T) {
	a := fixedClient(t, "https://example.test")
	b := fixedClient(t, "https://example.test")
	b.secret = "OTHER"
	now := a.clock()

	sig := func(c *Client) string {
		req, err := http.NewRequest(http.MethodPut, "https://example.test/worlds/k", nil)
		require.NoError(t, err)
		c.sign(req, "abc", now)
		return req.Header.Get("Authorization")
	}
	assert.Equal(t, sig(a), sig(a))
	assert.NotEqual(t, sig(a), sig(b))
}

func TestPutFileReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "AccessDenied", http.StatusForbidden)
	}))
	defer srv.Close()
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	err := fixedClient(t, srv.URL).PutFile(context.Background(), "k", p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Config{Endpoint: "r2.example", Bucket: "b"})
	assert.ErrorIs(t, err, ErrNotConfigured)

	c, err := New(Config{Endpoint: "r2.example", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s", Region: "eu-west-1"})
	require.NoError(t, err)
	assert.Equal(t, "https://r2.example", c.endpoint)
	assert.Equal(t, "eu-west-1", c.region)
}

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("boom")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirrorUploadsWithRetry(t *testing.T) {
	data := t.TempDir()
	p := filepath.Join(data, "worlds", "w1", "snapshots", "30.snap.zst")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	up := &fakeUploader{fails: 2}
	m := NewMirror(up, data, MirrorOptions{Prefix: "/prod/", Backoff: time.Millisecond})
	m.Enqueue(p)
	m.Enqueue(filepath.Join(data, "missing.snap.zst"))
	m.Close()
	m.Close()

	assert.Equal(t, []string{"prod/worlds/w1/snapshots/30.snap.zst"}, up.keys)
	st := m.Stats()
	assert.Equal(t, uint64(2), st.Enqueued)
	assert.Equal(t, uint64(1), st.Uploaded)
	assert.Equal(t, uint64(1), st.Failed)
	assert.NotZero(t, st.LastSuccess)
}

func TestMirrorGivesUp(t *testing.T) {
	data := t.TempDir()
	p := filepath.Join(data, "f")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	up := &fakeUploader{fails: 10}
	m := NewMirror(up, data, MirrorOptions{Attempts: 2, Backoff: time.Millisecond})
	m.Enqueue(p)
	m.Close()
	assert.Empty(t, up.keys)
	assert.Equal(t, 8, up.fails)
	assert.Equal(t, uint64(1), m.Stats().Failed)
	assert.NotZero(t, m.Stats().LastError)
}

func TestObjectKeyRejectsOutsidePaths(t *testing.T) {
	root := t.TempDir()
	data := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(data, 0o755))
	outside := filepath.Join(root, "other")
	require.NoError(t, os.WriteFile(outside, nil, 0o644))

	m := NewMirror(&fakeUploader{}, data, MirrorOptions{})
	defer m.Close()
	_, err := m.ObjectKey(outside)
	assert.ErrorContains(t, err, "outside data dir")
}

func TestNilMirrorIsInert(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	m.Close()
	assert.Equal(t, Stats{}, m.Stats())
}
