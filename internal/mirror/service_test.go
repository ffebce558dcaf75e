package mirror

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/any-hub/tcz-cache/internal/cache"
	"github.com/any-hub/tcz-cache/internal/codec"
	"github.com/any-hub/tcz-cache/internal/decode"
	"github.com/any-hub/tcz-cache/internal/index"
	"github.com/any-hub/tcz-cache/internal/upstream"
)

type mirrorStub struct {
	mu       sync.Mutex
	files    map[string][]byte
	etags    map[string]string
	status   map[string]int
	modTime  time.Time
	requests []*http.Request
}

func newMirrorStub(t *testing.T) (*mirrorStub, *httptest.Server) {
	t.Helper()
	stub := &mirrorStub{
		files:   map[string][]byte{},
		etags:   map[string]string{},
		status:  map[string]int{},
		modTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.requests = append(stub.requests, r.Clone(context.Background()))
		body, ok := stub.files[r.URL.Path]
		etag := stub.etags[r.URL.Path]
		status := stub.status[r.URL.Path]
		stub.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		http.ServeContent(w, r, "", stub.modTime, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *mirrorStub) set(p string, body []byte, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = body
	s.etags[p] = etag
	delete(s.status, p)
}

func (s *mirrorStub) fail(p string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[p] = status
}

func (s *mirrorStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *mirrorStub) last() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type testEnv struct {
	svc   *Service
	store cache.Store
	blobs cache.BlobStore
}

func newTestService(t *testing.T, baseURL string, compressed bool) testEnv {
	t.Helper()
	fetcher, err := upstream.NewFetcher(upstream.Options{BaseURL: baseURL, Client: http.DefaultClient, ChunkSize: 7})
	if err != nil {
		t.Fatalf("NewFetcher error: %v", err)
	}
	store := cache.NewMemoryStore()
	blobs, err := cache.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore error: %v", err)
	}
	svc, err := NewService(Options{Fetcher: fetcher, Store: store, Blobs: blobs, Compressed: compressed})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return testEnv{svc: svc, store: store, blobs: blobs}
}

func gzipped(t *testing.T, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(text)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func storedEntry(t *testing.T, store cache.Store, key cache.ResourceKey) *cache.Entry {
	t.Helper()
	entry, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("store get %s: %v", key, err)
	}
	return entry
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(Options{}); err == nil {
		t.Fatalf("expected error without fetcher")
	}
}

func TestMd5DBFreshThenNotModified(t *testing.T) {
	stub, srv := newMirrorStub(t)
	stub.set("/14.x/x86/tcz/md5.db.gz", gzipped(t, "abc123 foo.tcz\ndef456 bar.tcz\n"), `"m1"`)
	env := newTestService(t, srv.URL, true)
	ctx := context.Background()

	first, err := env.svc.Md5DB(ctx, "14.x", "x86")
	if err != nil {
		t.Fatalf("first Md5DB error: %v", err)
	}
	if first.Outcome != upstream.Fresh || first.Cached {
		t.Fatalf("expected fresh result, got %+v", first)
	}
	want := index.Md5Map{"foo.tcz": "abc123", "bar.tcz": "def456"}
	if !reflect.DeepEqual(first.Value, want) {
		t.Fatalf("unexpected md5 map %v", first.Value)
	}
	key := cache.ResourceKey{Version: "14.x", Arch: "x86", Name: "md5.db.gz"}
	before := storedEntry(t, env.store, key)
	if before.Validators.ETag != `"m1"` {
		t.Fatalf("expected stored etag, got %+v", before.Validators)
	}

	second, err := env.svc.Md5DB(ctx, "14.x", "x86")
	if err != nil {
		t.Fatalf("second Md5DB error: %v", err)
	}
	if second.Outcome != upstream.NotModified || !second.Cached {
		t.Fatalf("expected cached result, got %+v", second)
	}
	if !reflect.DeepEqual(second.Value, want) {
		t.Fatalf("cached value mismatch %v", second.Value)
	}
	if got := stub.last().Header.Get("If-None-Match"); got != `"m1"` {
		t.Fatalf("expected conditional request, If-None-Match=%q", got)
	}
	after := storedEntry(t, env.store, key)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("not modified must not touch stored entry: %+v vs %+v", before, after)
	}
}

func TestNotModifiedReusesStoredArtifactWithoutReparse(t *testing.T) {
	stub, srv := newMirrorStub(t)
	stub.set("/14.x/x86/tcz/info.lst.gz", gzipped(t, "a.tcz\nb.tcz\n"), `"p1"`)
	env := newTestService(t, srv.URL, true)
	ctx := context.Background()

	if _, err := env.svc.PackageList(ctx, "14.x", "x86"); err != nil {
		t.Fatalf("PackageList error: %v", err)
	}

	// 替换存储的制品，若服务重新解析正文则会得到原始列表。
	key := cache.ResourceKey{Version: "14.x", Arch: "x86", Name: "info.lst.gz"}
	entry := storedEntry(t, env.store, key)
	marker, err := codec.Marshal(index.PackageList{"marker.tcz"})
	if err != nil {
		t.Fatalf("marshal marker: %v", err)
	}
	entry.Artifact = marker
	if err := env.store.Put(ctx, key, *entry); err != nil {
		t.Fatalf("store put: %v", err)
	}

	res, err := env.svc.PackageList(ctx, "14.x", "x86")
	if err != nil {
		t.Fatalf("PackageList error: %v", err)
	}
	if !res.Cached || !reflect.DeepEqual(res.Value, index.PackageList{"marker.tcz"}) {
		t.Fatalf("expected stored artifact reused, got %+v", res)
	}
}

func TestChangedContentReplacesValidatorsAndArtifact(t *testing.T) {
	stub, srv := newMirrorStub(t)
	p := "/14.x/x86/tcz/sizelist.gz"
	stub.set(p, gzipped(t, "foo.tcz 10\n"), `"s1"`)
	env := newTestService(t, srv.URL, true)
	ctx := context.Background()

	if _, err := env.svc.SizeList(ctx, "14.x", "x86"); err != nil {
		t.Fatalf("SizeList error: %v", err)
	}
	stub.set(p, gzipped(t, "foo.tcz 20\nbar.tcz 5\n"), `"s2"`)

	res, err := env.svc.SizeList(ctx, "14.x", "x86")
	if err != nil {
		t.Fatalf("SizeList error: %v", err)
	}
	if res.Outcome != upstream.Fresh {
		t.Fatalf("expected fresh after change, got %s", res.Outcome)
	}
	if !reflect.DeepEqual(res.Value, index.SizeMap{"foo.tcz": 20, "bar.tcz": 5}) {
		t.Fatalf("unexpected sizes %v", res.Value)
	}
	entry := storedEntry(t, env.store, res.Key)
	if entry.Validators.ETag != `"s2"` {
		t.Fatalf("expected validators replaced, got %+v", entry.Validators)
	}
}

func TestUpstreamFailureLeavesStoreUntouched(t *testing.T) {
	stub, srv := newMirrorStub(t)
	p := "/14.x/x86/tcz/tags.db.gz"
	stub.set(p, gzipped(t, "foo.tcz net\n"), `"t1"`)
	env := newTestService(t, srv.URL, true)
	ctx := context.Background()

	first, err := env.svc.TagsDB(ctx, "14.x", "x86")
	if err != nil {
		t.Fatalf("TagsDB error: %v", err)
	}
	before := storedEntry(t, env.store, first.Key)

	stub.fail(p, http.StatusInternalServerError)
	_, err = env.svc.TagsDB(ctx, "14.x", "x86")
	var statusErr *upstream.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected HTTPStatusError 500, got %v", err)
	}

	stub.set(p, []byte("not gzip at all"), `"t2"`)
	_, err = env.svc.TagsDB(ctx, "14.x", "x86")
	var decodeErr *decode.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}

	after := storedEntry(t, env.store, first.Key)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("failures must not mutate stored entry")
	}
}

func TestMissingIndexCreatesNoEntry(t *testing.T) {
	_, srv := newMirrorStub(t)
	env := newTestService(t, srv.URL, true)

	_, err := env.svc.ProvidesDB(context.Background(), "14.x", "x86")
	var statusErr *upstream.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPStatusError, got %v", err)
	}
	key := cache.ResourceKey{Version: "14.x", Arch: "x86", Name: "provides.db.gz"}
	if _, err := env.store.Get(context.Background(), key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected no stored entry, got %v", err)
	}
}

func TestParseErrorLeavesNoEntry(t *testing.T) {
	stub, srv := newMirrorStub(t)
	stub.set("/14.x/x86/tcz/sizelist", []byte("foo.tcz -3\n"), `"bad"`)
	env := newTestService(t, srv.URL, false)

	_, err := env.svc.SizeList(context.Background(), "14.x", "x86")
	var parseErr *index.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	key := cache.ResourceKey{Version: "14.x", Arch: "x86", Name: "sizelist"}
	if _, err := env.store.Get(context.Background(), key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected no stored entry, got %v", err)
	}
}

func TestProvidesDBUsesConditionalRequests(t *testing.T) {
	stub, srv := newMirrorStub(t)
	stub.set("/15.x/x86_64/tcz/provides.db", []byte("foo.tcz\nlibfoo.so\n\nbar.tcz\n"), `"pr"`)
	env := newTestService(t, srv.URL, false)
	ctx := context.Background()

	if _, err := env.svc.ProvidesDB(ctx, "15.x", "x86_64"); err != nil {
		t.Fatalf("ProvidesDB error: %v", err)
	}
	res, err := env.svc.ProvidesDB(ctx, "15.x", "x86_64")
	if err != nil {
		t.Fatalf("ProvidesDB error: %v", err)
	}
	if !res.Cached {
		t.Fatalf("expected provides.db served from cache on 304")
	}
	want := index.ProvidesMap{"foo.tcz": {"libfoo.so"}, "bar.tcz": {}}
	if !reflect.DeepEqual(res.Value, want) {
		t.Fatalf("unexpected provides %v", res.Value)
	}
}

func TestUnreadableStoredArtifactTriggersFullFetch(t *testing.T) {
	stub, srv := newMirrorStub(t)
	stub.set("/14.x/x86/tcz/info.lst", []byte("a.tcz\n"), `"i1"`)
	env := newTestService(t, srv.URL, false)
	ctx := context.Background()

	key := cache.ResourceKey{Version: "14.x", Arch: "x86", Name: "info.lst"}
	corrupt := cache.Entry{
		Validators: upstream.Validators{ETag: `"i1"`},
		Artifact:   []byte{0xff, 0x00, 0x13},
		UpdatedAt:  time.Now().UTC(),
	}
	if err := env.store.Put(ctx, key, corrupt); err != nil {
		t.Fatalf("store put: %v", err)
	}

	res, err := env.svc.PackageList(ctx, "14.x", "x86")
	if err != nil {
		t.Fatalf("PackageList error: %v", err)
	}
	if res.Outcome != upstream.Fresh || !reflect.DeepEqual(res.Value, index.PackageList{"a.tcz"}) {
		t.Fatalf("expected refetched list, got %+v", res)
	}
	if stub.count() != 2 {
		t.Fatalf("expected conditional request then full fetch, got %d requests", stub.count())
	}
	if stub.last().Header.Get("If-None-Match") != "" {
		t.Fatalf("full fetch must be unconditional")
	}
}

func TestGetFileStreamingMatchesBuffered(t *testing.T) {
	stub, srv := newMirrorStub(t)
	payload := bytes.Repeat([]byte("squashfs-bytes-"), 1000)
	stub.set("/14.x/x86/tcz/foo.tcz", payload, `"f1"`)
	ctx := context.Background()

	buffered := newTestService(t, srv.URL, true)
	bufRes, err := buffered.svc.GetFile(ctx, "14.x", "x86", "foo.tcz", nil, nil)
	if err != nil {
		t.Fatalf("buffered GetFile error: %v", err)
	}

	streaming := newTestService(t, srv.URL, true)
	var sink bytes.Buffer
	streamRes, err := streaming.svc.GetFile(ctx, "14.x", "x86", "foo.tcz", &sink, nil)
	if err != nil {
		t.Fatalf("streaming GetFile error: %v", err)
	}
	if !bytes.Equal(bufRes.Body, payload) || !bytes.Equal(sink.Bytes(), payload) {
		t.Fatalf("streamed and buffered bodies differ from upstream")
	}
	if streamRes.Body != nil {
		t.Fatalf("streaming mode must not buffer the body")
	}
	if streamRes.Written != int64(len(payload)) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), streamRes.Written)
	}
}

func TestGetFileServesCachedBodyOnNotModified(t *testing.T) {
	stub, srv := newMirrorStub(t)
	payload := []byte("package body")
	stub.set("/14.x/x86/tcz/bar.tcz", payload, `"b1"`)
	env := newTestService(t, srv.URL, true)
	ctx := context.Background()

	first, err := env.svc.GetFile(ctx, "14.x", "x86", "bar.tcz", nil, nil)
	if err != nil {
		t.Fatalf("GetFile error: %v", err)
	}
	if first.Outcome != upstream.Fresh {
		t.Fatalf("expected fresh, got %s", first.Outcome)
	}

	var sink bytes.Buffer
	second, err := env.svc.GetFile(ctx, "14.x", "x86", "bar.tcz", &sink, nil)
	if err != nil {
		t.Fatalf("GetFile error: %v", err)
	}
	if second.Outcome != upstream.NotModified || !second.Cached {
		t.Fatalf("expected cached not modified, got %+v", second)
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Fatalf("cached body mismatch: %q", sink.Bytes())
	}
	if stub.last().Header.Get("If-None-Match") != `"b1"` {
		t.Fatalf("expected stored validators replayed")
	}
}

func TestGetFileWithCallerValidators(t *testing.T) {
	stub, srv := newMirrorStub(t)
	stub.set("/14.x/x86/tcz/baz.tcz", []byte("baz"), `"z1"`)
	env := newTestService(t, srv.URL, true)

	res, err := env.svc.GetFile(context.Background(), "14.x", "x86", "baz.tcz", nil, &upstream.Validators{ETag: `"z1"`})
	if err != nil {
		t.Fatalf("GetFile error: %v", err)
	}
	if res.Outcome != upstream.NotModified || res.Cached || res.Body != nil {
		t.Fatalf("expected bare not modified result, got %+v", res)
	}
	key := cache.ResourceKey{Version: "14.x", Arch: "x86", Name: "baz.tcz"}
	if _, err := env.blobs.Open(context.Background(), key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("not modified must not create a blob, got %v", err)
	}
}

func TestGetFileRejectsInvalidNames(t *testing.T) {
	_, srv := newMirrorStub(t)
	env := newTestService(t, srv.URL, true)
	for _, name := range []string{"", ".", "..", "a/b.tcz", `a\b.tcz`} {
		if _, err := env.svc.GetFile(context.Background(), "14.x", "x86", name, nil, nil); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
}

func TestGetFileFailureKeepsPreviousBlob(t *testing.T) {
	stub, srv := newMirrorStub(t)
	p := "/14.x/x86/tcz/keep.tcz"
	stub.set(p, []byte("v1"), `"k1"`)
	env := newTestService(t, srv.URL, true)
	ctx := context.Background()

	if _, err := env.svc.GetFile(ctx, "14.x", "x86", "keep.tcz", nil, nil); err != nil {
		t.Fatalf("GetFile error: %v", err)
	}
	stub.fail(p, http.StatusBadGateway)
	if _, err := env.svc.GetFile(ctx, "14.x", "x86", "keep.tcz", nil, nil); err == nil {
		t.Fatalf("expected upstream error")
	}
	blob, err := env.blobs.Open(ctx, cache.ResourceKey{Version: "14.x", Arch: "x86", Name: "keep.tcz"})
	if err != nil {
		t.Fatalf("blob open: %v", err)
	}
	defer blob.Reader.Close()
	var got bytes.Buffer
	if _, err := got.ReadFrom(blob.Reader); err != nil {
		t.Fatalf("blob read: %v", err)
	}
	if got.String() != "v1" {
		t.Fatalf("previous blob replaced: %q", got.String())
	}
}

func TestConcurrentIndexReads(t *testing.T) {
	stub, srv := newMirrorStub(t)
	stub.set("/14.x/x86/tcz/tags.db.gz", gzipped(t, "foo.tcz a b\nbar.tcz\n"), `"c1"`)
	env := newTestService(t, srv.URL, true)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.svc.TagsDB(context.Background(), "14.x", "x86")
			if err != nil {
				errs <- err
				return
			}
			if len(res.Value["foo.tcz"]) != 2 {
				errs <- errors.New("unexpected tags")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent read failed: %v", err)
	}
	entry := storedEntry(t, env.store, cache.ResourceKey{Version: "14.x", Arch: "x86", Name: "tags.db.gz"})
	if entry.Validators.ETag != `"c1"` {
		t.Fatalf("unexpected stored validators %+v", entry.Validators)
	}
}

// scriptedFetcher 模拟一个条件请求语义正确的上游，可按路径阻塞某次请求。
type scriptedFetcher struct {
	mu      sync.Mutex
	bodies  map[string][]byte
	etags   map[string]string
	holds   map[string]chan struct{}
	fetched chan string
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		bodies:  map[string][]byte{},
		etags:   map[string]string{},
		holds:   map[string]chan struct{}{},
		fetched: make(chan string, 16),
	}
}

func (f *scriptedFetcher) set(p string, body []byte, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[p] = body
	f.etags[p] = etag
}

// hold 让 p 的下一次请求在读取正文后阻塞，直到返回的 release 被调用。
func (f *scriptedFetcher) hold(p string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.holds[p] = ch
	f.mu.Unlock()
	return func() { close(ch) }
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req upstream.Request) (*upstream.Result, error) {
	f.mu.Lock()
	body := f.bodies[req.Path]
	etag := f.etags[req.Path]
	hold := f.holds[req.Path]
	delete(f.holds, req.Path)
	f.mu.Unlock()

	validators := upstream.Validators{ETag: etag}
	if req.Prior != nil && req.Prior.ETag == etag {
		return &upstream.Result{Outcome: upstream.NotModified, Validators: *req.Prior, URL: req.Path, Status: http.StatusNotModified}, nil
	}
	res := &upstream.Result{Outcome: upstream.Fresh, Validators: validators, URL: req.Path, Status: http.StatusOK}
	if req.BeforeBody != nil {
		req.BeforeBody(validators)
	}
	if req.Sink != nil {
		n, err := req.Sink.Write(body)
		if err != nil {
			return nil, err
		}
		res.Written = int64(n)
	} else {
		res.Body = append([]byte(nil), body...)
	}
	f.fetched <- req.Path
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return res, nil
}

// gatedBlobs 在下一次 Commit 完成 rename 之后阻塞，用来制造提交交错。
type gatedBlobs struct {
	cache.BlobStore
	mu        sync.Mutex
	armed     bool
	committed chan struct{}
	release   chan struct{}
}

func (g *gatedBlobs) Create(ctx context.Context, key cache.ResourceKey) (cache.BlobWriter, error) {
	w, err := g.BlobStore.Create(ctx, key)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed {
		return w, nil
	}
	g.armed = false
	return &gatedWriter{BlobWriter: w, committed: g.committed, release: g.release}, nil
}

type gatedWriter struct {
	cache.BlobWriter
	committed chan struct{}
	release   chan struct{}
}

func (w *gatedWriter) Commit() (*cache.BlobInfo, error) {
	info, err := w.BlobWriter.Commit()
	close(w.committed)
	<-w.release
	return info, err
}

func newScriptedService(t *testing.T, fetcher Fetcher, blobs cache.BlobStore) testEnv {
	t.Helper()
	if blobs == nil {
		var err error
		blobs, err = cache.NewBlobStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewBlobStore error: %v", err)
		}
	}
	store := cache.NewMemoryStore()
	svc, err := NewService(Options{Fetcher: fetcher, Store: store, Blobs: blobs, Compressed: false})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return testEnv{svc: svc, store: store, blobs: blobs}
}

func TestOverlappingGetFileKeepsBodyAndValidatorsPaired(t *testing.T) {
	const p = "/14.x/x86/tcz/race.tcz"
	fetcher := newScriptedFetcher()
	inner, err := cache.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore error: %v", err)
	}
	blobs := &gatedBlobs{BlobStore: inner, armed: true, committed: make(chan struct{}), release: make(chan struct{})}
	env := newScriptedService(t, fetcher, blobs)
	ctx := context.Background()

	// A 下载 v1，正文 rename 之后停住。
	fetcher.set(p, []byte("v1"), `"v1"`)
	errA := make(chan error, 1)
	go func() {
		_, err := env.svc.GetFile(ctx, "14.x", "x86", "race.tcz", nil, nil)
		errA <- err
	}()
	<-blobs.committed

	// 上游更新为 v2，B 在 A 写入校验头之前完成下载。
	fetcher.set(p, []byte("v2"), `"v2"`)
	doneB := make(chan error, 1)
	go func() {
		_, err := env.svc.GetFile(ctx, "14.x", "x86", "race.tcz", nil, nil)
		doneB <- err
	}()
	select {
	case err := <-doneB:
		// B 没有等待 A 的提交：正文与校验头不在同一把锁内。
		close(blobs.release)
		<-errA
		t.Fatalf("overlapping commit was not serialized (B err=%v)", err)
	case <-time.After(200 * time.Millisecond):
	}
	close(blobs.release)
	if err := <-errA; err != nil {
		t.Fatalf("GetFile A error: %v", err)
	}
	if err := <-doneB; err != nil {
		t.Fatalf("GetFile B error: %v", err)
	}

	key := cache.ResourceKey{Version: "14.x", Arch: "x86", Name: "race.tcz"}
	entry := storedEntry(t, env.store, key)
	blob, err := inner.Open(ctx, key)
	if err != nil {
		t.Fatalf("blob open: %v", err)
	}
	var body bytes.Buffer
	_, _ = body.ReadFrom(blob.Reader)
	blob.Reader.Close()
	if `"`+body.String()+`"` != entry.Validators.ETag {
		t.Fatalf("stored body %q paired with validators %+v", body.String(), entry.Validators)
	}

	// 之后的读取必须得到与上游一致的正文。
	res, err := env.svc.GetFile(ctx, "14.x", "x86", "race.tcz", nil, nil)
	if err != nil {
		t.Fatalf("GetFile error: %v", err)
	}
	if string(res.Body) != "v2" {
		t.Fatalf("served stale body %q (outcome=%s cached=%v)", res.Body, res.Outcome, res.Cached)
	}
}

func TestOverlappingIndexFetchesStoreOneConsistentEntry(t *testing.T) {
	const p = "/14.x/x86/tcz/info.lst"
	fetcher := newScriptedFetcher()
	env := newScriptedService(t, fetcher, nil)
	ctx := context.Background()

	fetcher.set(p, []byte("old.tcz\n"), `"i1"`)
	release := fetcher.hold(p)
	errA := make(chan error, 1)
	go func() {
		_, err := env.svc.PackageList(ctx, "14.x", "x86")
		errA <- err
	}()
	<-fetcher.fetched

	fetcher.set(p, []byte("new.tcz\n"), `"i2"`)
	resB, err := env.svc.PackageList(ctx, "14.x", "x86")
	if err != nil {
		t.Fatalf("PackageList B error: %v", err)
	}
	<-fetcher.fetched
	if !reflect.DeepEqual(resB.Value, index.PackageList{"new.tcz"}) {
		t.Fatalf("unexpected list %v", resB.Value)
	}
	release()
	if err := <-errA; err != nil {
		t.Fatalf("PackageList A error: %v", err)
	}

	key := cache.ResourceKey{Version: "14.x", Arch: "x86", Name: "info.lst"}
	entry := storedEntry(t, env.store, key)
	var stored index.PackageList
	if err := codec.Unmarshal(entry.Artifact, &stored); err != nil {
		t.Fatalf("decode stored artifact: %v", err)
	}
	want := map[string]index.PackageList{`"i1"`: {"old.tcz"}, `"i2"`: {"new.tcz"}}
	if !reflect.DeepEqual(stored, want[entry.Validators.ETag]) {
		t.Fatalf("artifact %v stored with validators %+v", stored, entry.Validators)
	}

	// 无论哪次提交最后落地，下一次读取都与上游一致。
	res, err := env.svc.PackageList(ctx, "14.x", "x86")
	if err != nil {
		t.Fatalf("PackageList error: %v", err)
	}
	if !reflect.DeepEqual(res.Value, index.PackageList{"new.tcz"}) {
		t.Fatalf("expected current list, got %v (cached=%v)", res.Value, res.Cached)
	}
}

func TestSlowFetchDoesNotBlockOtherKeys(t *testing.T) {
	fetcher := newScriptedFetcher()
	env := newScriptedService(t, fetcher, nil)
	fetcher.set("/14.x/x86/tcz/slow.tcz", []byte("slow"), `"s"`)
	fetcher.set("/14.x/x86/tcz/sizelist", []byte("fast.tcz 4\n"), `"f"`)

	release := fetcher.hold("/14.x/x86/tcz/slow.tcz")
	ctx, cancel := context.WithCancel(context.Background())
	slowDone := make(chan struct{})
	defer func() {
		cancel()
		release()
		<-slowDone
	}()
	go func() {
		defer close(slowDone)
		_, _ = env.svc.GetFile(ctx, "14.x", "x86", "slow.tcz", nil, nil)
	}()
	<-fetcher.fetched

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.SizeList(context.Background(), "14.x", "x86")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SizeList error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("fetch of another key was blocked by a slow download")
	}
}

// recordingSink 记录 BeginBody 调用时已写入的字节数。
type recordingSink struct {
	bytes.Buffer
	begins      int
	cached      bool
	validators  upstream.Validators
	sizeAtBegin int
}

func (r *recordingSink) BeginBody(v upstream.Validators, cached bool) {
	r.begins++
	r.validators = v
	r.cached = cached
	r.sizeAtBegin = r.Len()
}

func TestGetFileAnnouncesHeadersBeforeBody(t *testing.T) {
	fetcher := newScriptedFetcher()
	env := newScriptedService(t, fetcher, nil)
	fetcher.set("/14.x/x86/tcz/hdr.tcz", []byte("content"), `"h"`)
	ctx := context.Background()

	fresh := &recordingSink{}
	if _, err := env.svc.GetFile(ctx, "14.x", "x86", "hdr.tcz", fresh, nil); err != nil {
		t.Fatalf("GetFile error: %v", err)
	}
	<-fetcher.fetched
	if fresh.begins != 1 || fresh.cached || fresh.validators.ETag != `"h"` || fresh.sizeAtBegin != 0 {
		t.Fatalf("unexpected fresh announcement %+v", fresh)
	}

	cachedSink := &recordingSink{}
	if _, err := env.svc.GetFile(ctx, "14.x", "x86", "hdr.tcz", cachedSink, nil); err != nil {
		t.Fatalf("GetFile error: %v", err)
	}
	if cachedSink.begins != 1 || !cachedSink.cached || cachedSink.sizeAtBegin != 0 || cachedSink.String() != "content" {
		t.Fatalf("unexpected cached announcement %+v", cachedSink)
	}

	bare := &recordingSink{}
	if _, err := env.svc.GetFile(ctx, "14.x", "x86", "hdr.tcz", bare, &upstream.Validators{ETag: `"h"`}); err != nil {
		t.Fatalf("GetFile error: %v", err)
	}
	if bare.begins != 0 || bare.Len() != 0 {
		t.Fatalf("bare not modified must not announce a body: %+v", bare)
	}
}

func TestFetchLogCarriesUpstreamResponse(t *testing.T) {
	stub, srv := newMirrorStub(t)
	stub.set("/14.x/x86/tcz/info.lst", []byte("a.tcz\n"), `"l1"`)
	fetcher, err := upstream.NewFetcher(upstream.Options{BaseURL: srv.URL, Client: http.DefaultClient})
	if err != nil {
		t.Fatalf("NewFetcher error: %v", err)
	}
	blobs, err := cache.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore error: %v", err)
	}
	logger, hook := logtest.NewNullLogger()
	svc, err := NewService(Options{Fetcher: fetcher, Store: cache.NewMemoryStore(), Blobs: blobs, Logger: logger})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}

	ctx := context.Background()
	for _, want := range []int{http.StatusOK, http.StatusNotModified} {
		hook.Reset()
		if _, err := svc.PackageList(ctx, "14.x", "x86"); err != nil {
			t.Fatalf("PackageList error: %v", err)
		}
		entry := hook.LastEntry()
		if entry == nil || entry.Data["action"] != "mirror_fetch" {
			t.Fatalf("expected mirror_fetch log line, got %+v", entry)
		}
		if entry.Data["upstream_status"] != want {
			t.Fatalf("expected upstream_status %d, got %v", want, entry.Data["upstream_status"])
		}
		if entry.Data["upstream"] != srv.URL+"/14.x/x86/tcz/info.lst" {
			t.Fatalf("unexpected upstream field %v", entry.Data["upstream"])
		}
	}

	hook.Reset()
	stub.fail("/14.x/x86/tcz/info.lst", http.StatusBadGateway)
	if _, err := svc.PackageList(ctx, "14.x", "x86"); err == nil {
		t.Fatalf("expected upstream error")
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Data["error"] == nil {
		t.Fatalf("expected failure logged, got %+v", entry)
	}
	if _, ok := entry.Data["upstream_status"]; ok {
		t.Fatalf("failed fetch has no response to report")
	}
}
