package filemanager

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mredolatti/tf/internal/catalog"
	"github.com/mredolatti/tf/internal/config"
	"github.com/mredolatti/tf/internal/contentcache"
	"github.com/mredolatti/tf/internal/fileclient"
	"github.com/mredolatti/tf/internal/indexclient"
	"github.com/mredolatti/tf/internal/mirrortree"
	"github.com/mredolatti/tf/internal/openfiles"
)

// fakeIndexServer is a minimal stand-in for the index server's JSON
// contract, serving fixed mappings and servers and recording the last
// mutation it received.
type fakeIndexServer struct {
	mappings []map[string]interface{}
	servers  []map[string]interface{}

	lastMethod string
	lastPath   string
	lastBody   map[string]interface{}
}

func (f *fakeIndexServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.lastMethod = r.Method
		f.lastPath = r.URL.Path
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&f.lastBody)
		}
		switch {
		case r.URL.Path == "/api/clients/v1/mappings" && r.Method == http.MethodGet:
			writeJSON(w, map[string]interface{}{"status": "success", "data": map[string]interface{}{"mappings": f.mappings}})
		case r.URL.Path == "/api/clients/v1/servers" && r.Method == http.MethodGet:
			writeJSON(w, map[string]interface{}{"status": "success", "data": map[string]interface{}{"servers": f.servers}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/clients/v1/mappings":
			f.lastBody["id"] = "new-mapping"
			writeJSON(w, map[string]interface{}{"status": "success", "data": map[string]interface{}{"mapping": f.lastBody}})
		case r.Method == http.MethodPut:
			writeJSON(w, map[string]interface{}{"status": "success", "data": map[string]interface{}{"mapping": f.lastBody}})
		case r.Method == http.MethodDelete:
			writeJSON(w, map[string]interface{}{"status": "success"})
		default:
			writeJSON(w, map[string]interface{}{"status": "fail", "message": "unhandled"})
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, _ := json.Marshal(v)
	w.Write(data)
}

// fakeFileServer serves file bodies keyed by ref over mutual TLS.
type fakeFileServer struct {
	bodies map[string]string

	lastPUTRef  string
	lastPUTBody []byte
}

func (f *fakeFileServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/contents"):
			ref := refFromContentsPath(r.URL.Path)
			body, ok := f.bodies[ref]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(body))
		case r.Method == http.MethodPut:
			ref := refFromContentsPath(r.URL.Path)
			data, _ := io.ReadAll(r.Body)
			f.lastPUTRef = ref
			f.lastPUTBody = data
			if f.bodies == nil {
				f.bodies = map[string]string{}
			}
			f.bodies[ref] = string(data)
		case r.Method == http.MethodPost:
			w.Write([]byte(`{"status":"success"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func refFromContentsPath(p string) string {
	// "/r1/contents" -> "r1"
	trimmed := p
	if len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			return trimmed[:i]
		}
	}
	return trimmed
}

func selfSignedCert(t *testing.T, dir string) (certPath, keyPath string, cert tls.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatal(err)
	}
	pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	certOut.Close()
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	keyOut.Close()
	cert, err = tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath, cert
}

// testHarness wires a FileManager against a fake index server and a
// fake, mutually-TLS-authenticated file server, seeded with one
// mapping docs/a.txt -> o1/s1/r1 (11 bytes) and one known server
// o1/s1.
type testHarness struct {
	fm         *FileManager
	index      *fakeIndexServer
	file       *fakeFileServer
	indexSrv   *httptest.Server
	fileSrv    *httptest.Server
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	certPath, keyPath, cert := selfSignedCert(t, dir)

	fIndex := &fakeIndexServer{
		mappings: []map[string]interface{}{
			{"id": "m1", "path": "docs/a.txt", "organizationName": "o1", "serverName": "s1", "ref": "r1", "sizeBytes": 11, "updated": 1700000000},
		},
		servers: nil,
	}
	indexSrv := httptest.NewServer(fIndex.handler())

	fFile := &fakeFileServer{bodies: map[string]string{"r1": "hello world"}}
	fileSrv := httptest.NewUnstartedServer(fFile.handler())
	fileSrv.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, ClientAuth: tls.RequireAnyClientCert}
	fileSrv.StartTLS()

	fIndex.servers = []map[string]interface{}{
		{"id": "fs1", "organizationName": "o1", "name": "s1", "fileFetchUrl": fileSrv.URL},
	}

	cat := catalog.FromCredentials([]catalog.Credential{
		{Organization: "o1", Server: "s1", RootCA: certPath, ClientCert: certPath, ClientKey: keyPath},
	})

	ic := indexclient.New(indexSrv.URL, indexSrv.Client(), config.StaticToken("tok"))
	fc := fileclient.New(cat)

	fm := New(mirrortree.New(), contentcache.New(), openfiles.New(), cat, ic, fc)
	if err := fm.Sync(context.Background()); err != nil {
		t.Fatalf("initial Sync: %v", err)
	}

	t.Cleanup(func() {
		indexSrv.Close()
		fileSrv.Close()
	})

	return &testHarness{fm: fm, index: fIndex, file: fFile, indexSrv: indexSrv, fileSrv: fileSrv}
}

func TestSyncScenario1(t *testing.T) {
	h := newHarness(t)

	root, err := h.fm.List("/")
	if err != nil {
		t.Fatalf("List(/): %v", err)
	}
	names := map[string]bool{}
	for _, v := range root {
		names[v.Name] = true
	}
	if !names["servers"] || !names["docs"] {
		t.Fatalf("expected servers and docs at root, got %+v", root)
	}

	link, err := h.fm.Stat("docs/a.txt")
	if err != nil {
		t.Fatalf("Stat(docs/a.txt): %v", err)
	}
	if link.Type != mirrortree.Link || link.Ref != "r1" {
		t.Fatalf("unexpected link view: %+v", link)
	}

	sf, err := h.fm.Stat("servers/o1/s1/r1")
	if err != nil {
		t.Fatalf("Stat(servers/o1/s1/r1): %v", err)
	}
	if sf.Type != mirrortree.ServerFile || sf.SizeBytes != 11 {
		t.Fatalf("unexpected server file view: %+v", sf)
	}
}

func TestReadThroughLinkScenario2(t *testing.T) {
	h := newHarness(t)
	buf := make([]byte, 11)
	n, err := h.fm.Read(context.Background(), "docs/a.txt", buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 11 || string(buf) != "hello world" {
		t.Fatalf("got n=%d buf=%q", n, buf)
	}
}

func TestWriteFlushScenario3(t *testing.T) {
	h := newHarness(t)
	n, err := h.fm.Write(context.Background(), "servers/o1/s1/r1", []byte("HI"), 0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 2 {
		t.Fatalf("got n=%d, want 2", n)
	}
	if err := h.fm.Flush(context.Background(), "servers/o1/s1/r1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if h.file.lastPUTRef != "r1" || string(h.file.lastPUTBody) != "HI" {
		t.Fatalf("unexpected PUT: ref=%q body=%q", h.file.lastPUTRef, h.file.lastPUTBody)
	}
}

func TestLinkRejectedInServerPathScenario4(t *testing.T) {
	h := newHarness(t)
	err := h.fm.Link(context.Background(), "servers/o1/s1/r1", "servers/other/x/y")
	if err == nil {
		t.Fatal("expected InvalidLinkDestination error")
	}
}

func TestRenameScenario5(t *testing.T) {
	h := newHarness(t)
	if err := h.fm.Rename(context.Background(), "docs/a.txt", "work/b.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := h.fm.Stat("docs/a.txt"); err == nil {
		t.Fatal("expected old link to be gone")
	}
	view, err := h.fm.Stat("work/b.txt")
	if err != nil {
		t.Fatalf("Stat(work/b.txt): %v", err)
	}
	if view.Type != mirrortree.Link || view.Organization != "o1" || view.Server != "s1" || view.Ref != "r1" {
		t.Fatalf("unexpected view after rename: %+v", view)
	}
}

func TestTouchThenListScenario6(t *testing.T) {
	h := newHarness(t)
	if err := h.fm.Touch(context.Background(), "servers/o1/s1/r2"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	children, err := h.fm.List("servers/o1/s1")
	if err != nil {
		t.Fatalf("List(servers/o1/s1): %v", err)
	}
	names := map[string]bool{}
	for _, v := range children {
		names[v.Name] = true
	}
	if !names["r1"] || !names["r2"] {
		t.Fatalf("expected both r1 and r2, got %+v", children)
	}
}

func TestWriteRejectedOnNonServerNonLinkPath(t *testing.T) {
	h := newHarness(t)
	if err := h.fm.Mkdir("plain-dir"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := h.fm.Write(context.Background(), "plain-dir", []byte("x"), 0); err == nil {
		t.Fatal("expected write to a Folder to be rejected")
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	h := newHarness(t)
	before, err := h.fm.Stat("servers/o1/s1/r1")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := h.fm.Sync(context.Background()); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	after, err := h.fm.Stat("servers/o1/s1/r1")
	if err != nil {
		t.Fatalf("Stat after second sync: %v", err)
	}
	if before != after {
		t.Fatalf("expected identical view across idempotent sync, got %+v vs %+v", before, after)
	}
}

// TestConcurrentReadsAreSafe drives many concurrent Reads of the same
// path through a single FileManager, the way the filesystem bridge
// dispatches upcalls from parallel kernel-facing threads.
func TestConcurrentReadsAreSafe(t *testing.T) {
	h := newHarness(t)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			buf := make([]byte, 11)
			n, err := h.fm.Read(ctx, "docs/a.txt", buf, 0)
			if err != nil {
				return err
			}
			if n != 11 || string(buf) != "hello world" {
				return fmt.Errorf("unexpected read result %q (%d bytes)", buf[:n], n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Read: %v", err)
	}
}
