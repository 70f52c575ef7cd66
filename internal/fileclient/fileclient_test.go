package fileclient

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
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mredolatti/tf/internal/catalog"
	"github.com/mredolatti/tf/internal/model"
)

// selfSignedCert writes a PEM cert+key pair valid for 127.0.0.1,
// usable both as the test server's leaf certificate and (since it is
// self-signed) as its own root CA.
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

func TestListParsesFiles(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath, cert := selfSignedCert(t, dir)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":"success","data":{"files":[{"id":"f1","name":"a.txt","sizeBytes":11,"lastUpdated":1700000000}]}}`))
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	defer srv.Close()

	cat := catalog.FromCredentials([]catalog.Credential{
		{Organization: "o1", Server: "s1", RootCA: certPath, ClientCert: certPath, ClientKey: keyPath},
	})
	cat.UpdateFetchURL("o1", "s1", srv.URL)

	c := New(cat)
	files, err := c.List(context.Background(), "o1", "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 1 || files[0].ID != "f1" {
		t.Fatalf("unexpected files: %+v", files)
	}
}

func TestContentsAndUpdateContentsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath, cert := selfSignedCert(t, dir)

	var lastPUTBody []byte
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/r1/contents":
			w.Write([]byte("hello world"))
		case r.Method == http.MethodPut && r.URL.Path == "/r1/contents":
			lastPUTBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	defer srv.Close()

	cat := catalog.FromCredentials([]catalog.Credential{
		{Organization: "o1", Server: "s1", RootCA: certPath, ClientCert: certPath, ClientKey: keyPath},
	})
	cat.UpdateFetchURL("o1", "s1", srv.URL)
	c := New(cat)

	data, err := c.Contents(context.Background(), "o1", "s1", "r1")
	if err != nil {
		t.Fatalf("Contents: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("got %q", data)
	}

	if err := c.UpdateContents(context.Background(), "o1", "s1", "r1", []byte("HI")); err != nil {
		t.Fatalf("UpdateContents: %v", err)
	}
	if string(lastPUTBody) != "HI" {
		t.Fatalf("server received %q, want HI", lastPUTBody)
	}
}

func TestTouchOmitsEmptyFields(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath, cert := selfSignedCert(t, dir)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if _, ok := body["notes"]; ok {
			t.Fatal("expected notes to be omitted when empty")
		}
		if body["name"] != "r2" {
			t.Fatalf("unexpected name field: %v", body["name"])
		}
		w.Write([]byte(`{"status":"success"}`))
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	defer srv.Close()

	cat := catalog.FromCredentials([]catalog.Credential{
		{Organization: "o1", Server: "s1", RootCA: certPath, ClientCert: certPath, ClientKey: keyPath},
	})
	cat.UpdateFetchURL("o1", "s1", srv.URL)
	c := New(cat)

	err := c.Touch(context.Background(), "o1", "s1", model.FileMetadata{Name: "r2", SizeBytes: 0})
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
}

func TestResolveUnknownServer(t *testing.T) {
	c := New(catalog.New())
	if _, err := c.List(context.Background(), "o1", "s1"); err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestResolveMissingFetchURL(t *testing.T) {
	cat := catalog.FromCredentials([]catalog.Credential{{Organization: "o1", Server: "s1"}})
	c := New(cat)
	if _, err := c.List(context.Background(), "o1", "s1"); err == nil {
		t.Fatal("expected error when fetch URL has not been synced yet")
	}
}
