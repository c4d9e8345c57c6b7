package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/geocube-fetcher/service"
)

func TestArchiveSourceLocal(t *testing.T) {
	ctx := context.Background()
	archive := t.TempDir()
	os.MkdirAll(filepath.Join(archive, "s2", "UTM31N"), 0755)
	os.WriteFile(filepath.Join(archive, "s2", "UTM31N", "s2_UTM31N_400000_5000000.tif"), []byte("chip"), 0644)

	as, err := NewArchiveSource(Config{Name: "s2", Raster: true, URIPattern: archive + "/{SOURCE}/{CRS}/{SOURCE}_{TILE}.tif"})
	if err != nil {
		t.Fatal(err)
	}
	sess, err := as.NewSession(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	d, err := as.Get(ctx, sess, Query{AOI: testTile})
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "out.tif")
	if err := d.Download(ctx, DownloadRequest{Out: out}); err != nil {
		t.Fatal(err)
	}
	if b, err := os.ReadFile(out); err != nil || string(b) != "chip" {
		t.Errorf("unexpected content %q (%v)", b, err)
	}

	other := testTile
	other.Left += 5000
	_, err = as.Get(ctx, sess, Query{AOI: other})
	if !errors.Is(err, ErrChipNotFound) {
		t.Errorf("expected ErrChipNotFound, got %v", err)
	}
	if service.IsTransfer(err) || service.Temporary(err) {
		t.Error("a missing chip must not be retried")
	}
}

func TestArchiveSourcePattern(t *testing.T) {
	as, err := NewArchiveSource(Config{Name: "s2", URIPattern: "gs://bucket/{SOURCE}/{TILE}_{DATE}.tif"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := as.URI(Query{AOI: testTile}); !service.Fatal(err) {
		t.Errorf("unknown key must be fatal, got %v", err)
	}

	as, _ = NewArchiveSource(Config{Name: "s2", URIPattern: "s3://bucket/{CRS}/{LEFT}/{BOTTOM}.tif"})
	uri, err := as.URI(Query{AOI: testTile})
	if err != nil {
		t.Fatal(err)
	}
	if uri != "s3://bucket/UTM31N/400000/5000000.tif" {
		t.Errorf("unexpected uri %s", uri)
	}
	bucket, key := splitBucket(uri)
	if bucket != "bucket" || key != "UTM31N/400000/5000000.tif" {
		t.Errorf("unexpected split %s %s", bucket, key)
	}

	if _, err := NewArchiveSource(Config{Name: "s2", URIPattern: "sftp://host/{TILE}.tif"}); err == nil {
		t.Error("sftp is not supported")
	}
	if ftpPath("ftp://ftp.example.org:21/chips/a.tif") != "/chips/a.tif" {
		t.Error("unexpected ftp path")
	}
}

func TestArchiveSourceHTTP(t *testing.T) {
	ctx := context.Background()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, password, ok := r.BasicAuth(); !ok || user != "user" || password != "pwd" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/s2/UTM31N_400000_5000000.tif" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("remote chip"))
	}))
	defer ts.Close()

	as, err := NewArchiveSource(Config{Name: "s2", URIPattern: ts.URL + "/{SOURCE}/{TILE}.tif"})
	if err != nil {
		t.Fatal(err)
	}
	sess, _ := as.NewSession(ctx, "user:pwd")
	d, err := as.Get(ctx, sess, Query{AOI: testTile})
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "out.tif")
	if err := d.Download(ctx, DownloadRequest{Out: out}); err != nil {
		t.Fatal(err)
	}
	if b, _ := os.ReadFile(out); string(b) != "remote chip" {
		t.Errorf("unexpected content %q", b)
	}

	other := testTile
	other.Bottom += 5000
	if _, err := as.Get(ctx, sess, Query{AOI: other}); !errors.Is(err, ErrChipNotFound) {
		t.Errorf("expected ErrChipNotFound, got %v", err)
	}

	sess, _ = as.NewSession(ctx, "user:wrong")
	if _, err := as.Get(ctx, sess, Query{AOI: testTile}); err == nil || errors.Is(err, ErrChipNotFound) {
		t.Errorf("expected an authorization error, got %v", err)
	}
}
