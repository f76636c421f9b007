package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidate(t *testing.T) {
	ok := benchArgs{N: 10, Concurrency: 2, Queries: defaultQueries}
	if err := validate(ok); err != nil {
		t.Fatalf("validate(%+v) = %v", ok, err)
	}
	for _, bad := range []benchArgs{
		{N: 10, Concurrency: 0},
		{N: 0, Concurrency: 4},
		{N: 10, Concurrency: 4, Profile: "block"},
	} {
		if err := validate(bad); err == nil {
			t.Errorf("validate(%+v) accepted", bad)
		}
	}
}

func TestSearchBenchmarkCollectsSamples(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ids":[]}`))
	}))
	defer srv.Close()

	args := benchArgs{API: srv.URL, N: 25, Concurrency: 3, Queries: []string{"a", "b"}}
	lat, n, err := runSearchBenchmark(context.Background(), args)
	if err != nil {
		t.Fatalf("runSearchBenchmark: %v", err)
	}
	if len(lat) != 25 || n != 25*10 {
		t.Errorf("got %d samples and %d bytes", len(lat), n)
	}
}

func TestSearchBenchmarkReturnsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	args := benchArgs{API: srv.URL, N: 50, Concurrency: 2, Queries: []string{"a"}}
	if _, _, err := runSearchBenchmark(context.Background(), args); err == nil {
		t.Fatal("expected the failing server to surface as an error")
	}
}
