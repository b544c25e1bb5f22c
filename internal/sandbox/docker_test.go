package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

// fakeDaemon answers the two image endpoints EnsureImage uses.
type fakeDaemon struct {
	mu            sync.Mutex
	inspectStatus int
	pulls         int
}

func (d *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/json"):
		w.WriteHeader(d.inspectStatus)
		if d.inspectStatus == http.StatusOK {
			_, _ = w.Write([]byte(`{"Id":"sha256:0123"}`))
			return
		}
		_, _ = w.Write([]byte(`{"message":"no such image"}`))
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/images/create"):
		d.pulls++
		_, _ = w.Write([]byte(`{"status":"Pulling from library/python"}` + "\n" + `{"status":"Download complete"}` + "\n"))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"unexpected request"}`))
	}
}

func newTestDockerEngine(t *testing.T, d *fakeDaemon) *dockerEngine {
	t.Helper()
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)

	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+srv.Listener.Addr().String()),
		client.WithVersion("1.47"),
	)
	if err != nil {
		t.Fatalf("docker client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	log := zerolog.Nop()
	return &dockerEngine{cli: cli, logger: &log}
}

func TestEnsureImage(t *testing.T) {
	cases := []struct {
		name          string
		inspectStatus int
		wantPulls     int
		wantErr       bool
	}{
		{"present", http.StatusOK, 0, false},
		{"missing is pulled", http.StatusNotFound, 1, false},
		{"daemon error", http.StatusInternalServerError, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDaemon{inspectStatus: tc.inspectStatus}
			e := newTestDockerEngine(t, d)

			err := e.EnsureImage(context.Background(), "python:3.8.1")
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.pulls != tc.wantPulls {
				t.Fatalf("pulls = %d, want %d", d.pulls, tc.wantPulls)
			}
		})
	}
}
