package limiter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestPerIPBurst(t *testing.T) {
	rl := NewRateLimiter(1000, 0.001, 2, 100)
	for i := 0; i < 2; i++ {
		if !rl.Allow("1.1.1.1") {
			t.Fatalf("request %d within burst rejected", i)
		}
		rl.Done()
	}
	if rl.Allow("1.1.1.1") {
		t.Fatal("request beyond burst admitted")
	}
	if !rl.Allow("2.2.2.2") {
		t.Fatal("other client throttled")
	}
}

func TestConcurrencyCap(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, 1000, 1)
	if !rl.Allow("a") {
		t.Fatal("first request rejected")
	}
	if rl.Allow("b") {
		t.Fatal("second concurrent request admitted")
	}
	rl.Done()
	if !rl.Allow("b") {
		t.Fatal("request rejected after slot freed")
	}
}

func TestPrune(t *testing.T) {
	rl := NewRateLimiter(1000, 10, 10, 10)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	rl.Done()
	now = now.Add(10 * time.Minute)
	rl.Allow("fresh")
	rl.Done()

	if removed := rl.Prune(5 * time.Minute); removed != 1 {
		t.Fatalf("removed %d limiters, want 1", removed)
	}
	if _, ok := rl.perIPLimiters.Load("fresh"); !ok {
		t.Fatal("active limiter pruned")
	}
}

func TestMiddleware(t *testing.T) {
	rl := NewRateLimiter(1000, 0.001, 1, 10)
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status codes: %v", codes)
	}
}
