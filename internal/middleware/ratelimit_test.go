package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiter_AllowAndDeny(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(2, time.Minute, func() time.Time { return clock })
	defer rl.Stop()

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("ip"); !ok {
			t.Fatalf("expected allow")
		}
	}
	clock = clock.Add(15 * time.Second)
	ok, retry := rl.Allow("ip")
	if ok {
		t.Fatalf("expected deny")
	}
	if retry != 45*time.Second {
		t.Fatalf("expected 45s retry, got %v", retry)
	}
	if ok, _ := rl.Allow("other"); !ok {
		t.Fatalf("keys must be limited independently")
	}

	clock = clock.Add(time.Minute)
	if ok, _ := rl.Allow("ip"); !ok {
		t.Fatalf("expected allow after window")
	}
}

func TestThrottle_SetsRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(1, time.Minute, func() time.Time { return clock })
	defer rl.Stop()

	r := gin.New()
	r.POST("/login", Throttle(rl, nil), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	var last *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		last = httptest.NewRecorder()
		r.ServeHTTP(last, httptest.NewRequest(http.MethodPost, "/login", nil))
		codes = append(codes, last.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
	if got := last.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
}
