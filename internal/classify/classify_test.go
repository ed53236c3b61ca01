package classify

import (
	"math"
	"testing"
)

func statusSrc(status int) FieldStatusSource {
	return FieldStatusSource{Status: &status}
}

func TestClassify_HTTPStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{401, KindNonRetriableCredential},
		{403, KindNonRetriableCredential},
		{402, KindNonRetriableQuota},
		{400, KindNonRetriableClient},
		{404, KindNonRetriableClient},
		{422, KindNonRetriableClient},
		{429, KindRetriable},
		{500, KindRetriable},
		{502, KindRetriable},
		{503, KindRetriable},
		{504, KindRetriable},
		{418, KindNonRetriableClient}, // unmapped 4xx
		{599, KindRetriable},          // unmapped 5xx
	}
	for _, tc := range cases {
		got := Classify(statusSrc(tc.status))
		if got != tc.want {
			t.Errorf("status %d: got %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestClassify_TimeoutSignalsAreRetriable(t *testing.T) {
	for _, name := range []string{"ERR_TIMEOUT", "ETIMEDOUT", "ECONNABORTED", "TimeoutError", "AbortError"} {
		src := FieldStatusSource{TimeoutName: name}
		if got := Classify(src); got != KindRetriable {
			t.Errorf("timeout signal %s: got %s, want retriable", name, got)
		}
	}
}

func TestClassify_UnknownDefaultsToRetriable(t *testing.T) {
	if got := Classify(FieldStatusSource{}); got != KindRetriable {
		t.Errorf("got %s, want retriable (fail-safe default)", got)
	}
}

// TestClassify_StatusPrecedesTimeout is the §8 property test: when both a
// status code and a timeout name are present, the status code's
// classification wins.
func TestClassify_StatusPrecedesTimeout(t *testing.T) {
	statuses := []int{401, 403, 402, 400, 404, 422}
	for _, status := range statuses {
		s := status
		src := FieldStatusSource{Status: &s, TimeoutName: "TimeoutError"}
		got := Classify(src)
		want := classifyStatus(status)
		if got != want {
			t.Errorf("status %d with timeout name present: got %s, want %s (status must win)", status, got, want)
		}
		if got == KindRetriable && status != 429 {
			t.Errorf("status %d should not resolve to retriable via the timeout path", status)
		}
	}
}

func TestClassify_FieldPrecedence(t *testing.T) {
	status, code, resp := 200, 401, 500
	// .status is present and must win over .statusCode/.response.status.
	src := FieldStatusSource{Status: &status, Code: &code, ResponseStatus: &resp}
	got, ok := src.StatusCode()
	if !ok || got != 200 {
		t.Fatalf("expected .status field to take precedence, got %d ok=%v", got, ok)
	}
}

func TestShouldRetry_OnlyRetriableAndUnderMaxAttempts(t *testing.T) {
	cfg := DefaultBackoffConfig()
	zeroRand := func() float64 { return 0 }

	d := ShouldRetry(KindRetriable, 0, 3, cfg, zeroRand)
	if !d.ShouldRetry {
		t.Fatal("expected retry on first attempt of a retriable error under maxAttempts")
	}

	d = ShouldRetry(KindRetriable, 2, 3, cfg, zeroRand)
	if d.ShouldRetry {
		t.Fatal("expected no retry once attempt+1 reaches maxAttempts")
	}

	d = ShouldRetry(KindNonRetriableClient, 0, 3, cfg, zeroRand)
	if d.ShouldRetry {
		t.Fatal("expected no retry for a non-retriable classification")
	}
}

// TestBackoff_BoundsProperty is the §8 property test: delay <= capMs+jitterMs
// and delay >= baseMs*min(2^attempt, capMs/baseMs), ignoring jitter on the
// lower bound.
func TestBackoff_BoundsProperty(t *testing.T) {
	cfg := DefaultBackoffConfig()
	for attempt := 0; attempt < 20; attempt++ {
		for _, r := range []float64{0, 0.3, 0.999} {
			rand01 := func() float64 { return r }
			delay := cfg.Delay(attempt, rand01)

			upper := cfg.CapMs + cfg.JitterMs
			if delay > upper {
				t.Fatalf("attempt %d rand %v: delay %d exceeds upper bound %d", attempt, r, delay, upper)
			}

			ratioCap := float64(cfg.CapMs) / float64(cfg.BaseMs)
			factor := math.Min(math.Pow(2, float64(attempt)), ratioCap)
			lower := int64(float64(cfg.BaseMs) * factor)
			if delay < lower {
				t.Fatalf("attempt %d rand %v: delay %d below lower bound %d", attempt, r, delay, lower)
			}
		}
	}
}
