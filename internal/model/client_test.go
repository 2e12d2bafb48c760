package model

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/maauso/subpipe/internal/fault"
	"github.com/maauso/subpipe/internal/job"
)

func testRequest() Request {
	return Request{
		SegmentRef:      "s3://bucket/job-1/segment_000000000.mp4",
		SegmentChecksum: "abc",
		Language:        "eng",
		Mode:            job.ModeStandard,
		Prompt:          Prompt{Text: "subtitle it", Version: "builtin-1"},
	}
}

func newServerClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(srv.URL, "test-key", WithModelID("subgen-media-1"))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestHTTPClient_Generate(t *testing.T) {
	ctx := context.Background()

	t.Run("returns cue text and sends auth header", func(t *testing.T) {
		var gotAuth string
		c := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte(`{"cue_text":"1\n00:00:01,000 --> 00:00:02,000\nHi.\n"}`))
		})

		text, err := c.Generate(ctx, testRequest())
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if text == "" {
			t.Error("expected cue text")
		}
		if gotAuth != "Bearer test-key" {
			t.Errorf("Authorization = %q", gotAuth)
		}
	})

	t.Run("status mapping", func(t *testing.T) {
		cases := []struct {
			status int
			want   fault.Kind
		}{
			{http.StatusUnauthorized, fault.KindAuthFault},
			{http.StatusForbidden, fault.KindAuthFault},
			{http.StatusTooManyRequests, fault.KindQuotaExceeded},
			{http.StatusInternalServerError, fault.KindTransientIO},
			{http.StatusServiceUnavailable, fault.KindTransientIO},
			{http.StatusUnprocessableEntity, fault.KindModelOutputInvalid},
		}
		for _, tc := range cases {
			c := newServerClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			})
			_, err := c.Generate(ctx, testRequest())
			if err == nil {
				t.Fatalf("status %d: expected error", tc.status)
			}
			if got := fault.KindOf(err); got != tc.want {
				t.Errorf("status %d: kind = %v, want %v", tc.status, got, tc.want)
			}
		}
	})

	t.Run("undecodable body is invalid model output", func(t *testing.T) {
		c := newServerClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json at all"))
		})
		_, err := c.Generate(ctx, testRequest())
		if fault.KindOf(err) != fault.KindModelOutputInvalid {
			t.Errorf("kind = %v, want ModelOutputInvalid", fault.KindOf(err))
		}
	})

	t.Run("empty cue text is invalid model output", func(t *testing.T) {
		c := newServerClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"cue_text":""}`))
		})
		_, err := c.Generate(ctx, testRequest())
		if fault.KindOf(err) != fault.KindModelOutputInvalid {
			t.Errorf("kind = %v, want ModelOutputInvalid", fault.KindOf(err))
		}
	})

	t.Run("endpoint error field surfaces", func(t *testing.T) {
		c := newServerClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"error":"clip too long"}`))
		})
		_, err := c.Generate(ctx, testRequest())
		if err == nil || fault.KindOf(err) != fault.KindModelOutputInvalid {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("constructor validation", func(t *testing.T) {
		if _, err := NewHTTPClient("", "key"); err != ErrEndpointRequired {
			t.Errorf("err = %v, want ErrEndpointRequired", err)
		}
		if _, err := NewHTTPClient("http://localhost", ""); err != ErrAPIKeyRequired {
			t.Errorf("err = %v, want ErrAPIKeyRequired", err)
		}
	})
}
