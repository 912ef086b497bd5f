// Package testutil holds shared test helpers.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// NewVCRClient returns an HTTP client that replays testdata/fixtures/<name>.yaml.
// Set VCR_MODE=record to capture a fresh cassette against the live backend.
// Credentials are stripped before a cassette is written.
func NewVCRClient(t *testing.T, name string) *http.Client {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", name), mode, nil)
	if err != nil {
		t.Fatalf("NewAsMode() error = %v", err)
	}

	// Request bodies embed rendered prompts, so only method and URL are matched.
	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		return req.Method == i.Method && req.URL.String() == i.URL
	})
	r.AddFilter(func(i *cassette.Interaction) error {
		for _, h := range []string{"Authorization", "X-Api-Key"} {
			i.Request.Headers.Del(h)
		}
		return nil
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("recorder.Stop() error = %v", err)
		}
	})
	return &http.Client{Transport: r}
}
