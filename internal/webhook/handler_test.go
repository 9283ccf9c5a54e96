package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hotpatch/internal/config"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/scheduler"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

const secret = "build-secret"

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fakeRescans struct {
	unit  unit.ID
	paths []string
}

func (f *fakeRescans) RescanCommand(id unit.ID, paths []string) *scheduler.Call {
	f.unit = id
	f.paths = paths
	return &scheduler.Call{
		ID:        scheduler.Key{Action: "rescan", Unit: id},
		Mergeable: true,
		Fn:        func(context.Context, []any) (any, error) { return nil, nil },
	}
}

type fakeScheduler struct {
	submitted []scheduler.Command
	merge     bool
}

func (f *fakeScheduler) Submit(cmd scheduler.Command) bool {
	f.submitted = append(f.submitted, cmd)
	return f.merge
}

func newHandler(t *testing.T, cfg Config) (*Handler, *fakeRescans, *fakeScheduler) {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = secret
	}
	r := &fakeRescans{}
	s := &fakeScheduler{}
	return New(cfg, r, s, nil), r, s
}

func post(t *testing.T, h http.Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, DefaultPath, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(DefaultSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAcceptsSignedNotification(t *testing.T) {
	h, rescans, sched := newHandler(t, Config{})
	body := []byte(`{"unit":" app/ ","paths":["com/example/App.class","com/example/App$1.class"]}`)

	rec := post(t, h, body, Sign(body, secret))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp AcceptedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "app", resp.Unit)
	assert.Equal(t, 2, resp.Paths)
	assert.False(t, resp.Merged)
	assert.Contains(t, resp.Command, "rescan")

	assert.Equal(t, unit.ID("app"), rescans.unit)
	assert.Equal(t, []string{"com/example/App.class", "com/example/App$1.class"}, rescans.paths)
	require.Len(t, sched.submitted, 1)
	assert.Equal(t, scheduler.Key{Action: "rescan", Unit: "app"}, sched.submitted[0].Key())
}

func TestReportsMergedSubmission(t *testing.T) {
	h, _, sched := newHandler(t, Config{})
	sched.merge = true
	body := []byte(`{"unit":"app","paths":["A.class"]}`)

	rec := post(t, h, body, Sign(body, secret))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp AcceptedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Merged)
}

func TestRejectsRequests(t *testing.T) {
	valid := []byte(`{"unit":"app","paths":["A.class"]}`)
	tests := []struct {
		name      string
		body      []byte
		signature string
		want      int
	}{
		{name: "missing signature", body: valid, want: http.StatusForbidden},
		{name: "bad signature", body: valid, signature: Sign(valid, "other"), want: http.StatusForbidden},
		{name: "malformed json", body: []byte(`{"unit":`), want: http.StatusBadRequest},
		{name: "missing unit", body: []byte(`{"paths":["A.class"]}`), want: http.StatusBadRequest},
		{name: "slash-only unit", body: []byte(`{"unit":"//","paths":["A.class"]}`), want: http.StatusBadRequest},
		{name: "no paths", body: []byte(`{"unit":"app","paths":[]}`), want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, sched := newHandler(t, Config{})
			sig := tt.signature
			if sig == "" && tt.want != http.StatusForbidden {
				sig = Sign(tt.body, secret)
			}
			rec := post(t, h, tt.body, sig)
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, sched.submitted)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestForbiddenResponseIsGeneric(t *testing.T) {
	h, _, _ := newHandler(t, Config{})
	body := []byte(`{"unit":"app","paths":["A.class"]}`)
	rec := post(t, h, body, "sha256=deadbeef")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"forbidden"}`, rec.Body.String())
}

func TestBodyTooLarge(t *testing.T) {
	h, _, sched := newHandler(t, Config{MaxBodySize: 32})
	body := []byte(`{"unit":"app","paths":["` + strings.Repeat("a", 64) + `.class"]}`)
	rec := post(t, h, body, Sign(body, secret))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, sched.submitted)
}

func TestOnlyPost(t *testing.T) {
	h, _, _ := newHandler(t, Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestCustomSignatureHeader(t *testing.T) {
	h, _, sched := newHandler(t, Config{SignatureHeader: "X-Build-Signature", Path: "/hooks/ci"})
	assert.Equal(t, "/hooks/ci", h.Path())

	body := []byte(`{"unit":"app","paths":["A.class"]}`)
	req := httptest.NewRequest(http.MethodPost, "/hooks/ci", bytes.NewReader(body))
	req.Header.Set("X-Build-Signature", Sign(body, secret))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, sched.submitted, 1)
}

func TestFromGlobalConfig(t *testing.T) {
	cfg, err := FromGlobalConfig(config.WebhookConfig{Path: "/hooks/build", Secret: "s", SignatureHeader: "X-Sig", MaxBodySize: "2KB"})
	require.NoError(t, err)
	assert.Equal(t, int64(2048), cfg.MaxBodySize)
	assert.Equal(t, "X-Sig", cfg.SignatureHeader)

	_, err = FromGlobalConfig(config.WebhookConfig{Path: "/hooks/build"})
	assert.ErrorContains(t, err, "no secret")

	_, err = FromGlobalConfig(config.WebhookConfig{Path: "/hooks/build", Secret: "s", MaxBodySize: "lots"})
	assert.ErrorContains(t, err, "invalid max_body_size")
}
