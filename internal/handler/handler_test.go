package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/rapport/internal/authstore"
	"github.com/pavelanni/rapport/internal/catalog"
	appI18n "github.com/pavelanni/rapport/internal/i18n"
	"github.com/pavelanni/rapport/internal/llm"
	"github.com/pavelanni/rapport/internal/model"
	"github.com/pavelanni/rapport/internal/store"
)

func testCatalog() *catalog.Catalog {
	return catalog.New([]model.Exercise{
		{
			Name:         "Rapport",
			Instructions: "Rephrase what they said.",
			Variations:   []string{"IL: animals are not intelligent", "IL: AI is harmless"},
			SystemPrompt: "Give feedback on the rephrasing.",
			Examples:     []model.Example{{Original: "o", Student: "s", Feedback: "f"}},
		},
		{
			Name:       "Other side",
			Variations: []string{"IL: you people never listen"},
		},
	})
}

type fakeSuggester struct {
	text string
	err  error
}

func (f fakeSuggester) SuggestFeedback(context.Context, model.Exercise, string, string, string) (string, error) {
	return f.text, f.err
}

type testEnv struct {
	srv *httptest.Server
	db  *store.Database
}

func newTestEnv(t *testing.T, drafter *llm.Drafter) *testEnv {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n init: %v", err)
	}
	db := store.New(testCatalog(), store.WithPasswordCost(bcrypt.MinCost), store.WithPollInterval(5*time.Millisecond))
	auth, err := authstore.New(":memory:")
	if err != nil {
		t.Fatalf("authstore: %v", err)
	}
	t.Cleanup(func() { auth.Close() })

	h := New(db, auth, drafter, model.Config{
		DefaultModel: llm.NoModel,
		Models:       []string{"gpt", "other"},
		WaitTimeout:  100 * time.Millisecond,
	})
	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, db: db}
}

type client struct {
	t    *testing.T
	http *http.Client
	base string
	csrf string
	lang string
}

// newClient opens a browser-like session: cookies are kept and the CSRF
// token is fetched from /session.
func (e *testEnv) newClient(t *testing.T) *client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	c := &client{t: t, http: &http.Client{Jar: jar}, base: e.srv.URL}
	var sess sessionResponse
	c.decode(c.do(http.MethodGet, "/session", nil), &sess)
	if sess.CSRFToken == "" {
		t.Fatal("no CSRF token issued")
	}
	c.csrf = sess.CSRFToken
	return c
}

type response struct {
	status int
	body   []byte
}

func (c *client) do(method, path string, body any) response {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		c.t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.csrf != "" {
		req.Header.Set(csrfHeaderName, c.csrf)
	}
	if c.lang != "" {
		req.Header.Set("Accept-Language", c.lang)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatal(err)
	}
	return response{status: resp.StatusCode, body: data}
}

func (c *client) decode(r response, v any) {
	c.t.Helper()
	if err := json.Unmarshal(r.body, v); err != nil {
		c.t.Fatalf("decode %s: %v", r.body, err)
	}
}

func (c *client) login(name, password string) {
	c.t.Helper()
	r := c.do(http.MethodPost, "/login", loginRequest{Name: name, Password: password})
	if r.status != http.StatusOK {
		c.t.Fatalf("login %s: status %d: %s", name, r.status, r.body)
	}
}

func expectError(t *testing.T, r response, status int, code string) {
	t.Helper()
	if r.status != status {
		t.Fatalf("status = %d, want %d (%s)", r.status, status, r.body)
	}
	var e apiError
	if err := json.Unmarshal(r.body, &e); err != nil {
		t.Fatalf("decode error body %s: %v", r.body, err)
	}
	if e.Code != code || e.Error == "" {
		t.Errorf("error = %+v, want code %s", e, code)
	}
}

func TestLoginAndSession(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.newClient(t)

	var sess sessionResponse
	c.decode(c.do(http.MethodGet, "/session", nil), &sess)
	if sess.Name != "" {
		t.Errorf("anonymous session has name %q", sess.Name)
	}

	c.login("alice", "pw")
	c.decode(c.do(http.MethodGet, "/session", nil), &sess)
	if sess.Name != "alice" || sess.Role != model.RoleParticipant {
		t.Errorf("unexpected session %+v", sess)
	}
	if sess.CSRFToken != c.csrf {
		t.Error("CSRF token should stay stable within a session")
	}
}

func TestLoginRejections(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.newClient(t)
	c.login("alice", "pw")

	other := env.newClient(t)
	expectError(t, other.do(http.MethodPost, "/login", loginRequest{Name: "alice", Password: "nope"}),
		http.StatusUnauthorized, "ErrInvalidLogin")
	expectError(t, other.do(http.MethodPost, "/login", loginRequest{Name: " ", Password: "pw"}),
		http.StatusBadRequest, "ErrEmptyName")

	other.csrf = ""
	expectError(t, other.do(http.MethodPost, "/login", loginRequest{Name: "bob", Password: "pw"}),
		http.StatusForbidden, "ErrCSRF")
	other.csrf = "forged"
	expectError(t, other.do(http.MethodPost, "/login", loginRequest{Name: "bob", Password: "pw"}),
		http.StatusForbidden, "ErrCSRF")
}

func TestRoleChecks(t *testing.T) {
	env := newTestEnv(t, nil)

	anon := env.newClient(t)
	expectError(t, anon.do(http.MethodGet, "/api/catalog", nil), http.StatusUnauthorized, "ErrUnauthorized")

	alice := env.newClient(t)
	alice.login("alice", "pw")
	expectError(t, alice.do(http.MethodGet, "/api/teacher/queue", nil), http.StatusForbidden, "ErrForbidden")

	teacher := env.newClient(t)
	teacher.login(model.Teacher, "secret")
	expectError(t, teacher.do(http.MethodGet, "/api/progress", nil), http.StatusForbidden, "ErrForbidden")
}

func TestFeedbackRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.newClient(t)
	alice.login("Alice", "pw")

	var p model.Progress
	alice.decode(alice.do(http.MethodGet, "/api/progress", nil), &p)
	if len(p.Exercises) != 1 || len(p.Exercises[0].Questions) != 1 {
		t.Fatalf("unexpected initial progress %+v", p)
	}

	r := alice.do(http.MethodPost, "/api/questions/0/0/messages", submitRequest{Content: "hello"})
	if r.status != http.StatusCreated {
		t.Fatalf("submit: status %d: %s", r.status, r.body)
	}
	expectError(t, alice.do(http.MethodPost, "/api/questions/0/0/messages", submitRequest{Content: "again"}),
		http.StatusConflict, "ErrAwaitingFeedback")
	expectError(t, alice.do(http.MethodPost, "/api/questions/1/0/messages", submitRequest{Content: "ahead"}),
		http.StatusForbidden, "ErrGateLocked")
	expectError(t, alice.do(http.MethodPost, "/api/questions/x/0/messages", submitRequest{Content: "bad"}),
		http.StatusBadRequest, "ErrBadRequest")
	expectError(t, alice.do(http.MethodPost, "/api/questions/0/0/messages", nil),
		http.StatusBadRequest, "ErrBadRequest")

	teacher := env.newClient(t)
	teacher.login(model.Teacher, "secret")

	var q queueResponse
	teacher.decode(teacher.do(http.MethodGet, "/api/teacher/queue", nil), &q)
	if len(q.Items) != 1 || q.Items[0].Owner != "Alice" || !q.Items[0].NeverGotFeedback {
		t.Fatalf("unexpected queue %+v", q)
	}
	if q.Items[0].Stimulus != "IL: animals are not intelligent" || q.Items[0].ExerciseName != "Rapport" {
		t.Errorf("queue item missing catalog fields: %+v", q.Items[0])
	}
	if q.Items[0].Draft != "" || q.Items[0].DraftError != "" {
		t.Error("drafts are disabled by default")
	}

	expectError(t, teacher.do(http.MethodPost, "/api/teacher/questions/Alice/0/0/skip", nil),
		http.StatusConflict, "ErrSkipBeforeFeedback")
	r = teacher.do(http.MethodPost, "/api/teacher/questions/Alice/0/0/reply", replyRequest{Content: "good job"})
	if r.status != http.StatusCreated {
		t.Fatalf("reply: status %d: %s", r.status, r.body)
	}
	expectError(t, teacher.do(http.MethodPost, "/api/teacher/questions/Alice/0/0/reply", replyRequest{Content: "again"}),
		http.StatusConflict, "ErrNotAwaitingFeedback")
	expectError(t, teacher.do(http.MethodPost, "/api/teacher/questions/Nobody/0/0/reply", replyRequest{Content: "hi"}),
		http.StatusNotFound, "ErrUnknownUser")

	teacher.decode(teacher.do(http.MethodGet, "/api/teacher/queue", nil), &q)
	if len(q.Items) != 0 {
		t.Errorf("queue should be empty, got %d items", len(q.Items))
	}

	alice.decode(alice.do(http.MethodGet, "/api/progress", nil), &p)
	if got := p.Exercises[0].Questions[0].State; got != model.StateAnswered {
		t.Errorf("state = %q, want answered", got)
	}

	// Follow-up, then the teacher skips it.
	alice.do(http.MethodPost, "/api/questions/0/0/messages", submitRequest{Content: "thanks"})
	r = teacher.do(http.MethodPost, "/api/teacher/questions/Alice/0/0/skip", nil)
	if r.status != http.StatusNoContent {
		t.Fatalf("skip: status %d: %s", r.status, r.body)
	}

	var stats struct {
		Stats   model.Stats `json:"stats"`
		Summary string      `json:"summary"`
	}
	teacher.decode(teacher.do(http.MethodGet, "/api/teacher/stats", nil), &stats)
	if stats.Stats.Participants != 1 || stats.Stats.Waiting != 0 || stats.Stats.MeanLatencySeconds == nil {
		t.Errorf("unexpected stats %+v", stats.Stats)
	}
	if stats.Summary != "0 questions are waiting for feedback." {
		t.Errorf("summary = %q", stats.Summary)
	}

	var export model.ClassExport
	teacher.decode(teacher.do(http.MethodGet, "/api/teacher/export", nil), &export)
	if len(export.Participants) != 1 || len(export.Participants[0].Questions) != 1 {
		t.Errorf("unexpected export %+v", export)
	}
}

func TestQueueDrafts(t *testing.T) {
	tests := []struct {
		name      string
		suggester fakeSuggester
		wantDraft string
		wantError bool
	}{
		{"success", fakeSuggester{text: "Check you understood them."}, "Check you understood them.", false},
		{"failure", fakeSuggester{err: errors.New("model down")}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, llm.NewDrafter(tt.suggester, time.Second))
			alice := env.newClient(t)
			alice.login("alice", "pw")
			alice.do(http.MethodPost, "/api/questions/0/0/messages", submitRequest{Content: "hello"})

			teacher := env.newClient(t)
			teacher.login(model.Teacher, "secret")

			var q queueResponse
			teacher.decode(teacher.do(http.MethodGet, "/api/teacher/queue?model=gpt", nil), &q)
			if len(q.Items) != 1 {
				t.Fatalf("expected 1 item, got %d", len(q.Items))
			}
			if q.Model != "gpt" || q.Items[0].Draft != tt.wantDraft {
				t.Errorf("draft = %q for model %q", q.Items[0].Draft, q.Model)
			}
			if (q.Items[0].DraftError != "") != tt.wantError {
				t.Errorf("draft error = %q", q.Items[0].DraftError)
			}

			expectError(t, teacher.do(http.MethodGet, "/api/teacher/queue?model=unlisted", nil),
				http.StatusBadRequest, "ErrBadRequest")
		})
	}
}

type waitBody struct {
	Changed bool            `json:"changed"`
	Version uint64          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

func TestProgressWait(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.newClient(t)
	alice.login("alice", "pw")

	var p model.Progress
	alice.decode(alice.do(http.MethodGet, "/api/progress", nil), &p)

	var wb waitBody
	alice.decode(alice.do(http.MethodGet, fmt.Sprintf("/api/progress/wait?since=%d", p.Version), nil), &wb)
	if wb.Changed || wb.Version != p.Version {
		t.Errorf("unchanged wait returned %+v", wb)
	}

	alice.do(http.MethodPost, "/api/questions/0/0/messages", submitRequest{Content: "hello"})
	alice.decode(alice.do(http.MethodGet, fmt.Sprintf("/api/progress/wait?since=%d", p.Version), nil), &wb)
	if !wb.Changed || wb.Version == p.Version {
		t.Fatalf("expected a change, got %+v", wb)
	}
	var changed model.Progress
	if err := json.Unmarshal(wb.Data, &changed); err != nil {
		t.Fatal(err)
	}
	if changed.Exercises[0].Questions[0].State != model.StateAwaitingFeedback {
		t.Errorf("unexpected progress after change %+v", changed)
	}

	expectError(t, alice.do(http.MethodGet, "/api/progress/wait?since=abc", nil), http.StatusBadRequest, "ErrBadRequest")
}

func TestQueueWaitSeesOtherParticipants(t *testing.T) {
	env := newTestEnv(t, nil)
	teacher := env.newClient(t)
	teacher.login(model.Teacher, "secret")
	since := env.db.Version()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = env.db.Login("bob", "pw")
		_, _ = env.db.Submit("bob", 0, 0, "hi", store.SubmitOptions{})
	}()

	var wb waitBody
	teacher.decode(teacher.do(http.MethodGet, fmt.Sprintf("/api/teacher/queue/wait?since=%d", since), nil), &wb)
	if !wb.Changed {
		t.Fatal("expected a change")
	}
}

func TestCatalogPreview(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.newClient(t)
	alice.login("alice", "pw")
	teacher := env.newClient(t)
	teacher.login(model.Teacher, "secret")

	var body struct {
		Exercises []catalogEntry `json:"exercises"`
	}
	alice.decode(alice.do(http.MethodGet, "/api/catalog?full=1", nil), &body)
	if len(body.Exercises) != 2 || body.Exercises[0].SystemPrompt != "" {
		t.Errorf("participants must not see system prompts: %+v", body.Exercises)
	}
	teacher.decode(teacher.do(http.MethodGet, "/api/catalog?full=1", nil), &body)
	if body.Exercises[0].SystemPrompt == "" || len(body.Exercises[0].Examples) != 1 {
		t.Errorf("teacher preview should include model inputs: %+v", body.Exercises[0])
	}
}

func TestWipeLogsParticipantsOut(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.newClient(t)
	alice.login("alice", "pw")
	teacher := env.newClient(t)
	teacher.login(model.Teacher, "secret")

	expectError(t, teacher.do(http.MethodPost, "/api/teacher/wipe", wipeRequest{}), http.StatusBadRequest, "ErrBadRequest")

	var out struct {
		Removed int    `json:"removed"`
		Message string `json:"message"`
	}
	teacher.decode(teacher.do(http.MethodPost, "/api/teacher/wipe", wipeRequest{Confirm: true}), &out)
	if out.Removed != 1 || out.Message != "Removed 1 participants." {
		t.Errorf("unexpected wipe response %+v", out)
	}
	expectError(t, alice.do(http.MethodGet, "/api/progress", nil), http.StatusUnauthorized, "ErrUnauthorized")
	if r := teacher.do(http.MethodGet, "/api/teacher/stats", nil); r.status != http.StatusOK {
		t.Errorf("teacher should stay logged in, got %d", r.status)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.newClient(t)
	alice.login("alice", "pw")

	if r := alice.do(http.MethodPost, "/logout", nil); r.status != http.StatusNoContent {
		t.Fatalf("logout: status %d", r.status)
	}
	expectError(t, alice.do(http.MethodGet, "/api/progress", nil), http.StatusUnauthorized, "ErrUnauthorized")
}

func TestLocalizedErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.newClient(t)
	c.lang = "fr-FR,fr;q=0.9"

	r := c.do(http.MethodGet, "/api/catalog", nil)
	var e apiError
	c.decode(r, &e)
	if e.Code != "ErrUnauthorized" || e.Error != "Veuillez vous connecter." {
		t.Errorf("unexpected localized error %+v", e)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	resp, err = http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestStoreErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrGateLocked, http.StatusForbidden, "ErrGateLocked"},
		{store.ErrAwaitingFeedback, http.StatusConflict, "ErrAwaitingFeedback"},
		{fmt.Errorf("wrapped: %w", store.ErrNoSuchQuestion), http.StatusNotFound, "ErrNoSuchQuestion"},
		{store.ErrTimerDisabled, http.StatusBadRequest, "ErrTimerDisabled"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "ErrInternal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := storeErrorStatus(tt.err)
			if status != tt.status || code != tt.code {
				t.Errorf("storeErrorStatus(%v) = %d, %s; want %d, %s", tt.err, status, code, tt.status, tt.code)
			}
		})
	}
}
