package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/broadcast"
	"qrattend/internal/credential"
	"qrattend/internal/httpapi"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

const (
	jwtKey    = "test-jwt-key"
	jwtIssuer = "attendance-engine"
	day       = "2026-03-02"
)

var quiet = log.New(io.Discard, "", 0)

func init() { gin.SetMode(gin.TestMode) }

type env struct {
	router http.Handler
	hub    *broadcast.Hub
	queue  *queue.InMemory
	svc    *attendance.Service
	codec  *credential.Codec

	admin, scanner, viewer string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.SeedDev(ctx, db); err != nil {
		t.Fatalf("SeedDev: %v", err)
	}
	w := store.NewWorker(db.Client)
	t.Cleanup(func() {
		w.Close()
		db.Close()
	})
	repo := attendance.NewRepository(db, w)

	codec, err := credential.NewCodec([]byte("http-test-credential-secret"))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	hub := broadcast.NewHub(16, quiet, m)
	t.Cleanup(hub.Close)

	svc := attendance.NewService(codec, repo, repo, attendance.Config{
		Policy:        attendance.Policy{LateThreshold: 10 * time.Minute, DuplicateWindow: 5 * time.Minute},
		MaxDailyScans: 5,
		Location:      time.UTC,
		ClockSkew:     2 * time.Minute,
		Retry:         store.DefaultRetryPolicy(),
	},
		attendance.WithPublisher(hub),
		attendance.WithLogger(quiet),
		attendance.WithMetrics(m),
		attendance.WithClock(func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }),
	)
	q := queue.NewInMemory(4)

	router := httpapi.NewRouter(httpapi.Deps{
		Scans:   svc,
		Records: repo,
		Issuer:  codec,
		Hub:     hub,
		Queue:   q,
		Checks: map[string]httpapi.HealthCheck{
			"db": func(ctx context.Context) bool { return db.Client.PingContext(ctx) == nil },
		},
		JWTIssuer:       jwtIssuer,
		JWTSigningKey:   jwtKey,
		AccessTTL:       time.Hour,
		CredentialTTL:   24 * time.Hour,
		Location:        time.UTC,
		RateLimitPerMin: 1000,
		Metrics:         m,
		Gatherer:        reg,
		Log:             quiet,
		Heartbeat:       time.Hour,
	})

	return &env{
		router:  router,
		hub:     hub,
		queue:   q,
		svc:     svc,
		codec:   codec,
		admin:   bearer(t, "ops", auth.RoleAdmin),
		scanner: bearer(t, "gate-1", auth.RoleScanner),
		viewer:  bearer(t, "board", auth.RoleViewer),
	}
}

func bearer(t *testing.T, sub, role string) string {
	t.Helper()
	tok, err := auth.Issue(sub, role, jwtIssuer, jwtKey, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok.AccessToken
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) credential(t *testing.T, subject string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/credentials", e.admin, gin.H{"subject_id": subject})
	if w.Code != http.StatusCreated {
		t.Fatalf("issue credential: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("decode credential: %v (%s)", err, w.Body.String())
	}
	return resp.Token
}

func decodeOutcome(t *testing.T, w *httptest.ResponseRecorder) attendance.Outcome {
	t.Helper()
	var o attendance.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &o); err != nil {
		t.Fatalf("decode outcome: %v (%s)", err, w.Body.String())
	}
	return o
}

// ── Scans ────────────────────────────────────────────────────────────────────

func TestScan_AcceptedThenDuplicate(t *testing.T) {
	e := newEnv(t)
	tok := e.credential(t, "S-1001")
	body := gin.H{"payload": tok, "room_id": "R101", "observed_at": "2026-03-02T09:05:00Z"}

	w := e.do(t, http.MethodPost, "/v1/scans", e.scanner, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", w.Code, w.Body.String())
	}
	o := decodeOutcome(t, w)
	if !o.Accepted || o.Status != attendance.StatusPresent || o.Record == nil || o.Record.ScannedBy != "gate-1" {
		t.Errorf("unexpected outcome %+v", o)
	}

	w = e.do(t, http.MethodPost, "/v1/scans", e.scanner, body)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", w.Code, w.Body.String())
	}
	if o := decodeOutcome(t, w); o.Reason != attendance.ReasonDuplicate || !o.Repeat {
		t.Errorf("unexpected duplicate outcome %+v", o)
	}
}

func TestScan_Rejections(t *testing.T) {
	e := newEnv(t)
	tok := e.credential(t, "S-1002")

	cases := []struct {
		name string
		body gin.H
		want int
	}{
		{"bad credential", gin.H{"payload": "AAAA", "room_id": "R101"}, http.StatusUnprocessableEntity},
		{"unknown room", gin.H{"payload": tok, "room_id": "R999"}, http.StatusNotFound},
		{"missing room", gin.H{"payload": tok}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if w := e.do(t, http.MethodPost, "/v1/scans", e.scanner, tc.body); w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d %s", tc.name, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestScan_Auth(t *testing.T) {
	e := newEnv(t)
	body := gin.H{"payload": "x", "room_id": "R101"}
	if w := e.do(t, http.MethodPost, "/v1/scans", "", body); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/v1/scans", e.viewer, body); w.Code != http.StatusForbidden {
		t.Errorf("viewer: expected 403, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/v1/credentials", e.scanner, gin.H{"subject_id": "S-1001"}); w.Code != http.StatusForbidden {
		t.Errorf("scanner issuing credentials: expected 403, got %d", w.Code)
	}
}

func TestScanAsync_Enqueues(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := e.queue.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	w := e.do(t, http.MethodPost, "/v1/scans/async", e.scanner, gin.H{"payload": "TOKEN", "room_id": "R101"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", w.Code, w.Body.String())
	}

	select {
	case msg := <-msgs:
		job, err := queue.DecodeScan(msg)
		if err != nil {
			t.Fatalf("DecodeScan: %v", err)
		}
		if job.Scan.RoomID != "R101" || job.Scan.ScannedBy != "gate-1" || job.Scan.ObservedAt.IsZero() {
			t.Errorf("unexpected job %+v", job)
		}
	case <-ctx.Done():
		t.Fatal("nothing enqueued")
	}
}

// ── Admin ────────────────────────────────────────────────────────────────────

func TestCredential_UnknownSubjectAndBadTTL(t *testing.T) {
	e := newEnv(t)
	if w := e.do(t, http.MethodPost, "/v1/credentials", e.admin, gin.H{"subject_id": "nobody"}); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/v1/credentials", e.admin, gin.H{"subject_id": "S-1001", "ttl": "-1h"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCredential_ExpiresAtMatchesToken(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/v1/credentials", e.admin, gin.H{"subject_id": "S-1001", "ttl": "90m"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token     string    `json:"token"`
		IssuedAt  time.Time `json:"issued_at"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := e.codec.Verify(resp.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !resp.ExpiresAt.Equal(claims.ExpiresAt) || !resp.IssuedAt.Equal(claims.IssuedAt) {
		t.Errorf("response times %v/%v differ from token %v/%v", resp.IssuedAt, resp.ExpiresAt, claims.IssuedAt, claims.ExpiresAt)
	}
	if got := resp.ExpiresAt.Sub(resp.IssuedAt); got != 90*time.Minute {
		t.Errorf("expected a 90m lifetime, got %s", got)
	}
}

func TestRegisterDevice_IssuesScannerToken(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/v1/devices/register", e.admin, gin.H{"device_id": "gate-9"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		Role        string `json:"role"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := auth.Parse(resp.AccessToken, jwtKey, jwtIssuer)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "gate-9" || claims.Role != auth.RoleScanner || resp.Role != auth.RoleScanner {
		t.Errorf("unexpected claims %+v", claims)
	}

	if w := e.do(t, http.MethodPost, "/v1/devices/register", e.admin, gin.H{"device_id": "x", "role": "root"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown role, got %d", w.Code)
	}
}

// ── Queries ──────────────────────────────────────────────────────────────────

func TestCountersAndRecords(t *testing.T) {
	e := newEnv(t)
	for _, sc := range []struct{ subject, at string }{
		{"S-1001", "2026-03-02T09:05:00Z"},
		{"S-1002", "2026-03-02T09:30:00Z"},
	} {
		w := e.do(t, http.MethodPost, "/v1/scans", e.scanner,
			gin.H{"payload": e.credential(t, sc.subject), "room_id": "R101", "observed_at": sc.at})
		if w.Code != http.StatusCreated {
			t.Fatalf("scan %s: %d %s", sc.subject, w.Code, w.Body.String())
		}
	}

	w := e.do(t, http.MethodGet, "/v1/rooms/R101/counters?day="+day, e.viewer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("counters: %d %s", w.Code, w.Body.String())
	}
	var c attendance.Counters
	if err := json.Unmarshal(w.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode counters: %v", err)
	}
	if c.Present != 1 || c.Late != 1 || c.Total != 2 {
		t.Errorf("unexpected counters %+v", c)
	}

	w = e.do(t, http.MethodGet, "/v1/records?room_id=R101&day="+day+"&limit=1", e.viewer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("records: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Records []attendance.Record `json:"records"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	if len(resp.Records) != 1 || resp.Records[0].SubjectID != "S-1002" {
		t.Errorf("expected newest record only, got %+v", resp.Records)
	}

	if w := e.do(t, http.MethodGet, "/v1/records?day=yesterday", e.viewer, nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad day, got %d", w.Code)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	e := newEnv(t)
	if w := e.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"db":true`) {
		t.Errorf("healthz: %d %s", w.Code, w.Body.String())
	}

	e.do(t, http.MethodPost, "/v1/scans", e.scanner, gin.H{"payload": "AAAA", "room_id": "R101"})
	w := e.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `attendance_scans_total{result="invalid_credential"} 1`) {
		t.Errorf("metrics missing scan counter: %s", w.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[attendance.Reason]int{
		attendance.ReasonDuplicate:         http.StatusConflict,
		attendance.ReasonScanLimit:         http.StatusTooManyRequests,
		attendance.ReasonExpiredCredential: http.StatusUnprocessableEntity,
		attendance.ReasonUnknownSubject:    http.StatusNotFound,
		attendance.ReasonStoreUnavailable:  http.StatusServiceUnavailable,
		attendance.ReasonCanceled:          http.StatusServiceUnavailable,
	}
	for reason, want := range cases {
		if got := httpapi.StatusFor(attendance.Outcome{Reason: reason}); got != want {
			t.Errorf("%s: expected %d, got %d", reason, want, got)
		}
	}
	if got := httpapi.StatusFor(attendance.Outcome{Accepted: true}); got != http.StatusCreated {
		t.Errorf("accepted: expected 201, got %d", got)
	}
}

// ── Stream ───────────────────────────────────────────────────────────────────

type sseEvent struct {
	name string
	data string
}

func readEvents(body io.Reader, out chan<- sseEvent) {
	defer close(out)
	sc := bufio.NewScanner(body)
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if ev.name != "" {
				out <- ev
			}
			ev = sseEvent{}
		}
	}
}

func next(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("stream ended")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return sseEvent{}
}

func TestStream_DeliversAcceptedScan(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/stream?room_id=R101&access_token="+e.viewer, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := make(chan sseEvent, 8)
	go readEvents(resp.Body, events)
	if ev := next(t, events); ev.name != "ready" {
		t.Fatalf("expected ready event, got %+v", ev)
	}

	// Another room's scan is filtered out.
	e.hub.Broadcast(broadcast.Message{Event: broadcast.EventRejected, RoomID: "R202"})

	w := e.do(t, http.MethodPost, "/v1/scans", e.scanner,
		gin.H{"payload": e.credential(t, "S-1003"), "room_id": "R101", "observed_at": "2026-03-02T09:00:00Z"})
	if w.Code != http.StatusCreated {
		t.Fatalf("scan: %d %s", w.Code, w.Body.String())
	}

	ev := next(t, events)
	if ev.name != broadcast.EventAccepted {
		t.Fatalf("expected accepted event, got %+v", ev)
	}
	var m broadcast.Message
	if err := json.Unmarshal([]byte(ev.data), &m); err != nil {
		t.Fatalf("decode event: %v (%s)", err, ev.data)
	}
	if m.SubjectID != "S-1003" || m.Counters == nil || m.Counters.Total != 1 {
		t.Errorf("unexpected event %+v", m)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if e.hub.Len() != 0 {
		t.Errorf("expected the subscription to be released, %d left", e.hub.Len())
	}
}
