package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/auth"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "attendance-engine"
)

func init() { gin.SetMode(gin.TestMode) }

func TestIssueParse(t *testing.T) {
	tok, err := auth.Issue("gate-1", auth.RoleScanner, testIssuer, testKey, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := auth.Parse(tok.AccessToken, testKey, testIssuer)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "gate-1" || claims.Role != auth.RoleScanner {
		t.Errorf("unexpected claims %+v", claims)
	}

	if _, err := auth.Parse(tok.AccessToken, "other-key", testIssuer); err == nil {
		t.Error("expected error for wrong key")
	}
	if _, err := auth.Parse(tok.AccessToken, testKey, "someone-else"); err == nil {
		t.Error("expected error for wrong issuer")
	}

	expired, err := auth.Issue("gate-1", auth.RoleScanner, testIssuer, testKey, -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := auth.Parse(expired.AccessToken, testKey, testIssuer); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestIssue_Rejects(t *testing.T) {
	if _, err := auth.Issue("", auth.RoleAdmin, testIssuer, testKey, time.Hour); err == nil {
		t.Error("expected error for empty subject")
	}
	if _, err := auth.Issue("x", "root", testIssuer, testKey, time.Hour); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := auth.Issue("x", auth.RoleAdmin, testIssuer, "", time.Hour); err == nil {
		t.Error("expected error for empty key")
	}
}

func router() *gin.Engine {
	r := gin.New()
	g := r.Group("/", auth.Bearer(testKey, testIssuer))
	g.GET("/scan", auth.RequireRole(auth.RoleScanner), func(c *gin.Context) {
		claims, _ := auth.ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})
	return r
}

func do(r http.Handler, target, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := auth.Issue("sub-"+role, role, testIssuer, testKey, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok.AccessToken
}

func TestMiddleware_Roles(t *testing.T) {
	r := router()

	cases := []struct {
		name   string
		target string
		bearer string
		want   int
	}{
		{"no token", "/scan", "", http.StatusUnauthorized},
		{"garbage", "/scan", "garbage", http.StatusUnauthorized},
		{"scanner", "/scan", token(t, auth.RoleScanner), http.StatusOK},
		{"admin", "/scan", token(t, auth.RoleAdmin), http.StatusOK},
		{"viewer", "/scan", token(t, auth.RoleViewer), http.StatusForbidden},
		{"query param", "/scan?access_token=" + token(t, auth.RoleScanner), "", http.StatusOK},
	}
	for _, tc := range cases {
		if w := do(r, tc.target, tc.bearer); w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d (%s)", tc.name, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestMiddleware_NonBearerScheme(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/scan", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	w := httptest.NewRecorder()
	router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}
