package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func testRouter(adminSecret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())

	r.GET("/public", func(c *gin.Context) {
		c.JSON(200, gin.H{"userId": UserID(c)})
	})

	protected := r.Group("/", RequireAuth())
	protected.GET("/me", func(c *gin.Context) {
		c.JSON(200, gin.H{"userId": UserID(c), "admin": IsAdmin(c)})
	})

	admin := r.Group("/admin", RequireAuth(), RequireAdmin(adminSecret))
	admin.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"userId": UserID(c)})
	})

	// Back-office path: secret alone, no gateway identity.
	backoffice := r.Group("/backoffice", RequireAdmin(adminSecret))
	backoffice.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"userId": UserID(c)})
	})

	return r
}

func doGet(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestPublicRouteWithoutIdentity(t *testing.T) {
	r := testRouter("")
	if w := doGet(r, "/public", nil); w.Code != http.StatusOK {
		t.Errorf("public route = %d, want 200", w.Code)
	}
}

func TestRequireAuth(t *testing.T) {
	r := testRouter("")

	if w := doGet(r, "/me", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated = %d, want 401", w.Code)
	}
	w := doGet(r, "/me", map[string]string{HeaderUserID: "user_a"})
	if w.Code != http.StatusOK {
		t.Errorf("authenticated = %d, want 200", w.Code)
	}
}

func TestUnknownRoleDowngradesToUser(t *testing.T) {
	r := testRouter("")
	w := doGet(r, "/admin/ping", map[string]string{
		HeaderUserID:   "user_a",
		HeaderUserRole: "superadmin",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("made-up role = %d, want 403", w.Code)
	}
}

func TestRequireAdmin_GatewayRole(t *testing.T) {
	r := testRouter("")

	w := doGet(r, "/admin/ping", map[string]string{
		HeaderUserID:   "user_admin",
		HeaderUserRole: RoleAdmin,
	})
	if w.Code != http.StatusOK {
		t.Errorf("admin role = %d, want 200", w.Code)
	}

	w = doGet(r, "/admin/ping", map[string]string{HeaderUserID: "user_a"})
	if w.Code != http.StatusForbidden {
		t.Errorf("plain user = %d, want 403", w.Code)
	}
}

func TestRequireAdmin_Secret(t *testing.T) {
	r := testRouter("s3cret")

	w := doGet(r, "/backoffice/ping", map[string]string{HeaderAdminSecret: "s3cret"})
	if w.Code != http.StatusOK {
		t.Errorf("correct secret = %d, want 200", w.Code)
	}

	w = doGet(r, "/backoffice/ping", map[string]string{HeaderAdminSecret: "wrong"})
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong secret = %d, want 403", w.Code)
	}

	// Empty configured secret disables the secret path.
	r = testRouter("")
	w = doGet(r, "/backoffice/ping", map[string]string{HeaderAdminSecret: ""})
	if w.Code != http.StatusForbidden {
		t.Errorf("disabled secret path = %d, want 403", w.Code)
	}
}

func TestBackofficeGetsActorIdentity(t *testing.T) {
	r := testRouter("s3cret")
	w := doGet(r, "/backoffice/ping", map[string]string{HeaderAdminSecret: "s3cret"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := w.Body.String(); body != `{"userId":"backoffice"}` {
		t.Errorf("body = %s, want backoffice actor", body)
	}
}
