package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var env response.Envelope[any]
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	if env.Error == nil {
		return ""
	}
	return env.Error.Code
}

func TestRequireToken(t *testing.T) {
	auth := service.NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: time.Hour})
	expiredAuth := service.NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: -time.Minute})

	student, _ := auth.GenerateStudentToken(7, 1)
	admin, _ := auth.GenerateAdminToken(1, 1, []string{string(model.PermissionExamsRead)})
	expired, _ := expiredAuth.GenerateStudentToken(7, 1)

	r := gin.New()
	r.GET("/student", RequireStudentJWT(auth), func(c *gin.Context) {
		c.String(http.StatusOK, "%d", GetClaims(c).UserID)
	})
	r.GET("/admin", RequireAdminJWT(auth), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/ws", RequireStudentWSAuth(auth), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name   string
		path   string
		header string
		status int
		code   response.ErrCode
	}{
		{"bearer student", "/student", "Bearer " + student, http.StatusOK, ""},
		{"lowercase scheme", "/student", "bearer " + student, http.StatusOK, ""},
		{"query token", "/student?token=" + student, "", http.StatusOK, ""},
		{"missing", "/student", "", http.StatusUnauthorized, response.ErrTokenRequired},
		{"garbage", "/student", "Bearer abc.def.ghi", http.StatusUnauthorized, response.ErrTokenInvalid},
		{"expired", "/student", "Bearer " + expired, http.StatusUnauthorized, response.ErrTokenExpired},
		{"admin on student route", "/student", "Bearer " + admin, http.StatusForbidden, response.ErrStudentAccessOnly},
		{"student on admin route", "/admin", "Bearer " + student, http.StatusForbidden, response.ErrAdminAccessOnly},
		{"admin via query for SSE", "/admin?token=" + admin, "", http.StatusOK, ""},
		{"ws query", "/ws?token=" + student, "", http.StatusOK, ""},
		{"ws ignores header", "/ws", "Bearer " + student, http.StatusUnauthorized, response.ErrTokenRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body)
			}
			if tt.code != "" {
				if got := errorCode(t, w); got != tt.code {
					t.Errorf("code = %s, want %s", got, tt.code)
				}
			}
		})
	}
}

func TestRequireAnyPermission(t *testing.T) {
	withClaims := func(perms ...string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(ContextKeyClaims, &service.Claims{TokenType: service.TokenTypeAdmin, Permissions: perms})
			c.Next()
		}
	}
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }

	r := gin.New()
	r.GET("/none", RequirePermission(model.PermissionExamsWrite), ok)
	r.GET("/reader", withClaims(string(model.PermissionExamsRead)), RequirePermission(model.PermissionExamsWrite), ok)
	r.GET("/either", withClaims(string(model.PermissionMonitoringRead)),
		RequireAnyPermission(model.PermissionExamsWrite, model.PermissionMonitoringRead), ok)

	tests := []struct {
		path   string
		status int
	}{
		{"/none", http.StatusUnauthorized},
		{"/reader", http.StatusForbidden},
		{"/either", http.StatusOK},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if w.Code != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.path, w.Code, tt.status)
		}
	}
}

func TestBrotli(t *testing.T) {
	large := strings.Repeat("jawaban siswa ", 200)

	r := gin.New()
	r.Use(Brotli())
	r.GET("/large", func(c *gin.Context) { c.Data(http.StatusOK, "text/plain", []byte(large)) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/image", func(c *gin.Context) { c.Data(http.StatusOK, "image/jpeg", []byte(large)) })

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Accept-Encoding", "gzip, br;q=0.9")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := get("/large")
	if w.Header().Get("Content-Encoding") != "br" {
		t.Fatalf("large body not compressed, headers %v", w.Header())
	}
	body, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != large {
		t.Error("decompressed body differs")
	}

	for _, path := range []string{"/small", "/image"} {
		w := get(path)
		if w.Header().Get("Content-Encoding") != "" {
			t.Errorf("%s: unexpected encoding %q", path, w.Header().Get("Content-Encoding"))
		}
	}
	if got := get("/small").Body.String(); got != "ok" {
		t.Errorf("small body = %q", got)
	}
}

func TestCacheHeaders(t *testing.T) {
	r := gin.New()
	r.GET("/media", PrivateCache(3600), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/state", NoStore(), func(c *gin.Context) { c.Status(http.StatusOK) })

	for path, want := range map[string]string{"/media": "private, max-age=3600", "/state": "no-store"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if got := w.Header().Get("Cache-Control"); got != want {
			t.Errorf("%s: Cache-Control = %q, want %q", path, got, want)
		}
	}
}
