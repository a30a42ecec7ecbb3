package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-class-chat/internal/models"
	appErrors "github.com/noah-isme/sma-class-chat/pkg/errors"
)

type stubAuthenticator map[string]*models.User

func (s stubAuthenticator) Authenticate(ctx context.Context, token string) (*models.User, error) {
	user, ok := s[token]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	if user.Blocked {
		return nil, appErrors.ErrAccountBlocked
	}
	return user, nil
}

type recordingAudit struct {
	logs []*models.AuditLog
}

func (r *recordingAudit) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	r.logs = append(r.logs, log)
	return nil
}

func newAuthRouter(auth Authenticator, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers := append([]gin.HandlerFunc{JWT(auth)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, user.ID)
	})
	router.GET("/users/:id", handlers...)
	return router
}

func TestJWTAcceptsBearerHeaderAndQueryToken(t *testing.T) {
	auth := stubAuthenticator{
		"good":    {ID: "u1", Role: models.RoleStudent},
		"blocked": {ID: "u2", Role: models.RoleStudent, Blocked: true},
	}
	router := newAuthRouter(auth)

	cases := []struct {
		name   string
		target string
		header string
		status int
	}{
		{name: "bearer", target: "/users/x", header: "Bearer good", status: http.StatusOK},
		{name: "query", target: "/users/x?token=good", status: http.StatusOK},
		{name: "missing", target: "/users/x", status: http.StatusUnauthorized},
		{name: "malformed header", target: "/users/x?token=good", header: "Token good", status: http.StatusUnauthorized},
		{name: "unknown token", target: "/users/x", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "blocked", target: "/users/x", header: "Bearer blocked", status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, "u1", w.Body.String())
			}
		})
	}
}

func TestRequireRank(t *testing.T) {
	auth := stubAuthenticator{
		"student": {ID: "s", Role: models.RoleStudent},
		"teacher": {ID: "t", Role: models.RoleTeacher},
		"admin":   {ID: "a", Role: models.RoleAdmin},
	}
	router := newAuthRouter(auth, RequireRank(models.RoleTeacher))

	for token, status := range map[string]int{"student": http.StatusForbidden, "teacher": http.StatusOK, "admin": http.StatusOK} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/users/x", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, status, w.Code, token)
	}
}

func TestRBACAllowsSelf(t *testing.T) {
	auth := stubAuthenticator{"student": {ID: "s", Role: models.RoleStudent}}
	router := newAuthRouter(auth, RBAC("SELF", string(models.RoleAdmin)))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/users/s?token=student", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/users/other?token=student", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuditRecordsSuccessfulRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := &recordingAudit{}
	router := gin.New()
	router.GET("/files/:id", Audit(recorder, nil, models.AuditActionTranscriptGet, "transcripts"), func(c *gin.Context) {
		if c.Param("id") == "missing" {
			c.Status(http.StatusNotFound)
			return
		}
		c.Status(http.StatusOK)
	})

	for _, id := range []string{"t1", "missing"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files/"+id, nil))
	}

	require.Len(t, recorder.logs, 1)
	assert.Equal(t, models.AuditActionTranscriptGet, recorder.logs[0].Action)
	require.NotNil(t, recorder.logs[0].ResourceID)
	assert.Equal(t, "t1", *recorder.logs[0].ResourceID)
	assert.Nil(t, recorder.logs[0].UserID)
}

func TestResponseMetaStampsProcessingTime(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(WithResponseMeta())
	var meta map[string]interface{}
	router.GET("/", func(c *gin.Context) {
		SetMeta(c, "live_connections", 3)
		meta = ExtractMeta(c)
		c.Status(http.StatusOK)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, meta)
	assert.Equal(t, 3, meta["live_connections"])
	assert.Contains(t, meta, "processing_time_ms")
}
