package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"voicebridge/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(role string, mw gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if role != "" {
			ctx := auth.WithIdentity(c.Request.Context(), "u", role)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}, mw, func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serveAs(RoleAdmin, RequireAnyRole(RoleOperator)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AllowsListedRole(t *testing.T) {
	if code := serveAs(RoleOperator, RequireAnyRole(RoleOperator)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_DeniesOtherRole(t *testing.T) {
	if code := serveAs("viewer", RequireAnyRole(RoleOperator)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_MissingIdentity(t *testing.T) {
	if code := serveAs("", RequireAnyRole(RoleOperator)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}
