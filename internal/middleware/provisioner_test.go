package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func provisionerRouter(secret string) *gin.Engine {
	router := gin.New()
	router.POST("/oauth", ProvisionerRequired(secret), func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	return router
}

func TestProvisionerRequired(t *testing.T) {
	testCases := []struct {
		name     string
		secret   string
		header   string
		expected int
	}{
		{"matching secret", "s3cret", "s3cret", http.StatusOK},
		{"missing header", "s3cret", "", http.StatusForbidden},
		{"wrong secret", "s3cret", "guess", http.StatusForbidden},
		{"disabled", "", "", http.StatusForbidden},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/oauth", nil)
			if tc.header != "" {
				req.Header.Set(ProvisionSecretHeader, tc.header)
			}
			provisionerRouter(tc.secret).ServeHTTP(w, req)

			if w.Code != tc.expected {
				t.Errorf("expected status %d, got %d", tc.expected, w.Code)
			}
		})
	}
}
