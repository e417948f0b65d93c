package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"github.com/huangang/echoboard/pkg/response"
)

// ProvisionSecretHeader carries the shared secret of the OAuth callback
// service.
const ProvisionSecretHeader = "X-Provision-Secret"

// ProvisionerRequired admits only callers presenting secret. An empty
// secret rejects every request.
func ProvisionerRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			response.Abort(c, response.NewForbidden("oauth provisioning is disabled"))
			return
		}
		got := c.GetHeader(ProvisionSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			response.Abort(c, response.NewForbidden("invalid provisioning credentials"))
			return
		}
		c.Next()
	}
}
