package diagapi

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

// doc.json is a hand-authored OpenAPI 2.0 document describing the routes
// below. It stands in for swag-generated docs: this module's build
// pipeline does not run `swag init`, so the spec is maintained by hand
// alongside routes.go rather than regenerated from the @-comment
// annotations on the handlers.
//
//go:embed doc.json
var swaggerDoc []byte

func serveSwaggerDoc(c *gin.Context) {
	c.Data(http.StatusOK, "application/json", swaggerDoc)
}
