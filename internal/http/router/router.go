package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/keygridhq/mint/internal/http/handler"
)

// SetupRoutes registers the id-minting surface. ready reports whether this
// worker currently holds a node id; /readyz flips to 503 the moment it does
// not, so load balancers stop routing mint traffic here.
func SetupRoutes(router *gin.Engine, mint *handler.MintHandler, node *handler.NodeHandler, ready func() bool) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/readyz", func(c *gin.Context) {
		if !ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no node id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	v1 := router.Group("/v1")
	{
		v1.GET("/id", mint.Mint)
		v1.GET("/ids", mint.MintBatch)
		v1.GET("/node", node.Get)
	}
}
