package ports

import "github.com/gin-gonic/gin"

type HTTPHandler interface {
	GetNearby(c *gin.Context)
	GetCall(c *gin.Context)
	ListRecentCalls(c *gin.Context)
}
