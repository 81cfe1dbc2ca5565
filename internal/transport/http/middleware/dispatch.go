package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
)

// RequestEnder is the request-ended hook; satisfied by the dispatcher.
type RequestEnder interface {
	RequestEnd(ctx context.Context)
}

// DispatchEnd signals the dispatcher after the handler chain finishes,
// detached from the request so the response is not held open while
// buffered jobs flush and a worker spawns.
func DispatchEnd(d RequestEnder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		go d.RequestEnd(context.WithoutCancel(c.Request.Context()))
	}
}
