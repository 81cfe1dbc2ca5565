package httptransport

import (
	"log/slog"

	"github.com/TwistedAndy/actionqueue/internal/transport/http/handler"
	"github.com/TwistedAndy/actionqueue/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"

	sloggin "github.com/samber/slog-gin"
)

func NewRouter(logger *slog.Logger, workerHandler *handler.WorkerHandler, dispatcher middleware.RequestEnder, actionSecret string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.DispatchEnd(dispatcher))

	// Worker entry points. The built-in HTTP spawner calls /actions/run;
	// /queue/work serves callers that hold the shared secret.
	r.GET("/actions/run", workerHandler.Run)
	r.POST("/queue/work", middleware.ActionSecret(actionSecret), workerHandler.RunAuthed)

	return r
}
