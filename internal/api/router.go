package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func NewRouter(svc AgentService, allowedOrigins []string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware(allowedOrigins))
	r.Use(RequestIDMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: formatTime(time.Now()),
		})
	})

	agentHandler := NewAgentHandler(svc)
	jobHandler := NewJobHandler(svc)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", agentHandler.Status)
		v1.GET("/events", agentHandler.StreamEvents)

		agent := v1.Group("/agent")
		{
			agent.POST("/start", agentHandler.Start)
			agent.POST("/stop", agentHandler.Stop)
		}

		jobs := v1.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:id", jobHandler.GetJob)
			jobs.DELETE("/:id", jobHandler.CancelJob)
		}
	}

	return r
}
