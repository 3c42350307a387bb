package controller

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the grading API. adminAuth guards the operator endpoints.
func RegisterRoutes(router gin.IRouter, grading *GradingController, health *HealthController, adminAuth gin.HandlerFunc) {
	api := router.Group("/api/v1/grading")
	api.GET("/healthz", health.Healthz)
	api.GET("/submissions/:id", grading.GetSubmission)
	api.GET("/submissions/:id/logs", grading.GetLogs)

	admin := api.Group("/admin", adminAuth)
	admin.POST("/submissions/:id/dispatch", grading.Dispatch)
	admin.POST("/submissions/requeue-stuck", grading.RequeueStuck)
}
