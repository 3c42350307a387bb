package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gradeflow/internal/common/http/middleware"

	"github.com/gin-gonic/gin"
)

func TestIssuedTokenPassesMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	token, err := issue("s3cret", "gradeflow", "ops", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	router := gin.New()
	router.Use(middleware.ServiceTokenMiddleware(middleware.ServiceTokenConfig{Secret: "s3cret", Issuer: "gradeflow"}))
	router.GET("/probe", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestIssueValidatesInput(t *testing.T) {
	if _, err := issue("", "gradeflow", "ops", time.Hour, time.Now()); err == nil {
		t.Fatalf("expected missing secret error")
	}
	if _, err := issue("s3cret", "gradeflow", "ops", 0, time.Now()); err == nil {
		t.Fatalf("expected ttl error")
	}
}
