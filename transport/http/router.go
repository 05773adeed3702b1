package http

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter sets up the Gin router. Forwarding headers are honoured only
// for requests arriving from one of trustedProxies; with none configured the
// client address is always the socket peer.
func SetupRouter(handlers *Handlers, gatherer prometheus.Gatherer, trustedProxies []string, logger *zap.Logger) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(gin.Recovery(), RequestLogger(logger))

	router.GET("/healthz", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	registration := router.Group("/registration")
	{
		registration.POST("/options", handlers.RegistrationOptions)
		registration.POST("/verify", handlers.RegistrationVerify)
	}

	authentication := router.Group("/authentication")
	{
		authentication.POST("/options", handlers.AuthenticationOptions)
		authentication.POST("/verify", handlers.AuthenticationVerify)
	}

	session := router.Group("/session")
	{
		session.POST("/refresh", handlers.Refresh)
		session.POST("/logout", handlers.Logout)
	}

	transaction := router.Group("/transaction")
	transaction.Use(AuthMiddleware(handlers))
	{
		transaction.POST("/prepare", handlers.Prepare)
		transaction.POST("/submit", handlers.Submit)
		transaction.GET("/:hash", handlers.Transaction)
	}

	account := router.Group("/account/:address")
	{
		account.GET("/approved", handlers.Approved)
		account.POST("/approve", AuthMiddleware(handlers), handlers.Approve)
	}

	return router, nil
}
