package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"ciphertalk/backend/internal/auth"
	"ciphertalk/backend/internal/config"
	"ciphertalk/backend/internal/database"
	"ciphertalk/backend/internal/handler"
	"ciphertalk/backend/internal/hub"
	"ciphertalk/backend/internal/service"
	"ciphertalk/backend/internal/storage"
	"ciphertalk/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	config.LoadConfig()
}

func main() {
	cfg := config.AppConfig
	logg := logger.New(cfg.LogLevel, cfg.Development)

	// Connect to the database
	database.Connect(cfg.DatabaseURL)
	db := database.DB

	users := service.NewUserService(db, logg)
	friendships := service.NewFriendshipService(db, logg)
	conversations := service.NewConversationService(db, logg)
	messages := service.NewMessageService(db, friendships, logg)
	keys := service.NewKeyService(db, logg)
	tokens := service.NewTokenService(db, time.Duration(cfg.RefreshTokenTTL)*time.Hour, logg)

	presigner, err := storage.NewS3Presigner(context.Background(), cfg.AWSRegion, cfg.AvatarBucket)
	if err != nil {
		log.Fatalf("Failed to initialize avatar storage: %v", err)
	}

	gateway := hub.New(users, friendships, conversations, messages, logg)
	h := handler.New(users, friendships, conversations, messages, keys, tokens, presigner, gateway)

	// Expired refresh tokens pile up; sweep them hourly.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := tokens.Prune(context.Background()); err != nil {
				logg.Error().Err(err).Msg("refresh token prune failed")
			} else if n > 0 {
				logg.Info().Int64("pruned", n).Msg("pruned expired refresh tokens")
			}
		}
	}()

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Health check endpoint
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Websocket gateway (authenticates via token query param)
	router.GET("/ws", gateway.ServeWS)

	// API v1 routes
	apiV1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := apiV1.Group("/auth")
		{
			authRoutes.POST("/register", h.Register)
			authRoutes.POST("/login", h.Login)
			authRoutes.POST("/refresh", h.Refresh)
			authRoutes.POST("/logout", h.Logout)
		}

		// User routes (protected)
		userRoutes := apiV1.Group("/users")
		userRoutes.Use(auth.AuthMiddleware())
		{
			userRoutes.GET("", h.SearchUsers) // Must be before /:id
			userRoutes.GET("/me", h.GetMe)
			userRoutes.POST("/me/avatar", h.PresignAvatar)
			userRoutes.PUT("/me/avatar", h.ConfirmAvatar)
			userRoutes.GET("/:id", h.GetUser)
			userRoutes.GET("/:id/keys", h.GetKeyBundle)
			userRoutes.POST("/:id/block", h.BlockUser)
			userRoutes.DELETE("/:id/block", h.UnblockUser)
		}

		// Friendship routes (protected)
		friendRoutes := apiV1.Group("/friendships")
		friendRoutes.Use(auth.AuthMiddleware())
		{
			friendRoutes.GET("", h.ListFriendships)
			friendRoutes.POST("", h.AddFriend)
			friendRoutes.POST("/:id/accept", h.AcceptFriend)
			friendRoutes.POST("/:id/decline", h.DeclineFriend)
			friendRoutes.POST("/:id/cancel", h.CancelFriend)
		}

		// Conversation and message routes (protected)
		convRoutes := apiV1.Group("/conversations")
		convRoutes.Use(auth.AuthMiddleware())
		{
			convRoutes.GET("", h.ListConversations)
			convRoutes.POST("/direct", h.CreateDirect)
			convRoutes.POST("/group", h.CreateGroup)
			convRoutes.GET("/:id", h.GetConversation)
			convRoutes.GET("/:id/participants", h.ListParticipants)
			convRoutes.POST("/:id/participants", h.AddParticipant)
			convRoutes.DELETE("/:id/participants/:userId", h.RemoveParticipant)
			convRoutes.GET("/:id/messages", h.ListMessages)
			convRoutes.POST("/:id/messages", h.SendMessage)
			convRoutes.POST("/:id/read", h.MarkRead)
		}

		// Message mutation routes (protected)
		messageRoutes := apiV1.Group("/messages")
		messageRoutes.Use(auth.AuthMiddleware())
		{
			messageRoutes.PUT("/:messageId", h.EditMessage)
			messageRoutes.DELETE("/:messageId", h.DeleteMessage)
		}

		// Key management routes (protected)
		keyRoutes := apiV1.Group("/keys")
		keyRoutes.Use(auth.AuthMiddleware())
		{
			keyRoutes.POST("", h.UploadKeys)
			keyRoutes.GET("/count", h.CountPreKeys)
		}
	}

	logg.Info().Str("port", cfg.Port).Msg("server is running")
	log.Fatal(router.Run(":" + cfg.Port))
}
