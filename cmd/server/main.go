package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/harambeesacco/backend/internal/database"
	"github.com/harambeesacco/backend/internal/handlers"
	mW "github.com/harambeesacco/backend/internal/middleware"
	"github.com/harambeesacco/backend/internal/services"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Seed the chart of accounts and event mappings, then verify every
	// mapped account exists and is active. A broken mapping would silently
	// corrupt the books, so startup fails hard instead.
	accountingService := services.NewAccountingService(db)
	ctx := context.Background()
	if err := accountingService.InitChartOfAccounts(ctx); err != nil {
		log.Fatalf("Failed to initialize chart of accounts: %v", err)
	}
	if err := accountingService.InitEventMappings(ctx); err != nil {
		log.Fatalf("Failed to initialize event mappings: %v", err)
	}

	settingsService := services.NewSettingsService(db)
	notificationService := services.NewNotificationService(redisClient)
	guarantorService := services.NewGuarantorService(db)
	limitService := services.NewLoanLimitService(db, settingsService)
	workflowService := services.NewLoanWorkflowService(db, accountingService, guarantorService,
		limitService, settingsService, notificationService)
	repaymentService := services.NewRepaymentService(db, accountingService, guarantorService, notificationService)
	memberService := services.NewMemberService(db, accountingService, notificationService)
	dailyProcessor := services.NewDailyProcessor(db, accountingService, settingsService, notificationService)

	loanHandler := handlers.NewLoanHandler(workflowService, repaymentService, limitService)
	accountingHandler := handlers.NewAccountingHandler(accountingService)
	memberHandler := handlers.NewMemberHandler(memberService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Nightly batch: interest accrual, arrears and penalties, shortly after
	// midnight so the run covers the full previous day.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("5 0 * * *", func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		dailyProcessor.Run(runCtx)
	}); err != nil {
		log.Fatalf("Failed to schedule daily processor: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			// Member-facing endpoints
			r.Post("/loans", loanHandler.Apply)
			r.Get("/loans", loanHandler.List)
			r.Get("/loans/{loanId}", loanHandler.Get)
			r.Get("/loans/{loanId}/schedule", loanHandler.Schedule)
			r.Delete("/loans/{loanId}", loanHandler.DeleteDraft)
			r.Post("/loans/{loanId}/guarantors", loanHandler.AddGuarantor)
			r.Post("/guarantors/{guarantorId}/respond", loanHandler.RespondToGuarantorship)
			r.Post("/loans/{loanId}/fee", loanHandler.PayFee)
			r.Get("/members/{memberId}/loan-limit", loanHandler.LoanLimit)
			r.Get("/members/{memberId}/savings", memberHandler.Savings)
			r.Post("/members/{memberId}/deposits", memberHandler.Deposit)
			r.Post("/members/{memberId}/withdrawals", memberHandler.Withdraw)
			r.Post("/members/{memberId}/share-capital", memberHandler.PurchaseShareCapital)

			// Committee voting
			r.Post("/loans/{loanId}/votes", loanHandler.CastVote)

			// Credit officer review
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(mW.RoleOfficer, mW.RoleSecretary, mW.RoleChairperson))
				r.Post("/loans/{loanId}/review/start", loanHandler.StartReview)
				r.Post("/loans/{loanId}/review/approve", loanHandler.ApproveReview)
				r.Post("/loans/{loanId}/review/reject", loanHandler.RejectReview)
			})

			// Secretary workflow
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(mW.RoleSecretary, mW.RoleChairperson))
				r.Post("/loans/{loanId}/table", loanHandler.Table)
				r.Post("/loans/{loanId}/voting/open", loanHandler.OpenVoting)
				r.Post("/loans/{loanId}/voting/close", loanHandler.CloseVoting)
				r.Post("/loans/{loanId}/voting/finalize", loanHandler.FinalizeVote)
				r.Post("/loans/{loanId}/ratify", loanHandler.Ratify)
			})

			// Treasurer operations
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(mW.RoleTreasurer, mW.RoleChairperson))
				r.Post("/loans/{loanId}/disburse", loanHandler.Disburse)
				r.Post("/loans/{loanId}/repayments", loanHandler.Repay)
				r.Post("/loans/{loanId}/write-off", loanHandler.WriteOff)
				r.Post("/loans/{loanId}/default", loanHandler.MarkDefaulted)
				r.Post("/loans/{loanId}/restructure", loanHandler.Restructure)
				r.Post("/gl/journal-entries", accountingHandler.PostManualJournal)
			})

			// General ledger reads
			r.Get("/gl/accounts", accountingHandler.ListAccounts)
			r.Get("/gl/accounts/{code}/balance", accountingHandler.AccountBalance)
			r.Get("/gl/journal-entries/{entryId}", accountingHandler.GetJournalEntry)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
