package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/semanticallynull/rentalengine-backend/internal/auth0"
	"github.com/semanticallynull/rentalengine-backend/internal/middleware"
	"github.com/semanticallynull/rentalengine-backend/internal/o11y"
	"github.com/semanticallynull/rentalengine-backend/internal/store"
	"github.com/semanticallynull/rentalengine-backend/lifecycle"
	"github.com/semanticallynull/rentalengine-backend/rider"
)

const riderKey = "rider"

type Config struct {
	Service *lifecycle.Service
	Store   store.Store
	Obs     *o11y.Observability
	// Authenticate must leave the signed-in subject where middleware.GetAuth0ID finds it.
	Authenticate gin.HandlerFunc
	// Auth0 fills in the profile of riders seen for the first time. Optional.
	Auth0 auth0.Client

	ServiceName     string
	MetricsUsername string
	MetricsPassword string
}

type API struct {
	r     *gin.Engine
	svc   *lifecycle.Service
	store store.Store
	auth0 auth0.Client
}

func New(cfg Config) *API {
	a := &API{
		r:     gin.New(),
		svc:   cfg.Service,
		store: cfg.Store,
		auth0: cfg.Auth0,
	}

	a.r.Use(
		gin.Recovery(),
		middleware.Tracing(cfg.ServiceName),
		middleware.Logging(cfg.Obs.Logger),
		middleware.Metrics(cfg.Obs.Registry),
	)

	a.r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	a.r.GET("/stations", a.stationsHandler)
	a.r.GET("/stations/:id/bikes", a.stationBikesHandler)

	metrics := a.r.Group("/metrics")
	if cfg.MetricsUsername != "" {
		metrics.Use(gin.BasicAuth(gin.Accounts{cfg.MetricsUsername: cfg.MetricsPassword}))
	}
	metrics.GET("", gin.WrapH(promhttp.HandlerFor(cfg.Obs.Registry, promhttp.HandlerOpts{})))

	protected := a.r.Group("/")
	protected.Use(cfg.Authenticate, a.riderMiddleware)
	{
		protected.POST("/rentals", a.reserveHandler)
		protected.POST("/rentals/start", a.startHandler)
		protected.GET("/rentals/current", a.currentRentalHandler)
		protected.GET("/rentals", a.rentalsHandler)
		protected.POST("/rentals/:id/end", a.endHandler)
		protected.POST("/rentals/:id/cancel", a.cancelHandler)

		protected.GET("/wallet", a.walletHandler)
		protected.POST("/wallet/topup", a.topUpHandler)

		protected.POST("/payments/session", a.createCustomerSession)
		protected.POST("/payments/setup-intent", a.createSetupIntent)
	}

	return a
}

func (a *API) Router() *gin.Engine {
	return a.r
}

// riderMiddleware resolves the authenticated subject to a rider, registering first-time
// riders and syncing their profile from Auth0.
func (a *API) riderMiddleware(c *gin.Context) {
	logger := middleware.GetLogger(c)

	auth0ID, ok := middleware.GetAuth0ID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "Authentication required"})
		return
	}

	rd, err := a.svc.RiderByAuth0ID(c.Request.Context(), auth0ID)
	if err != nil {
		a.fail(c, err)
		return
	}

	if a.auth0 != nil && !rd.Email.Valid {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		info, err := a.auth0.GetUserInfo(c.Request.Context(), token)
		if err != nil {
			logger.WarnContext(c.Request.Context(), "Failed to fetch user info", "error", err)
		} else if err := a.svc.UpdateProfile(c.Request.Context(), rd.ID, info.Email, info.DisplayName()); err != nil {
			logger.WarnContext(c.Request.Context(), "Failed to save rider profile", "error", err)
		}
	}

	middleware.SetRiderID(c, rd.ID)
	c.Set(riderKey, rd)
	c.Next()
}

func currentRider(c *gin.Context) rider.Rider {
	return c.MustGet(riderKey).(rider.Rider)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// fail writes err as {"code", "message"} with a status matching its class.
func (a *API) fail(c *gin.Context, err error) {
	code := lifecycle.Code(err)
	status := statusFor(code)
	msg := err.Error()

	switch {
	case status >= http.StatusInternalServerError:
		middleware.GetLogger(c).ErrorContext(c.Request.Context(), "Request failed", "error", err)
		msg = "internal error"
	case code == "CONFLICT":
		msg = "the request conflicted with a concurrent change, please retry"
	}

	c.Error(err)
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: msg})
}

func statusFor(code string) int {
	switch code {
	case "INVALID_REQUEST", "SAME_STATIONS":
		return http.StatusBadRequest
	case "INSUFFICIENT_FUNDS", "PAYMENT_DECLINED":
		return http.StatusPaymentRequired
	case "SANCTION_ACTIVE", "WRONG_OWNER", "WRONG_CODE":
		return http.StatusForbidden
	case "NOT_FOUND", "STATION_NOT_FOUND", "RIDER_NOT_FOUND":
		return http.StatusNotFound
	case "NO_PAYMENT_METHOD":
		return http.StatusPreconditionFailed
	case "INTERNAL":
		return http.StatusInternalServerError
	}
	// Remaining codes reject the request because of current state.
	return http.StatusConflict
}

func (a *API) invalid(c *gin.Context, msg string) {
	a.fail(c, fmt.Errorf("%w: %s", lifecycle.ErrInvalidRequest, msg))
}

func (a *API) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		a.invalid(c, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (a *API) queryLimit(c *gin.Context) (int, bool) {
	s := c.Query("limit")
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		a.invalid(c, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
