package acceptance

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/semanticallynull/rentalengine-backend/api"
	"github.com/semanticallynull/rentalengine-backend/bike"
	"github.com/semanticallynull/rentalengine-backend/internal/auth0"
	"github.com/semanticallynull/rentalengine-backend/internal/middleware"
	"github.com/semanticallynull/rentalengine-backend/internal/o11y"
	"github.com/semanticallynull/rentalengine-backend/internal/store/memory"
	"github.com/semanticallynull/rentalengine-backend/lifecycle"
	"github.com/semanticallynull/rentalengine-backend/notify"
	"github.com/semanticallynull/rentalengine-backend/payment"
	"github.com/semanticallynull/rentalengine-backend/station"
)

type TestServer struct {
	Router   *gin.Engine
	Store    *memory.Store
	Service  *lifecycle.Service
	Payments *payment.FakeGateway
	Notes    *notify.Recorder
	Auth0    *auth0.FakeClient

	mu  sync.Mutex
	now time.Time

	Origin, Destination uuid.UUID
}

func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	gin.SetMode(gin.TestMode)

	ts := &TestServer{
		Store:       memory.New(),
		Payments:    payment.NewFakeGateway(),
		Notes:       &notify.Recorder{},
		Auth0:       auth0.NewFakeClient(),
		now:         time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		Origin:      uuid.New(),
		Destination: uuid.New(),
	}

	ts.Store.AddStation(station.Station{
		ID: ts.Origin, Name: "Grand Canal Dock", Address: "Test Address", OpeningHours: "24/7",
		Location:         pgtype.Point{P: pgtype.Vec2{X: 53.3398, Y: -6.2376}, Valid: true},
		ElectricCapacity: 8, ManualCapacity: 8,
	})
	ts.Store.AddStation(station.Station{
		ID: ts.Destination, Name: "Smithfield", Address: "Test Address", OpeningHours: "24/7",
		Location:         pgtype.Point{P: pgtype.Vec2{X: 53.3478, Y: -6.2783}, Valid: true},
		ElectricCapacity: 8, ManualCapacity: 8,
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()

	ts.Service = lifecycle.New(lifecycle.Options{
		Store:      ts.Store,
		Payments:   ts.Payments,
		Notifier:   ts.Notes,
		Logger:     logger,
		Registerer: reg,
		Now:        ts.clock,
	})
	t.Cleanup(ts.Service.Wait)

	a := api.New(api.Config{
		Service:         ts.Service,
		Store:           ts.Store,
		Obs:             &o11y.Observability{Logger: logger, Registry: reg},
		Authenticate:    fakeAuthMiddleware(),
		Auth0:           ts.Auth0,
		ServiceName:     "rentalengine-test",
		MetricsUsername: "prom",
		MetricsPassword: "secret",
	})
	ts.Router = a.Router()

	return ts
}

// fakeAuthMiddleware takes the Auth0 subject from the X-User-ID header instead of a JWT.
func fakeAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "Authentication required"})
			return
		}
		middleware.SetAuth0ID(c, userID)
		c.Next()
	}
}

func (ts *TestServer) clock() time.Time {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.now
}

// Advance moves the service clock forward.
func (ts *TestServer) Advance(d time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.now = ts.now.Add(d)
}

func (ts *TestServer) AddBike(t *testing.T, serial string, typ bike.Type, charge int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	origin := ts.Origin
	ts.Store.AddBike(bike.Bike{
		ID: id, Serial: serial, Type: typ, State: bike.StateAvailable,
		StationID: &origin, ChargeLevel: charge,
	})
	return id
}

func (ts *TestServer) GET(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.Router.ServeHTTP(w, req)
	return w
}

func (ts *TestServer) POST(path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.Router.ServeHTTP(w, req)
	return w
}

// Fund gives the user a card on file and tops their wallet up through the API.
func (ts *TestServer) Fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	headers := map[string]string{"X-User-ID": userID}

	w := ts.POST("/payments/session", nil, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var session struct {
		CustomerID string `json:"customerId"`
	}
	decode(t, w, &session)
	ts.Payments.AddCard(session.CustomerID)

	w = ts.POST("/wallet/topup", map[string]int64{"amount": amount}, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to unmarshal response: %v\n%s", err, spew.Sdump(w.Body.String()))
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("expected status %d, got %d: %s", status, w.Code, w.Body.String())
	}
	var body errorBody
	decode(t, w, &body)
	if body.Code != code {
		t.Errorf("expected code %s, got %s", code, body.Code)
	}
}
