package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-sharing/internal/config"
	"github.com/example/ride-sharing/internal/dispatch"
	"github.com/example/ride-sharing/internal/eta"
	"github.com/example/ride-sharing/internal/geo"
	"github.com/example/ride-sharing/internal/ingest"
	"github.com/example/ride-sharing/internal/location"
	"github.com/example/ride-sharing/internal/matcher"
	"github.com/example/ride-sharing/internal/models"
	"github.com/example/ride-sharing/internal/payments"
	"github.com/example/ride-sharing/internal/storage"
)

// TripPayments is the payment surface the trips API needs once a fare hold
// exists: capture on completion, release on cancellation.
type TripPayments interface {
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

type Server struct {
	Geo      geo.DriverIndex
	Matcher  *matcher.Service
	Updater  *location.Updater
	Tracker  *location.Tracker
	Store    storage.Store
	Kafka    *ingest.KafkaProducer
	WSReg    *dispatch.WSRegistry
	Payments TripPayments

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the full API process from configuration: geo index,
// store, event dispatch, estimator, matcher and location tracking.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var dx geo.DriverIndex
	if cfg.RedisAddr != "" {
		dx = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		dx = geo.NewIndex()
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable, using in-memory store", "error", err)
		} else {
			store = ps
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	wsreg := dispatch.NewWSRegistry()
	var pub dispatch.Publisher = wsreg
	if cfg.PushEndpoint != "" {
		pub = dispatch.NewPushDispatcher(cfg.PushEndpoint, wsreg)
	}

	est := eta.NewEstimator()
	est.AvgSpeedKmh = cfg.AvgSpeedKmh
	est.BaseFare = cfg.BaseFare
	est.SharingDiscount = cfg.SharingDiscount
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
		est.Cache = eta.NewCache(time.Minute)
	}

	m := matcher.NewService(dx, est, store, pub, logger)
	m.DriverRadiusM = cfg.DriverRadiusM
	m.RiderRadiusM = cfg.RiderRadiusM
	m.TopN = cfg.MatcherTopN
	m.SuggestionTTL = cfg.SuggestionTTL

	var tp TripPayments
	if cfg.StripeAPIKey != "" {
		sc := payments.NewStripeClient(cfg.StripeAPIKey)
		m.Payments = sc
		tp = sc
	}

	up := location.NewUpdater(dx, store, pub, logger)
	tr := location.NewTracker(store, pub, logger)
	tr.Interval = cfg.TrackerInterval

	s := &Server{
		Geo:      dx,
		Matcher:  m,
		Updater:  up,
		Tracker:  tr,
		Store:    store,
		Kafka:    kp,
		WSReg:    wsreg,
		Payments: tp,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides/request", s.handleRideRequest).Methods("POST")
	api.HandleFunc("/rides/suggest-matches", s.handleSuggestMatches).Methods("POST")
	api.HandleFunc("/rides/{rideID}/preferences", s.handlePreferences).Methods("PUT")
	api.HandleFunc("/rides/{matchID}/accept-match", s.handleResolveMatch).Methods("POST")
	api.HandleFunc("/rides/active-matches/{riderID}", s.handleActiveMatches).Methods("GET")
	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips/{tripID}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{tripID}/status", s.handleTripStatus).Methods("PATCH")
	api.HandleFunc("/trips/{tripID}/riders", s.handleAddTripRider).Methods("POST")
	api.HandleFunc("/trips/{tripID}/riders/{riderID}/status", s.handleTripRiderStatus).Methods("PATCH")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{userID}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Join(models.ErrInvalidInput, err))
		return
	}
	if err := s.Matcher.SubmitRequest(r.Context(), &req); err != nil {
		writeError(w, err)
		return
	}
	suggestions, err := s.Matcher.MatchRequest(r.Context(), req)
	if err != nil {
		// the request is stored; surface the matching failure but keep 201 semantics out of it
		writeError(w, err)
		return
	}
	req.Status = models.RequestPending
	if len(suggestions) > 0 {
		req.Status = models.RequestMatched
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"rideRequest":      req,
		"matchSuggestions": suggestions,
	})
}

func (s *Server) handleSuggestMatches(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RideRequestID string `json:"rideRequestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RideRequestID == "" {
		writeError(w, models.ErrInvalidInput)
		return
	}
	req, err := s.Store.GetRequest(r.Context(), body.RideRequestID)
	if err != nil {
		writeError(w, err)
		return
	}
	suggestions, err := s.Matcher.MatchRequest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matchSuggestions": suggestions})
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["rideID"]
	var prefs models.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, errors.Join(models.ErrInvalidInput, err))
		return
	}
	req, suggestions, rematched, err := s.Matcher.UpdatePreferences(r.Context(), rideID, prefs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rideRequest":      req,
		"matchSuggestions": suggestions,
		"rematched":        rematched,
	})
}

func (s *Server) handleResolveMatch(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["matchID"]
	var body struct {
		RiderID  string `json:"riderId"`
		Accepted bool   `json:"acceptedMatch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RiderID == "" {
		writeError(w, models.ErrInvalidInput)
		return
	}
	sg, err := s.Matcher.ResolveMatch(r.Context(), matchID, body.RiderID, body.Accepted)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

func (s *Server) handleActiveMatches(w http.ResponseWriter, r *http.Request) {
	riderID := mux.Vars(r)["riderID"]
	matches, err := s.Matcher.ActiveMatches(r.Context(), riderID)
	if err != nil {
		writeError(w, err)
		return
	}
	if matches == nil {
		matches = []models.MatchSuggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activeMatches": matches})
}

// handleCreateTrip turns an accepted suggestion into a trip. Payment refs,
// when supplied, link each rider's fare hold so trip completion can capture.
func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MatchID     string            `json:"matchId"`
		PaymentRefs map[string]string `json:"paymentRefs,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MatchID == "" {
		writeError(w, models.ErrInvalidInput)
		return
	}
	sg, err := s.Store.GetSuggestion(r.Context(), body.MatchID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sg.Status != models.SuggestionAccepted {
		writeError(w, errors.Join(models.ErrInvalidInput, errors.New("suggestion not accepted")))
		return
	}

	trip := tripFromSuggestion(sg, body.PaymentRefs)
	if err := s.Store.CreateTrip(r.Context(), &trip); err != nil {
		writeError(w, err)
		return
	}
	if !sg.DriverFallback {
		s.Geo.SetStatus(trip.DriverID, models.DriverUnavailable)
	}
	for _, tr := range trip.Riders {
		_ = s.Matcher.Publisher.Publish(tr.RiderID, dispatch.EventRideStatusUpdate, map[string]any{
			"tripId": trip.ID,
			"status": trip.Status,
		})
	}
	writeJSON(w, http.StatusCreated, trip)
}

func tripFromSuggestion(sg models.MatchSuggestion, paymentRefs map[string]string) models.Trip {
	now := time.Now()
	riders := make([]models.TripRider, 0, len(sg.PotentialRiders))
	fares := make(map[string]float64, len(sg.PricePerRider))
	for _, p := range sg.PricePerRider {
		fares[p.RiderID] = p.Amount
	}
	for _, pr := range sg.PotentialRiders {
		riders = append(riders, models.TripRider{
			RiderID:    pr.RiderID,
			Status:     models.RiderPending,
			Fare:       fares[pr.RiderID],
			PaymentRef: paymentRefs[pr.RiderID],
		})
	}
	trip := models.Trip{
		ID:               newID(),
		DriverID:         sg.DriverID,
		Status:           models.TripPending,
		Riders:           riders,
		Route:            sg.OptimizedRoute.Coordinates,
		DistanceKm:       sg.OptimizedRoute.TotalDistance,
		DurationMin:      sg.OptimizedRoute.EstimatedTime,
		TotalFare:        sg.TotalCost,
		EstimatedArrival: sg.EstimatedArrival,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if n := len(sg.OptimizedRoute.Coordinates); n > 0 {
		trip.Start = sg.OptimizedRoute.Coordinates[0]
		trip.End = sg.OptimizedRoute.Coordinates[n-1]
		trip.DriverLoc = trip.Start
	}
	return trip
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.Store.GetTrip(r.Context(), mux.Vars(r)["tripID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

var tripTransitions = map[string][]string{
	models.TripPending:    {models.TripInProgress, models.TripCancelled},
	models.TripInProgress: {models.TripCompleted, models.TripCancelled},
}

func validTransition(from, to string) bool {
	for _, next := range tripTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["tripID"]
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, models.ErrInvalidInput)
		return
	}
	trip, err := s.Store.GetTrip(r.Context(), tripID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !validTransition(trip.Status, body.Status) {
		writeError(w, errors.Join(models.ErrInvalidInput,
			errors.New("cannot transition "+trip.Status+" to "+body.Status)))
		return
	}
	trip.Status = body.Status
	trip.UpdatedAt = time.Now()
	s.settleFares(r.Context(), &trip)
	if err := s.Store.UpdateTrip(r.Context(), &trip); err != nil {
		writeError(w, err)
		return
	}

	s.Tracker.HandleStatus(context.WithoutCancel(r.Context()), trip)
	if models.TerminalTrip(trip.Status) {
		s.Geo.SetStatus(trip.DriverID, models.DriverAvailable)
	}

	for _, tr := range trip.Riders {
		_ = s.Matcher.Publisher.Publish(tr.RiderID, dispatch.EventRideStatusUpdate, map[string]any{
			"tripId": trip.ID,
			"status": trip.Status,
		})
	}
	_ = s.Matcher.Publisher.Publish(trip.DriverID, dispatch.EventRideStatusUpdate, map[string]any{
		"tripId": trip.ID,
		"status": trip.Status,
	})
	writeJSON(w, http.StatusOK, trip)
}

// settleFares captures outstanding fare holds when a trip completes and
// releases them when it is cancelled, clearing each ref once settled so
// per-rider settlement and trip settlement never touch a hold twice.
// Failures are logged, not surfaced: settlement is reconciled out of band
// and must not fail the status transition.
func (s *Server) settleFares(ctx context.Context, trip *models.Trip) {
	if s.Payments == nil || !models.TerminalTrip(trip.Status) {
		return
	}
	for i := range trip.Riders {
		ref := trip.Riders[i].PaymentRef
		if ref == "" {
			continue
		}
		var err error
		if trip.Status == models.TripCompleted {
			err = s.Payments.Capture(ctx, ref)
		} else {
			err = s.Payments.Cancel(ctx, ref)
		}
		if err != nil {
			s.logger.Error("fare settlement failed",
				"trip_id", trip.ID, "rider_id", trip.Riders[i].RiderID, "payment_ref", ref, "error", err)
			continue
		}
		trip.Riders[i].PaymentRef = ""
	}
}

// handleAddTripRider appends a rider to a not-yet-finished trip, so a shared
// trip can pick up a late-accepted co-rider.
func (s *Server) handleAddTripRider(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["tripID"]
	var rider models.TripRider
	if err := json.NewDecoder(r.Body).Decode(&rider); err != nil || rider.RiderID == "" {
		writeError(w, models.ErrInvalidInput)
		return
	}
	trip, err := s.Store.GetTrip(r.Context(), tripID)
	if err != nil {
		writeError(w, err)
		return
	}
	if models.TerminalTrip(trip.Status) {
		writeError(w, errors.Join(models.ErrInvalidInput, errors.New("trip already finished")))
		return
	}
	for _, tr := range trip.Riders {
		if tr.RiderID == rider.RiderID {
			writeError(w, errors.Join(models.ErrInvalidInput, errors.New("rider already on trip")))
			return
		}
	}
	if rider.Status == "" {
		rider.Status = models.RiderPending
	}
	trip.Riders = append(trip.Riders, rider)
	trip.TotalFare += rider.Fare
	trip.UpdatedAt = time.Now()
	if err := s.Store.UpdateTrip(r.Context(), &trip); err != nil {
		writeError(w, err)
		return
	}
	_ = s.Matcher.Publisher.Publish(rider.RiderID, dispatch.EventRideStatusUpdate, map[string]any{
		"tripId": trip.ID,
		"status": trip.Status,
	})
	writeJSON(w, http.StatusOK, trip)
}

var riderTransitions = map[string][]string{
	models.RiderPending:  {models.RiderPickedUp, models.RiderCancelled},
	models.RiderPickedUp: {models.RiderDroppedOff},
}

func validRiderTransition(from, to string) bool {
	for _, next := range riderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// handleTripRiderStatus moves one rider through pickup/dropoff/cancel. A
// drop-off captures the rider's held fare, a cancellation releases it.
func (s *Server) handleTripRiderStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tripID, riderID := vars["tripID"], vars["riderID"]
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, models.ErrInvalidInput)
		return
	}
	trip, err := s.Store.GetTrip(r.Context(), tripID)
	if err != nil {
		writeError(w, err)
		return
	}
	idx := -1
	for i, tr := range trip.Riders {
		if tr.RiderID == riderID {
			idx = i
			break
		}
	}
	if idx < 0 {
		writeError(w, errors.Join(models.ErrNotFound, errors.New("rider not on trip")))
		return
	}
	if !validRiderTransition(trip.Riders[idx].Status, body.Status) {
		writeError(w, errors.Join(models.ErrInvalidInput,
			errors.New("cannot transition rider "+trip.Riders[idx].Status+" to "+body.Status)))
		return
	}
	trip.Riders[idx].Status = body.Status
	trip.UpdatedAt = time.Now()

	if s.Payments != nil && trip.Riders[idx].PaymentRef != "" {
		var perr error
		switch body.Status {
		case models.RiderDroppedOff:
			perr = s.Payments.Capture(r.Context(), trip.Riders[idx].PaymentRef)
		case models.RiderCancelled:
			perr = s.Payments.Cancel(r.Context(), trip.Riders[idx].PaymentRef)
		}
		if perr != nil {
			s.logger.Error("rider fare settlement failed",
				"trip_id", trip.ID, "rider_id", riderID, "error", perr)
		} else if body.Status == models.RiderDroppedOff || body.Status == models.RiderCancelled {
			trip.Riders[idx].PaymentRef = ""
		}
	}

	if err := s.Store.UpdateTrip(r.Context(), &trip); err != nil {
		writeError(w, err)
		return
	}

	_ = s.Matcher.Publisher.Publish(riderID, dispatch.EventRideStatusUpdate, map[string]any{
		"tripId":      trip.ID,
		"riderStatus": body.Status,
	})
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, errors.Join(models.ErrInvalidInput, err))
		return
	}
	if err := s.Updater.UpdateDriverLocation(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	// mirror to kafka for downstream consumers
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", d.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response
		s.logger.Debug("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	s.WSReg.Add(userID, conn)
	go func() {
		// drain the read side so close frames are processed
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Remove(userID, conn)
				return
			}
		}
	}()
}

// Shutdown stops background work owned by the server.
func (s *Server) Shutdown() {
	s.Tracker.Shutdown()
	if s.Kafka != nil {
		_ = s.Kafka.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, models.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrExpiredSuggestion):
		status, code = http.StatusGone, "expired_suggestion"
	case errors.Is(err, models.ErrMatchingFailed):
		status, code = http.StatusServiceUnavailable, "matching_failed"
	}
	writeJSON(w, status, map[string]string{"code": code, "error": err.Error()})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
