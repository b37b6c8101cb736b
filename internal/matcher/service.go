package matcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-sharing/internal/dispatch"
	"github.com/example/ride-sharing/internal/eta"
	"github.com/example/ride-sharing/internal/geo"
	"github.com/example/ride-sharing/internal/models"
	"github.com/example/ride-sharing/internal/observability"
	"github.com/example/ride-sharing/internal/storage"
)

// PaymentHolder places a hold on a rider's fare when a match is accepted.
type PaymentHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
}

// Service is the matching orchestrator: given a ride request it shortlists
// candidate co-riders, projects routes and costs, ranks the combinations
// against the best nearby driver, persists the top suggestions and emits
// real-time events. Independent requests run concurrently; the driver
// reservation table is the only shared state.
type Service struct {
	Geo       geo.DriverIndex
	Estimator *eta.Estimator
	Store     storage.Store
	Publisher dispatch.Publisher
	Logger    *slog.Logger
	Payments  PaymentHolder // optional

	DriverRadiusM float64       // driver search radius, default 5000
	RiderRadiusM  float64       // co-rider search radius, default 2000
	TopN          int           // max suggestions per request, default 5
	SuggestionTTL time.Duration // suggestion window, default 5m
	Now           func() time.Time

	Reservations *ReservationTable
}

func NewService(dx geo.DriverIndex, est *eta.Estimator, store storage.Store, pub dispatch.Publisher, logger *slog.Logger) *Service {
	return &Service{
		Geo:           dx,
		Estimator:     est,
		Store:         store,
		Publisher:     pub,
		Logger:        logger,
		DriverRadiusM: 5000,
		RiderRadiusM:  2000,
		TopN:          5,
		SuggestionTTL: 5 * time.Minute,
		Now:           time.Now,
		Reservations:  NewReservationTable(),
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) topN() int {
	if s.TopN <= 0 {
		return 5
	}
	return s.TopN
}

func (s *Service) ttl() time.Duration {
	if s.SuggestionTTL <= 0 {
		return 5 * time.Minute
	}
	return s.SuggestionTTL
}

// SubmitRequest validates and persists a new ride request in pending state.
// Matching runs separately (see MatchRequest) so the submit path stays fast.
func (s *Service) SubmitRequest(ctx context.Context, req *models.RideRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	now := s.now()
	if req.ID == "" {
		req.ID = newID()
	}
	req.Status = models.RequestPending
	req.CreatedAt = now
	req.UpdatedAt = now
	if err := s.Store.CreateRequest(ctx, req); err != nil {
		return fmt.Errorf("%w: create request: %v", models.ErrMatchingFailed, err)
	}
	return nil
}

func validateRequest(req *models.RideRequest) error {
	if req.Pickup.IsZero() || req.Dropoff.IsZero() {
		return fmt.Errorf("%w: pickup and dropoff coordinates are required", models.ErrInvalidInput)
	}
	if err := req.Pickup.Validate(); err != nil {
		return err
	}
	if err := req.Dropoff.Validate(); err != nil {
		return err
	}
	if req.RiderID == "" {
		return fmt.Errorf("%w: riderId is required", models.ErrInvalidInput)
	}
	if req.Passengers <= 0 {
		req.Passengers = 1
	}
	req.Preferences.Normalize()
	return nil
}

type scoredCandidate struct {
	request  models.RideRequest
	estimate eta.Estimate
	impact   Impact
}

// MatchRequest runs the full pipeline for one request and returns the
// persisted suggestions, ranked best first. Zero compatible candidates is
// not an error: the request simply stays pending with no suggestions.
func (s *Service) MatchRequest(ctx context.Context, req models.RideRequest) ([]models.MatchSuggestion, error) {
	start := time.Now()
	observability.MatchRunsTotal.Inc()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	now := s.now()

	// a group larger than the rider's own seat limit can never be satisfied
	if req.Passengers > req.Preferences.MaxPassengers {
		return nil, nil
	}

	priority := req.IsEmergency || req.Preferences.MaxDelay() == 0
	assignment, err := s.assignDriver(req, now, priority)
	if err != nil {
		return nil, err
	}

	var ranked []scoredCandidate
	if req.Shareable() {
		ranked, err = s.shortlist(ctx, req, assignment.Driver, now)
		if err != nil {
			s.releaseDriver(assignment, req.ID)
			return nil, err
		}
	}

	suggestions, err := s.buildSuggestions(req, assignment, ranked, priority, now)
	if err != nil {
		s.releaseDriver(assignment, req.ID)
		return nil, err
	}
	if len(suggestions) == 0 {
		s.releaseDriver(assignment, req.ID)
		return nil, nil
	}

	if err := s.Store.SaveMatches(ctx, req.ID, models.RequestMatched, suggestions); err != nil {
		s.releaseDriver(assignment, req.ID)
		observability.MatchFailures.Inc()
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: persist suggestions: %v", models.ErrMatchingFailed, err)
	}
	observability.SuggestionsCreated.Add(float64(len(suggestions)))

	for _, sg := range suggestions {
		s.publishSuggestion(req, assignment, sg)
	}
	return suggestions, nil
}

// assignDriver locates the best available, unreserved driver within the
// search radius and reserves it. When none is found it returns a tagged
// synthetic placeholder so downstream flow keeps working; callers must
// check the Fallback flag before dispatching.
func (s *Service) assignDriver(req models.RideRequest, now time.Time, priority bool) (models.DriverAssignment, error) {
	radiusM := s.DriverRadiusM
	if radiusM <= 0 {
		radiusM = 5000
	}
	nearby := s.Geo.Nearby(req.Pickup, radiusM, 16)
	expiry := now.Add(s.ttl())

	opts := make([]DriverOption, 0, len(nearby))
	for _, d := range nearby {
		if s.Reservations.Reserved(d.ID, req.ID, now) {
			continue
		}
		opts = append(opts, DriverOption{Driver: d, DistanceKm: geo.Haversine(req.Pickup, d.Loc)})
	}

	for len(opts) > 0 {
		d, ok := SelectDriver(opts, req, radiusM/1000, priority)
		if !ok {
			break
		}
		if s.Reservations.Reserve(d.ID, req.ID, now, expiry) {
			return models.DriverAssignment{Driver: d}, nil
		}
		// lost the race for this driver, try the next one
		rest := opts[:0]
		for _, o := range opts {
			if o.Driver.ID != d.ID {
				rest = append(rest, o)
			}
		}
		opts = rest
	}

	observability.FallbackDrivers.Inc()
	if s.Logger != nil {
		s.Logger.Warn("no driver available, assigning placeholder", "request_id", req.ID)
	}
	return models.DriverAssignment{
		Driver: models.Driver{
			ID:     "placeholder-" + req.ID,
			Loc:    req.Pickup,
			Status: models.DriverUnavailable,
		},
		Fallback: true,
	}, nil
}

func (s *Service) releaseDriver(a models.DriverAssignment, requestID string) {
	if !a.Fallback {
		s.Reservations.ReleaseIf(a.Driver.ID, requestID)
	}
}

// shortlist queries pending requests near the pickup, applies the
// compatibility filter and per-candidate estimates, and ranks the survivors.
func (s *Service) shortlist(ctx context.Context, req models.RideRequest, driver models.Driver, now time.Time) ([]scoredCandidate, error) {
	radiusM := s.RiderRadiusM
	if radiusM <= 0 {
		radiusM = 2000
	}
	cands, err := s.Store.PendingNear(ctx, req.Pickup, radiusM, req.ID)
	if err != nil {
		observability.MatchFailures.Inc()
		return nil, fmt.Errorf("%w: candidate query: %v", models.ErrMatchingFailed, err)
	}

	scored := make([]scoredCandidate, 0, len(cands))
	for _, cand := range cands {
		cand.Preferences.Normalize()
		if !Compatible(req, cand) {
			continue
		}
		est, err := s.Estimator.Estimate(req, []models.RideRequest{cand}, driver, now)
		if err != nil {
			return nil, err
		}
		delay := est.Riders[0].EstimatedDelayMinutes
		if delay > req.Preferences.MaxDelay() || delay > cand.Preferences.MaxDelay() {
			continue
		}
		scored = append(scored, scoredCandidate{
			request:  cand,
			estimate: est,
			impact: Impact{
				CompatibilityScore:    CompatibilityScore(req, cand),
				RouteImpact:           est.Riders[0].RouteImpact,
				EstimatedDelayMinutes: delay,
				CreatedAt:             cand.CreatedAt,
			},
		})
	}
	return Rank(scored, func(c scoredCandidate) Impact { return c.impact }, s.topN()), nil
}

func (s *Service) buildSuggestions(req models.RideRequest, assignment models.DriverAssignment, ranked []scoredCandidate, priority bool, now time.Time) ([]models.MatchSuggestion, error) {
	expires := now.Add(s.ttl())

	if len(ranked) == 0 {
		if req.Shareable() {
			// no compatible candidates: zero suggestions, request stays pending
			return nil, nil
		}
		// non-shareable (solo, emergency, zero-delay) rides still get matched
		est, err := s.Estimator.Estimate(req, nil, assignment.Driver, now)
		if err != nil {
			return nil, err
		}
		sg := s.newSuggestion(req, assignment, est, nil, now, expires)
		sg.Score = Composite(Impact{CompatibilityScore: 1})
		if priority {
			sg.Score = 1
		}
		return []models.MatchSuggestion{sg}, nil
	}

	out := make([]models.MatchSuggestion, 0, len(ranked))
	for _, c := range ranked {
		sg := s.newSuggestion(req, assignment, c.estimate, &c, now, expires)
		sg.Score = Composite(c.impact)
		out = append(out, sg)
	}
	return out, nil
}

func (s *Service) newSuggestion(req models.RideRequest, assignment models.DriverAssignment, est eta.Estimate, cand *scoredCandidate, now, expires time.Time) models.MatchSuggestion {
	riders := []models.PotentialRider{{
		RiderID:            req.RiderID,
		RequestID:          req.ID,
		CompatibilityScore: 1,
		PickupOrder:        1,
		DropoffOrder:       len(est.Riders) + 1,
	}}
	var delay int
	if cand != nil {
		r := est.Riders[0]
		delay = r.EstimatedDelayMinutes
		riders = append(riders, models.PotentialRider{
			RiderID:               r.RiderID,
			RequestID:             r.RequestID,
			EstimatedDelayMinutes: r.EstimatedDelayMinutes,
			CompatibilityScore:    cand.impact.CompatibilityScore,
			RouteImpact:           r.RouteImpact,
			PickupOrder:           r.PickupOrder,
			DropoffOrder:          r.DropoffOrder,
		})
	}
	return models.MatchSuggestion{
		ID:               newID(),
		RequestID:        req.ID,
		DriverID:         assignment.Driver.ID,
		DriverFallback:   assignment.Fallback,
		PotentialRiders:  riders,
		OptimizedRoute:   est.Route,
		Status:           models.SuggestionPending,
		EstimatedDelay:   delay,
		TotalTime:        est.Route.EstimatedTime,
		TotalCost:        est.TotalPrice,
		PricePerRider:    est.PerRider,
		EstimatedArrival: est.EstimatedArrival,
		CreatedAt:        now,
		ExpiresAt:        expires,
	}
}

func (s *Service) publishSuggestion(req models.RideRequest, assignment models.DriverAssignment, sg models.MatchSuggestion) {
	payload := map[string]any{
		"matchId":              sg.ID,
		"driver":               assignment.Driver,
		"driverFallback":       assignment.Fallback,
		"potentialRiders":      sg.PotentialRiders,
		"estimatedPickupTime":  sg.EstimatedArrival,
		"estimatedDropoffTime": sg.EstimatedArrival.Add(time.Duration(sg.TotalTime * float64(time.Minute))),
		"estimatedCost":        sg.TotalCost,
		"potentialDelay":       sg.EstimatedDelay,
		"optimizedRoute":       sg.OptimizedRoute,
	}
	if err := s.Publisher.Publish(req.RiderID, dispatch.EventNewMatchSuggestion, payload); err != nil && s.Logger != nil {
		s.Logger.Debug("suggestion event not delivered", "rider_id", req.RiderID, "error", err)
	}
}

// UpdatePreferences applies a preference change. Flipping the sharing flag
// invalidates every pending suggestion for the request before the pipeline
// reruns, so clients never see old and new suggestion sets together.
func (s *Service) UpdatePreferences(ctx context.Context, requestID string, prefs models.Preferences) (models.RideRequest, []models.MatchSuggestion, bool, error) {
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return models.RideRequest{}, nil, false, err
	}
	prefs.Normalize()
	flipped := prefs.Sharing() != req.Preferences.Sharing()
	req.Preferences = prefs
	req.UpdatedAt = s.now()

	if !flipped {
		if err := s.Store.UpdateRequest(ctx, &req); err != nil {
			return models.RideRequest{}, nil, false, err
		}
		return req, nil, false, nil
	}

	invalidated, err := s.Store.InvalidatePending(ctx, requestID)
	if err != nil {
		return models.RideRequest{}, nil, false, fmt.Errorf("%w: invalidate suggestions: %v", models.ErrMatchingFailed, err)
	}
	for _, sg := range invalidated {
		if !sg.DriverFallback {
			s.Reservations.ReleaseIf(sg.DriverID, requestID)
		}
	}

	req.Status = models.RequestPending
	if err := s.Store.UpdateRequest(ctx, &req); err != nil {
		return models.RideRequest{}, nil, false, err
	}

	suggestions, err := s.MatchRequest(ctx, req)
	if err != nil {
		return models.RideRequest{}, nil, false, err
	}
	return req, suggestions, true, nil
}

// ResolveMatch applies a rider's accept/reject decision to a suggestion.
func (s *Service) ResolveMatch(ctx context.Context, matchID, riderID string, accepted bool) (models.MatchSuggestion, error) {
	sg, err := s.Store.GetSuggestion(ctx, matchID)
	if err != nil {
		return models.MatchSuggestion{}, err
	}
	now := s.now()
	if sg.Status == models.SuggestionExpired || (sg.Status == models.SuggestionPending && sg.Expired(now)) {
		if sg.Status == models.SuggestionPending {
			_ = s.Store.UpdateSuggestionStatus(ctx, sg.ID, models.SuggestionExpired)
			s.releaseIfUnused(ctx, sg)
		}
		return models.MatchSuggestion{}, fmt.Errorf("%w: %s", models.ErrExpiredSuggestion, sg.ID)
	}
	if sg.Status != models.SuggestionPending {
		return models.MatchSuggestion{}, fmt.Errorf("%w: suggestion %s already %s", models.ErrInvalidInput, sg.ID, sg.Status)
	}

	status := models.SuggestionRejected
	if accepted {
		status = models.SuggestionAccepted
	}
	if err := s.Store.UpdateSuggestionStatus(ctx, sg.ID, status); err != nil {
		return models.MatchSuggestion{}, err
	}
	sg.Status = status

	if accepted {
		s.holdFare(ctx, sg, riderID)
	} else {
		s.releaseIfUnused(ctx, sg)
	}

	update := map[string]any{
		"matchId": sg.ID,
		"riderId": riderID,
		"status":  status,
	}
	for _, pr := range sg.PotentialRiders {
		_ = s.Publisher.Publish(pr.RiderID, dispatch.EventMatchStatusUpdate, update)
	}
	if !sg.DriverFallback {
		_ = s.Publisher.Publish(sg.DriverID, dispatch.EventMatchStatusUpdate, update)
	}
	return sg, nil
}

// releaseIfUnused frees the driver reservation unless another pending
// suggestion for the same request still references the driver.
func (s *Service) releaseIfUnused(ctx context.Context, sg models.MatchSuggestion) {
	if sg.DriverFallback {
		return
	}
	remaining, err := s.Store.PendingForRequest(ctx, sg.RequestID)
	if err == nil {
		for _, other := range remaining {
			if other.ID != sg.ID && other.DriverID == sg.DriverID {
				return
			}
		}
	}
	s.Reservations.ReleaseIf(sg.DriverID, sg.RequestID)
}

func (s *Service) holdFare(ctx context.Context, sg models.MatchSuggestion, riderID string) {
	if s.Payments == nil {
		return
	}
	for _, p := range sg.PricePerRider {
		if p.RiderID != riderID {
			continue
		}
		if _, err := s.Payments.Hold(ctx, int64(p.Amount*100), "usd", riderID); err != nil && s.Logger != nil {
			s.Logger.Error("fare hold failed", "match_id", sg.ID, "rider_id", riderID, "error", err)
		}
		return
	}
}

// ActiveMatches returns the rider's still-valid pending suggestions.
func (s *Service) ActiveMatches(ctx context.Context, riderID string) ([]models.MatchSuggestion, error) {
	all, err := s.Store.PendingForRider(ctx, riderID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := all[:0]
	for _, sg := range all {
		if !sg.Expired(now) {
			out = append(out, sg)
		}
	}
	return out, nil
}

// RunExpiry sweeps suggestions whose window elapsed, releasing driver
// reservations and notifying affected riders. Blocks until ctx is done.
func (s *Service) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.Store.ExpireDue(ctx, s.now())
			if err != nil {
				if s.Logger != nil {
					s.Logger.Error("expiry sweep failed", "error", err)
				}
				continue
			}
			observability.SuggestionsExpired.Add(float64(len(expired)))
			for _, sg := range expired {
				if !sg.DriverFallback {
					s.Reservations.ReleaseIf(sg.DriverID, sg.RequestID)
				}
				for _, pr := range sg.PotentialRiders {
					_ = s.Publisher.Publish(pr.RiderID, dispatch.EventRideStatusUpdate, map[string]any{
						"matchId": sg.ID,
						"status":  models.SuggestionExpired,
					})
				}
			}
		}
	}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
