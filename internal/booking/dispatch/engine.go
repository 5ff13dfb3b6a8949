package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/booking/domain"
	"github.com/example/taxidispatch/internal/booking/registry"
	"github.com/example/taxidispatch/internal/georoute"
)

// Config holds the dispatch tunables.
type Config struct {
	// CandidateLimit bounds how many taxis one dispatch run may offer to.
	CandidateLimit int
	OfferTimeout   time.Duration
	RouteTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 5
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = 15 * time.Second
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = 3 * time.Second
	}
	return c
}

// Deps groups the engine's collaborators. Events, Notifier, Clock and Logger are optional.
type Deps struct {
	Registry registry.Registry
	Routes   georoute.Provider
	Store    domain.BookingStore
	Events   domain.EventPublisher
	Notifier OfferNotifier
	Clock    domain.Clock
	Logger   *zap.Logger
}

// Engine offers bookings to nearby taxis one at a time and applies every booking
// transition under a per-booking lock. Different bookings dispatch concurrently.
type Engine struct {
	registry registry.Registry
	routes   georoute.Provider
	store    domain.BookingStore
	events   domain.EventPublisher
	notifier OfferNotifier
	clock    domain.Clock
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer

	locks *keyedMutex

	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	bookings map[uuid.UUID]*entry
	runs     map[uuid.UUID]*run
}

// entry is the engine's view of a booking it has transitioned. dirty marks a transition
// the store has not accepted yet.
type entry struct {
	booking domain.Booking
	dirty   bool
}

type run struct {
	cancel  context.CancelFunc
	replies chan reply
	done    chan struct{}
}

type reply struct {
	taxiID uuid.UUID
	accept bool
	result chan error
}

type outcome int

const (
	nextCandidate outcome = iota
	accepted
	cancelled
	aborted
)

// New constructs an Engine.
func New(deps Deps, cfg Config) *Engine {
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Engine{
		registry: deps.Registry,
		routes:   deps.Routes,
		store:    deps.Store,
		events:   deps.Events,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		cfg:      cfg.withDefaults(),
		logger:   deps.Logger.Named("dispatch"),
		tracer:   otel.Tracer("booking.dispatch"),
		locks:    newKeyedMutex(),
		lifetime: lifetime,
		stop:     stop,
		bookings: make(map[uuid.UUID]*entry),
		runs:     make(map[uuid.UUID]*run),
	}
}

// Start runs Dispatch in the background, bound to the engine's lifetime.
func (e *Engine) Start(bookingID uuid.UUID) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		b, err := e.Dispatch(e.lifetime, bookingID)
		if err != nil {
			e.logger.Info("dispatch finished without a taxi",
				zap.String("booking_id", bookingID.String()),
				zap.String("state", string(b.State)),
				zap.Error(err))
		}
	}()
}

// Shutdown aborts running dispatches and waits for them to settle.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch offers a REQUESTED booking to up to CandidateLimit taxis, nearest first,
// until one accepts. It returns the booking as it stands when the run ends.
func (e *Engine) Dispatch(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(attribute.String("booking_id", bookingID.String())))
	defer span.End()
	started := time.Now()

	runCtx, r, err := e.beginRun(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	defer e.endRun(bookingID, r)

	b, err := e.Booking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if b.State != domain.StateRequested {
		return b, newError(KindInvalidBookingState, bookingID, errors.New("state "+string(b.State)))
	}

	b, err = e.run(runCtx, b, r)
	result := "accepted"
	if err != nil {
		switch {
		case errors.Is(err, ErrCancelled):
			result = "cancelled"
		case errors.Is(err, ErrAborted):
			result = "aborted"
		default:
			result = "no_taxi"
		}
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", result))
	dispatchDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())
	return b, err
}

func (e *Engine) beginRun(ctx context.Context, id uuid.UUID) (context.Context, *run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.runs[id]; busy {
		return nil, nil, newError(KindAlreadyDispatching, id, nil)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, replies: make(chan reply), done: make(chan struct{})}
	e.runs[id] = r
	return runCtx, r, nil
}

func (e *Engine) endRun(id uuid.UUID, r *run) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
	r.cancel()
	close(r.done)
}

func (e *Engine) run(ctx context.Context, b domain.Booking, r *run) (domain.Booking, error) {
	id := b.ID
	candidates, err := e.registry.FindCandidates(ctx, b.Pickup(), e.cfg.CandidateLimit)
	if err != nil {
		e.logger.Warn("candidate search failed", zap.String("booking_id", id.String()), zap.Error(err))
		candidates = nil
	}

	for _, taxi := range candidates {
		if ctx.Err() != nil {
			break
		}
		var out outcome
		b, out = e.offer(ctx, b, taxi, r)
		switch out {
		case accepted:
			return b, nil
		case cancelled:
			return b, newError(KindCancelled, id, nil)
		case aborted:
			return b, newError(KindAborted, id, ctx.Err())
		}
	}
	if ctx.Err() != nil {
		b, out := e.interrupted(ctx, id)
		if out == cancelled {
			return b, newError(KindCancelled, id, nil)
		}
		return b, newError(KindAborted, id, ctx.Err())
	}
	return e.exhaust(ctx, id, len(candidates))
}

// exhaust moves the booking to DECLINED_ALL unless a passenger cancelled it meanwhile.
// Only a run that tried every candidate gets here.
func (e *Engine) exhaust(ctx context.Context, id uuid.UUID, tried int) (domain.Booking, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := e.locks.Lock(id)
	defer unlock()
	b, err := e.current(ctx, id)
	if err != nil {
		return b, err
	}
	if b.State == domain.StateCancelled {
		return b, newError(KindCancelled, id, nil)
	}
	b, err = e.transition(ctx, b, domain.CandidatesExhausted(e.clock.Now()))
	if err != nil {
		return b, err
	}
	e.logger.Info("booking declined by all candidates", zap.String("booking_id", id.String()), zap.Int("candidates", tried))
	return b, newError(KindNoTaxiFound, id, nil)
}

// offer runs one candidate: reserve, route, OfferMade, then wait for a reply or the timeout.
func (e *Engine) offer(ctx context.Context, b domain.Booking, taxi domain.Taxi, r *run) (domain.Booking, outcome) {
	ctx, span := e.tracer.Start(ctx, "dispatch.offer", trace.WithAttributes(
		attribute.String("booking_id", b.ID.String()),
		attribute.String("taxi_id", taxi.ID.String()),
	))
	defer span.End()
	log := e.logger.With(zap.String("booking_id", b.ID.String()), zap.String("taxi_id", taxi.ID.String()))

	ok, err := e.registry.TryReserve(ctx, taxi.ID)
	if err != nil {
		log.Warn("reserve failed", zap.Error(err))
		offerResults.WithLabelValues("reserve_error").Inc()
		return b, nextCandidate
	}
	if !ok {
		offerResults.WithLabelValues("reserve_conflict").Inc()
		return b, nextCandidate
	}

	routeCtx, cancelRoute := context.WithTimeout(ctx, e.cfg.RouteTimeout)
	pickupRoute, err := e.routes.GetRoute(routeCtx, taxi.Location, b.Pickup())
	cancelRoute()
	if err != nil {
		log.Warn("pickup route unavailable", zap.Error(err))
		offerResults.WithLabelValues("route_failed").Inc()
		e.release(ctx, taxi.ID, domain.TaxiAvailable)
		if ctx.Err() != nil {
			return e.interrupted(ctx, b.ID)
		}
		return b, nextCandidate
	}

	unlock := e.locks.Lock(b.ID)
	latest, err := e.current(context.WithoutCancel(ctx), b.ID)
	if err != nil {
		unlock()
		log.Warn("load booking failed", zap.Error(err))
		offerResults.WithLabelValues("store_error").Inc()
		e.release(ctx, taxi.ID, domain.TaxiAvailable)
		if ctx.Err() != nil {
			return e.interrupted(ctx, b.ID)
		}
		return b, nextCandidate
	}
	if latest.State.Terminal() {
		unlock()
		e.release(ctx, taxi.ID, domain.TaxiAvailable)
		return latest, cancelled
	}
	b = latest
	now := e.clock.Now()
	b, err = e.transition(ctx, b, domain.OfferMade(domain.AssignmentFor(taxi, &pickupRoute), now))
	unlock()
	if err != nil {
		log.Error("offer rejected by state machine", zap.Error(err))
		e.release(ctx, taxi.ID, domain.TaxiAvailable)
		return b, nextCandidate
	}

	offer := Offer{
		BookingID:   b.ID,
		TaxiID:      taxi.ID,
		DriverID:    taxi.DriverID,
		Pickup:      b.Pickup(),
		Destination: b.Route.Destination,
		Passengers:  b.Passengers,
		PickupRoute: pickupRoute,
		ExpiresAt:   now.Add(e.cfg.OfferTimeout),
	}
	if err := e.notifier.NotifyOffer(ctx, offer); err != nil {
		log.Warn("offer notification failed", zap.Error(err))
	}

	timer := time.NewTimer(e.cfg.OfferTimeout)
	defer timer.Stop()
	for {
		select {
		case rep := <-r.replies:
			if rep.taxiID != taxi.ID {
				rep.result <- e.rejectReply(ctx, b.ID, rep)
				continue
			}
			next, out, err := e.answer(ctx, b.ID, taxi.ID, rep.accept)
			rep.result <- err
			if err != nil && out == nextCandidate {
				continue
			}
			return next, out
		case <-timer.C:
			next, out := e.withdraw(ctx, b.ID, taxi.ID, domain.OfferTimedOut)
			if out == nextCandidate {
				offerResults.WithLabelValues("timed_out").Inc()
				log.Info("offer timed out")
			}
			return next, out
		case <-ctx.Done():
			return e.interrupted(ctx, b.ID)
		}
	}
}

// answer applies a driver reply for the outstanding offer.
func (e *Engine) answer(ctx context.Context, bookingID, taxiID uuid.UUID, accept bool) (domain.Booking, outcome, error) {
	unlock := e.locks.Lock(bookingID)
	defer unlock()
	b, err := e.current(ctx, bookingID)
	if err != nil {
		return b, nextCandidate, err
	}
	ev := domain.DriverDeclined(taxiID, e.clock.Now())
	if accept {
		ev = domain.DriverAccepted(taxiID, e.clock.Now())
	}
	next, err := e.transition(ctx, b, ev)
	if err != nil {
		if b.State.Terminal() {
			return b, cancelled, err
		}
		return b, nextCandidate, err
	}
	if accept {
		offerResults.WithLabelValues("accepted").Inc()
		e.release(ctx, taxiID, domain.TaxiBusy)
		return next, accepted, nil
	}
	offerResults.WithLabelValues("declined").Inc()
	e.release(ctx, taxiID, domain.TaxiAvailable)
	return next, nextCandidate, nil
}

// withdraw takes back the outstanding offer to taxiID with the given event unless a reply
// or cancellation already settled it.
func (e *Engine) withdraw(ctx context.Context, bookingID, taxiID uuid.UUID, event func(uuid.UUID, time.Time) domain.Event) (domain.Booking, outcome) {
	unlock := e.locks.Lock(bookingID)
	defer unlock()
	b, err := e.current(ctx, bookingID)
	if err != nil {
		return b, cancelled
	}
	if b.Offer == nil || b.Offer.TaxiID != taxiID {
		return b, cancelled
	}
	b, err = e.transition(ctx, b, event(taxiID, e.clock.Now()))
	if err != nil {
		return b, cancelled
	}
	e.release(ctx, taxiID, domain.TaxiAvailable)
	return b, nextCandidate
}

// interrupted handles a run whose context ended: either the passenger cancelled, or the
// engine or caller stopped the run. A stopped run withdraws any outstanding offer and
// leaves the booking REQUESTED or OFFERING.
func (e *Engine) interrupted(ctx context.Context, bookingID uuid.UUID) (domain.Booking, outcome) {
	ctx = context.WithoutCancel(ctx)
	unlock := e.locks.Lock(bookingID)
	b, err := e.current(ctx, bookingID)
	unlock()
	if err != nil {
		e.logger.Warn("load interrupted booking failed", zap.String("booking_id", bookingID.String()), zap.Error(err))
		return b, aborted
	}
	if b.State == domain.StateCancelled {
		return b, cancelled
	}
	if b.Offer != nil {
		withdrawn, out := e.withdraw(ctx, bookingID, b.Offer.TaxiID, domain.OfferWithdrawn)
		switch {
		case out == nextCandidate:
			offerResults.WithLabelValues("withdrawn").Inc()
			b = withdrawn
		case withdrawn.State == domain.StateCancelled:
			return withdrawn, cancelled
		}
	}
	return b, aborted
}

// Reply routes a driver's answer to the running dispatch for bookingID. It returns an
// IllegalTransitionError when the taxi holds no outstanding offer for the booking.
func (e *Engine) Reply(ctx context.Context, bookingID, taxiID uuid.UUID, accept bool) error {
	e.mu.Lock()
	r, ok := e.runs[bookingID]
	e.mu.Unlock()

	rep := reply{taxiID: taxiID, accept: accept, result: make(chan error, 1)}
	if !ok {
		return e.rejectReply(ctx, bookingID, rep)
	}
	select {
	case r.replies <- rep:
	case <-r.done:
		return e.rejectReply(ctx, bookingID, rep)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-rep.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rejectReply explains why a reply cannot be applied by evaluating it against a copy of
// the booking.
func (e *Engine) rejectReply(ctx context.Context, bookingID uuid.UUID, rep reply) error {
	unlock := e.locks.Lock(bookingID)
	defer unlock()
	b, err := e.current(ctx, bookingID)
	if err != nil {
		return err
	}
	ev := domain.DriverDeclined(rep.taxiID, e.clock.Now())
	if rep.accept {
		ev = domain.DriverAccepted(rep.taxiID, e.clock.Now())
	}
	if _, err := domain.Apply(b, ev); err != nil {
		return err
	}
	return newError(KindStaleReply, bookingID, nil)
}

// Cancel applies PassengerCancelled, frees any taxi the booking holds and stops its
// dispatch run.
func (e *Engine) Cancel(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	unlock := e.locks.Lock(bookingID)
	b, err := e.current(ctx, bookingID)
	if err != nil {
		unlock()
		return b, err
	}
	prev := b
	b, err = e.transition(ctx, b, domain.PassengerCancelled(e.clock.Now()))
	if err != nil {
		unlock()
		return b, err
	}
	if prev.Offer != nil {
		e.release(ctx, prev.Offer.TaxiID, domain.TaxiAvailable)
	}
	if prev.AssignedTaxi != nil {
		e.release(ctx, prev.AssignedTaxi.TaxiID, domain.TaxiAvailable)
	}
	unlock()

	e.mu.Lock()
	if r, ok := e.runs[bookingID]; ok {
		r.cancel()
	}
	e.mu.Unlock()
	return b, nil
}

// StartTrip applies TripStarted.
func (e *Engine) StartTrip(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	unlock := e.locks.Lock(bookingID)
	defer unlock()
	b, err := e.current(ctx, bookingID)
	if err != nil {
		return b, err
	}
	return e.transition(ctx, b, domain.TripStarted(e.clock.Now()))
}

// CompleteTrip applies TripCompleted, fixing the fare, then frees the taxi at the drop-off.
func (e *Engine) CompleteTrip(ctx context.Context, bookingID uuid.UUID, finalRoute domain.Route) (domain.Booking, error) {
	unlock := e.locks.Lock(bookingID)
	defer unlock()
	b, err := e.current(ctx, bookingID)
	if err != nil {
		return b, err
	}
	prev := b
	b, err = e.transition(ctx, b, domain.TripCompleted(finalRoute, e.clock.Now()))
	if err != nil {
		return b, err
	}
	taxiID := prev.AssignedTaxi.TaxiID
	if err := e.registry.UpdateLocation(ctx, taxiID, finalRoute.Destination); err != nil {
		e.logger.Warn("relocate taxi failed", zap.String("taxi_id", taxiID.String()), zap.Error(err))
	}
	e.release(ctx, taxiID, domain.TaxiAvailable)
	return b, nil
}

// Booking returns the latest state of a booking, re-saving any transition the store
// missed.
func (e *Engine) Booking(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	unlock := e.locks.Lock(bookingID)
	defer unlock()
	return e.current(ctx, bookingID)
}

// current must be called with the booking lock held.
func (e *Engine) current(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	e.mu.Lock()
	cached, ok := e.bookings[id]
	e.mu.Unlock()
	if !ok {
		return e.store.FindByID(ctx, id)
	}
	if cached.dirty {
		e.persist(ctx, cached.booking)
	}
	return cached.booking, nil
}

// transition must be called with the booking lock held. Persistence and event publishing
// are best effort; the in-memory booking is authoritative until the store catches up.
func (e *Engine) transition(ctx context.Context, b domain.Booking, ev domain.Event) (domain.Booking, error) {
	next, err := domain.Apply(b, ev)
	if err != nil {
		return b, err
	}
	transitionsTotal.WithLabelValues(string(ev.Type)).Inc()

	e.mu.Lock()
	e.bookings[next.ID] = &entry{booking: next, dirty: true}
	e.mu.Unlock()
	e.persist(ctx, next)

	event := domain.BookingEvent{
		BookingID: next.ID,
		Type:      ev.Type,
		State:     next.State,
		Payload:   eventPayload(next, ev),
		CreatedAt: ev.At,
	}
	if err := e.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Warn("publish booking event failed",
			zap.String("booking_id", next.ID.String()),
			zap.String("event", string(ev.Type)),
			zap.Error(err))
	}
	return next, nil
}

func (e *Engine) persist(ctx context.Context, b domain.Booking) {
	err := e.store.Save(context.WithoutCancel(ctx), b)
	e.mu.Lock()
	defer e.mu.Unlock()
	cached, ok := e.bookings[b.ID]
	if !ok || cached.booking.Version != b.Version {
		return
	}
	if err != nil {
		persistFailures.Inc()
		e.logger.Warn("persist booking failed",
			zap.String("booking_id", b.ID.String()),
			zap.String("state", string(b.State)),
			zap.Error(err))
		return
	}
	if b.State.Terminal() {
		delete(e.bookings, b.ID)
		return
	}
	cached.dirty = false
}

func (e *Engine) release(ctx context.Context, taxiID uuid.UUID, status domain.TaxiStatus) {
	if err := e.registry.Release(context.WithoutCancel(ctx), taxiID, status); err != nil {
		e.logger.Warn("release taxi failed",
			zap.String("taxi_id", taxiID.String()),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func eventPayload(b domain.Booking, ev domain.Event) map[string]any {
	payload := map[string]any{}
	if ev.TaxiID != uuid.Nil {
		payload["taxi_id"] = ev.TaxiID.String()
	}
	switch ev.Type {
	case domain.EventOfferMade:
		payload["offers_made"] = b.OffersMade
	case domain.EventTripCompleted:
		if b.FinalFare != nil {
			payload["final_fare"] = *b.FinalFare
		}
	}
	if len(payload) == 0 {
		return nil
	}
	return payload
}
