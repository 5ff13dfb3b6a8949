package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/taxidispatch/internal/booking/dispatch"
	"github.com/example/taxidispatch/internal/booking/domain"
	"github.com/example/taxidispatch/internal/booking/registry"
	"github.com/example/taxidispatch/internal/booking/repository"
	"github.com/example/taxidispatch/internal/georoute"
)

var (
	pickup  = domain.Location{Lat: 51.763366, Lng: -0.22309}
	dropoff = domain.Location{Lat: 51.7535889, Lng: -0.2446257}
)

type routeStub struct {
	mu   sync.Mutex
	fail map[domain.Location]bool
}

func (r *routeStub) GetRoute(ctx context.Context, origin, destination domain.Location) (domain.Route, error) {
	if err := ctx.Err(); err != nil {
		return domain.Route{}, errors.Join(georoute.ErrRouteUnavailable, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[origin] {
		return domain.Route{}, georoute.ErrRouteUnavailable
	}
	return domain.Route{
		Origin:         origin,
		Destination:    destination,
		DistanceMeters: georoute.Haversine(origin, destination),
		DurationSec:    60,
		FareEstimate:   10,
	}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.BookingEvent
}

func (l *eventLog) Publish(_ context.Context, ev domain.BookingEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) types(id uuid.UUID) []domain.BookingEventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.BookingEventType
	for _, ev := range l.events {
		if ev.BookingID == id {
			out = append(out, ev.Type)
		}
	}
	return out
}

type notifyFunc func(dispatch.Offer)

func (f notifyFunc) NotifyOffer(_ context.Context, o dispatch.Offer) error {
	f(o)
	return nil
}

type countingRegistry struct {
	*registry.MemoryRegistry
	reserves atomic.Int32
}

func (c *countingRegistry) TryReserve(ctx context.Context, id uuid.UUID) (bool, error) {
	c.reserves.Add(1)
	return c.MemoryRegistry.TryReserve(ctx, id)
}

type fixture struct {
	reg    *countingRegistry
	store  *repository.MemoryStore
	events *eventLog
	routes *routeStub
	offers chan dispatch.Offer
	engine *dispatch.Engine
}

func newFixture(t *testing.T, cfg dispatch.Config, notifier dispatch.OfferNotifier) *fixture {
	t.Helper()
	f := &fixture{
		reg:    &countingRegistry{MemoryRegistry: registry.NewMemoryRegistry(0)},
		store:  repository.NewMemoryStore(),
		events: &eventLog{},
		routes: &routeStub{fail: map[domain.Location]bool{}},
		offers: make(chan dispatch.Offer, 64),
	}
	if notifier == nil {
		notifier = notifyFunc(func(o dispatch.Offer) { f.offers <- o })
	}
	f.engine = dispatch.New(dispatch.Deps{
		Registry: f.reg,
		Routes:   f.routes,
		Store:    f.store,
		Events:   f.events,
		Notifier: notifier,
	}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.engine.Shutdown(ctx)
	})
	return f
}

func (f *fixture) addTaxi(t *testing.T, lat, lng float64, multiplier float64) domain.Taxi {
	t.Helper()
	taxi := domain.Taxi{
		ID:       uuid.New(),
		DriverID: uuid.New(),
		Status:   domain.TaxiAvailable,
		Location: domain.Location{Lat: lat, Lng: lng},
		Vehicle: domain.Vehicle{
			Plate:    "RN12 NGE",
			Capacity: 5,
			Type:     domain.VehicleType{Name: "Cruiser", Make: "Hyundai", Model: "Matrix", FareMultiplier: multiplier},
		},
	}
	require.NoError(t, f.reg.Register(context.Background(), taxi))
	return taxi
}

func (f *fixture) newBooking(t *testing.T) domain.Booking {
	t.Helper()
	b := domain.NewBooking(uuid.New(), domain.Route{Origin: pickup, Destination: dropoff, FareEstimate: 10}, 2, time.Now().UTC())
	require.NoError(t, f.store.Save(context.Background(), b))
	return b
}

func (f *fixture) status(t *testing.T, id uuid.UUID) domain.TaxiStatus {
	t.Helper()
	taxi, err := f.reg.Taxi(context.Background(), id)
	require.NoError(t, err)
	return taxi.Status
}

func (f *fixture) nextOffer(t *testing.T) dispatch.Offer {
	t.Helper()
	select {
	case o := <-f.offers:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no offer received")
		return dispatch.Offer{}
	}
}

type dispatchResult struct {
	booking domain.Booking
	err     error
}

func (f *fixture) dispatchAsync(b domain.Booking) <-chan dispatchResult {
	out := make(chan dispatchResult, 1)
	go func() {
		got, err := f.engine.Dispatch(context.Background(), b.ID)
		out <- dispatchResult{booking: got, err: err}
	}()
	return out
}

func await(t *testing.T, ch <-chan dispatchResult) dispatchResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("dispatch did not finish")
		return dispatchResult{}
	}
}

func TestZeroCandidatesDeclinesWithoutReserving(t *testing.T) {
	f := newFixture(t, dispatch.Config{}, nil)
	b := f.newBooking(t)

	got, err := f.engine.Dispatch(context.Background(), b.ID)
	require.ErrorIs(t, err, dispatch.ErrNoTaxiFound)
	var dErr *dispatch.Error
	require.True(t, errors.As(err, &dErr))
	require.Equal(t, dispatch.KindNoTaxiFound, dErr.Kind)

	require.Equal(t, domain.StateDeclinedAll, got.State)
	require.Equal(t, int32(0), f.reg.reserves.Load())

	stored, err := f.store.FindByID(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateDeclinedAll, stored.State)
	require.Equal(t, []domain.BookingEventType{domain.EventDeclinedAll}, f.events.types(b.ID))
}

func TestTimeoutThenNextCandidateAccepts(t *testing.T) {
	f := newFixture(t, dispatch.Config{OfferTimeout: 100 * time.Millisecond}, nil)
	near := f.addTaxi(t, 51.7634, -0.2231, 0.3)
	far := f.addTaxi(t, 51.7700, -0.2231, 0.5)
	b := f.newBooking(t)

	done := f.dispatchAsync(b)
	first := f.nextOffer(t)
	require.Equal(t, near.ID, first.TaxiID)
	require.Equal(t, b.ID, first.BookingID)

	second := f.nextOffer(t)
	require.Equal(t, far.ID, second.TaxiID)
	require.Equal(t, domain.TaxiAvailable, f.status(t, near.ID))
	require.NoError(t, f.engine.Reply(context.Background(), b.ID, far.ID, true))

	res := await(t, done)
	require.NoError(t, res.err)
	require.Equal(t, domain.StateAccepted, res.booking.State)
	require.Equal(t, far.ID, res.booking.AssignedTaxi.TaxiID)
	require.Equal(t, 2, res.booking.OffersMade)
	require.Equal(t, domain.TaxiBusy, f.status(t, far.ID))
	require.Equal(t, domain.TaxiAvailable, f.status(t, near.ID))
	require.Equal(t, []domain.BookingEventType{
		domain.EventOfferMade,
		domain.EventOfferTimedOut,
		domain.EventOfferMade,
		domain.EventDriverAccepted,
	}, f.events.types(b.ID))
}

func TestDeclineMovesToNextCandidate(t *testing.T) {
	f := newFixture(t, dispatch.Config{OfferTimeout: 5 * time.Second}, nil)
	near := f.addTaxi(t, 51.7634, -0.2231, 0.3)
	far := f.addTaxi(t, 51.7700, -0.2231, 0.5)
	b := f.newBooking(t)

	done := f.dispatchAsync(b)
	require.Equal(t, near.ID, f.nextOffer(t).TaxiID)
	require.NoError(t, f.engine.Reply(context.Background(), b.ID, near.ID, false))
	require.Equal(t, far.ID, f.nextOffer(t).TaxiID)

	err := f.engine.Reply(context.Background(), b.ID, near.ID, true)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)

	require.NoError(t, f.engine.Reply(context.Background(), b.ID, far.ID, true))
	res := await(t, done)
	require.NoError(t, res.err)
	require.Equal(t, far.ID, res.booking.AssignedTaxi.TaxiID)
}

func TestAllCandidatesDecline(t *testing.T) {
	f := newFixture(t, dispatch.Config{OfferTimeout: 5 * time.Second}, nil)
	taxis := []domain.Taxi{
		f.addTaxi(t, 51.7634, -0.2231, 0.3),
		f.addTaxi(t, 51.7700, -0.2231, 0.5),
	}
	b := f.newBooking(t)

	done := f.dispatchAsync(b)
	for range taxis {
		o := f.nextOffer(t)
		require.NoError(t, f.engine.Reply(context.Background(), b.ID, o.TaxiID, false))
	}
	res := await(t, done)
	require.ErrorIs(t, res.err, dispatch.ErrNoTaxiFound)
	require.Equal(t, domain.StateDeclinedAll, res.booking.State)
	for _, taxi := range taxis {
		require.Equal(t, domain.TaxiAvailable, f.status(t, taxi.ID))
	}
}

func TestCancelWhileOfferingReleasesTaxi(t *testing.T) {
	f := newFixture(t, dispatch.Config{OfferTimeout: 30 * time.Second}, nil)
	taxi := f.addTaxi(t, 51.7634, -0.2231, 0.3)
	b := f.newBooking(t)

	done := f.dispatchAsync(b)
	f.nextOffer(t)
	require.Equal(t, domain.TaxiOffered, f.status(t, taxi.ID))

	cancelled, err := f.engine.Cancel(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCancelled, cancelled.State)
	require.Nil(t, cancelled.Offer)
	require.Nil(t, cancelled.AssignedTaxi)

	res := await(t, done)
	require.ErrorIs(t, res.err, dispatch.ErrCancelled)
	require.Equal(t, domain.StateCancelled, res.booking.State)
	require.Equal(t, domain.TaxiAvailable, f.status(t, taxi.ID))

	err = f.engine.Reply(context.Background(), b.ID, taxi.ID, true)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestCancelAfterAcceptFreesAssignedTaxi(t *testing.T) {
	f := newFixture(t, dispatch.Config{}, nil)
	taxi := f.addTaxi(t, 51.7634, -0.2231, 0.3)
	b := f.newBooking(t)

	done := f.dispatchAsync(b)
	f.nextOffer(t)
	require.NoError(t, f.engine.Reply(context.Background(), b.ID, taxi.ID, true))
	require.NoError(t, await(t, done).err)
	require.Equal(t, domain.TaxiBusy, f.status(t, taxi.ID))

	_, err := f.engine.Cancel(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaxiAvailable, f.status(t, taxi.ID))

	_, err = f.engine.Cancel(context.Background(), b.ID)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestRouteFailureSkipsCandidate(t *testing.T) {
	f := newFixture(t, dispatch.Config{}, nil)
	unroutable := f.addTaxi(t, 51.7634, -0.2231, 0.3)
	routable := f.addTaxi(t, 51.7700, -0.2231, 0.5)
	f.routes.fail[unroutable.Location] = true
	b := f.newBooking(t)

	done := f.dispatchAsync(b)
	o := f.nextOffer(t)
	require.Equal(t, routable.ID, o.TaxiID)
	require.Equal(t, domain.TaxiAvailable, f.status(t, unroutable.ID))
	require.NoError(t, f.engine.Reply(context.Background(), b.ID, routable.ID, true))

	res := await(t, done)
	require.NoError(t, res.err)
	require.Equal(t, 1, res.booking.OffersMade)
	require.NotNil(t, res.booking.AssignedTaxi.PickupRoute)
	require.Equal(t, routable.Location, res.booking.AssignedTaxi.PickupRoute.Origin)
}

func TestDuplicateAcceptIsRejected(t *testing.T) {
	f := newFixture(t, dispatch.Config{}, nil)
	taxi := f.addTaxi(t, 51.7634, -0.2231, 0.3)
	b := f.newBooking(t)

	done := f.dispatchAsync(b)
	f.nextOffer(t)
	require.NoError(t, f.engine.Reply(context.Background(), b.ID, taxi.ID, true))
	res := await(t, done)
	require.NoError(t, res.err)

	err := f.engine.Reply(context.Background(), b.ID, taxi.ID, true)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)

	got, err := f.engine.Booking(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateAccepted, got.State)
	require.Equal(t, domain.TaxiBusy, f.status(t, taxi.ID))
}

func TestDispatchRequiresRequestedBooking(t *testing.T) {
	f := newFixture(t, dispatch.Config{}, nil)
	b := f.newBooking(t)
	_, err := f.engine.Cancel(context.Background(), b.ID)
	require.NoError(t, err)

	_, err = f.engine.Dispatch(context.Background(), b.ID)
	require.ErrorIs(t, err, dispatch.ErrInvalidBookingState)

	_, err = f.engine.Dispatch(context.Background(), uuid.New())
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSecondDispatchOfSameBookingIsRefused(t *testing.T) {
	f := newFixture(t, dispatch.Config{OfferTimeout: 30 * time.Second}, nil)
	f.addTaxi(t, 51.7634, -0.2231, 0.3)
	b := f.newBooking(t)

	done := f.dispatchAsync(b)
	f.nextOffer(t)
	_, err := f.engine.Dispatch(context.Background(), b.ID)
	require.ErrorIs(t, err, dispatch.ErrAlreadyDispatching)

	_, err = f.engine.Cancel(context.Background(), b.ID)
	require.NoError(t, err)
	await(t, done)
}

func TestTripLifecycleFixesFare(t *testing.T) {
	f := newFixture(t, dispatch.Config{}, nil)
	taxi := f.addTaxi(t, 51.7634, -0.2231, 0.3)
	b := f.newBooking(t)

	done := f.dispatchAsync(b)
	f.nextOffer(t)
	require.NoError(t, f.engine.Reply(context.Background(), b.ID, taxi.ID, true))
	require.NoError(t, await(t, done).err)

	_, err := f.engine.CompleteTrip(context.Background(), b.ID, b.Route)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)

	started, err := f.engine.StartTrip(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateInProgress, started.State)

	final := domain.Route{Origin: pickup, Destination: dropoff, FareEstimate: 10}
	done2, err := f.engine.CompleteTrip(context.Background(), b.ID, final)
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, done2.State)
	require.Equal(t, 3.0, *done2.FinalFare)

	moved, err := f.reg.Taxi(context.Background(), taxi.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaxiAvailable, moved.Status)
	require.Equal(t, dropoff, moved.Location)

	_, err = f.engine.Cancel(context.Background(), b.ID)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
}

type flakyStore struct {
	*repository.MemoryStore
	failing atomic.Bool
}

func (s *flakyStore) Save(ctx context.Context, b domain.Booking) error {
	if s.failing.Load() {
		return errors.New("database unavailable")
	}
	return s.MemoryStore.Save(ctx, b)
}

func TestUnpersistedTransitionIsReconciledOnRead(t *testing.T) {
	store := &flakyStore{MemoryStore: repository.NewMemoryStore()}
	reg := registry.NewMemoryRegistry(0)
	engine := dispatch.New(dispatch.Deps{
		Registry: reg,
		Routes:   &routeStub{fail: map[domain.Location]bool{}},
		Store:    store,
	}, dispatch.Config{})
	b := domain.NewBooking(uuid.New(), domain.Route{Origin: pickup, Destination: dropoff}, 1, time.Now().UTC())
	require.NoError(t, store.Save(context.Background(), b))

	store.failing.Store(true)
	cancelled, err := engine.Cancel(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCancelled, cancelled.State)

	stale, err := store.FindByID(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateRequested, stale.State)

	got, err := engine.Booking(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCancelled, got.State)

	store.failing.Store(false)
	_, err = engine.Booking(context.Background(), b.ID)
	require.NoError(t, err)
	persisted, err := store.FindByID(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCancelled, persisted.State)
}

func TestConcurrentDispatchNeverDoubleBooksATaxi(t *testing.T) {
	var engine *dispatch.Engine
	notifier := notifyFunc(func(o dispatch.Offer) {
		accept := o.TaxiID[0]%4 != 0
		go func() { _ = engine.Reply(context.Background(), o.BookingID, o.TaxiID, accept) }()
	})
	f := newFixture(t, dispatch.Config{CandidateLimit: 5, OfferTimeout: 2 * time.Second}, notifier)
	engine = f.engine

	var taxis []domain.Taxi
	for i := 0; i < 20; i++ {
		taxis = append(taxis, f.addTaxi(t, 51.76+float64(i)*0.001, -0.223, 0.3))
	}
	var bookings []domain.Booking
	for i := 0; i < 40; i++ {
		bookings = append(bookings, f.newBooking(t))
	}

	results := make([]dispatchResult, len(bookings))
	var wg sync.WaitGroup
	for i, b := range bookings {
		wg.Add(1)
		go func(i int, b domain.Booking) {
			defer wg.Done()
			got, err := engine.Dispatch(context.Background(), b.ID)
			results[i] = dispatchResult{booking: got, err: err}
		}(i, b)
	}
	wg.Wait()

	assigned := map[uuid.UUID]uuid.UUID{}
	for _, res := range results {
		switch res.booking.State {
		case domain.StateAccepted:
			require.NoError(t, res.err)
			taxiID := res.booking.AssignedTaxi.TaxiID
			other, dup := assigned[taxiID]
			require.False(t, dup, "taxi %s assigned to %s and %s", taxiID, other, res.booking.ID)
			assigned[taxiID] = res.booking.ID
		case domain.StateDeclinedAll:
			require.ErrorIs(t, res.err, dispatch.ErrNoTaxiFound)
			require.Nil(t, res.booking.AssignedTaxi)
		default:
			t.Fatalf("unexpected state %s", res.booking.State)
		}
		require.Nil(t, res.booking.Offer)
	}

	busy := 0
	for _, taxi := range taxis {
		status := f.status(t, taxi.ID)
		require.NotEqual(t, domain.TaxiOffered, status)
		if status == domain.TaxiBusy {
			busy++
			_, ok := assigned[taxi.ID]
			require.True(t, ok)
		}
	}
	require.Equal(t, len(assigned), busy)
}

func TestShutdownWithdrawsOfferWithoutDeclining(t *testing.T) {
	f := newFixture(t, dispatch.Config{OfferTimeout: 30 * time.Second}, nil)
	taxi := f.addTaxi(t, 51.7634, -0.2231, 0.3)
	b := f.newBooking(t)

	f.engine.Start(b.ID)
	require.Equal(t, taxi.ID, f.nextOffer(t).TaxiID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	got, err := f.engine.Booking(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateOffering, got.State)
	require.Nil(t, got.Offer)
	require.Nil(t, got.AssignedTaxi)
	require.Equal(t, domain.TaxiAvailable, f.status(t, taxi.ID))

	stored, err := f.store.FindByID(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateOffering, stored.State)
	require.Equal(t, []domain.BookingEventType{
		domain.EventOfferMade,
		domain.EventOfferWithdrawn,
	}, f.events.types(b.ID))

	err = f.engine.Reply(context.Background(), b.ID, taxi.ID, true)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestCallerCancellationAbortsWithUntriedCandidates(t *testing.T) {
	f := newFixture(t, dispatch.Config{OfferTimeout: 30 * time.Second}, nil)
	near := f.addTaxi(t, 51.7634, -0.2231, 0.3)
	far := f.addTaxi(t, 51.7700, -0.2231, 0.5)
	b := f.newBooking(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan dispatchResult, 1)
	go func() {
		got, err := f.engine.Dispatch(ctx, b.ID)
		done <- dispatchResult{booking: got, err: err}
	}()
	require.Equal(t, near.ID, f.nextOffer(t).TaxiID)
	cancel()

	res := await(t, done)
	require.ErrorIs(t, res.err, dispatch.ErrAborted)
	require.ErrorIs(t, res.err, context.Canceled)
	require.NotErrorIs(t, res.err, dispatch.ErrNoTaxiFound)
	var dErr *dispatch.Error
	require.True(t, errors.As(res.err, &dErr))
	require.Equal(t, dispatch.KindAborted, dErr.Kind)

	require.Equal(t, domain.StateOffering, res.booking.State)
	require.Nil(t, res.booking.Offer)
	require.Equal(t, int32(1), f.reg.reserves.Load())
	require.Equal(t, domain.TaxiAvailable, f.status(t, near.ID))
	require.Equal(t, domain.TaxiAvailable, f.status(t, far.ID))
	require.Equal(t, []domain.BookingEventType{
		domain.EventOfferMade,
		domain.EventOfferWithdrawn,
	}, f.events.types(b.ID))
	select {
	case o := <-f.offers:
		t.Fatalf("unexpected offer to %s after abort", o.TaxiID)
	default:
	}
}

func TestCancelledContextLeavesBookingRequested(t *testing.T) {
	f := newFixture(t, dispatch.Config{}, nil)
	f.addTaxi(t, 51.7634, -0.2231, 0.3)
	b := f.newBooking(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := f.engine.Dispatch(ctx, b.ID)
	require.ErrorIs(t, err, dispatch.ErrAborted)
	require.Equal(t, domain.StateRequested, got.State)
	require.Equal(t, int32(0), f.reg.reserves.Load())
	require.Empty(t, f.events.types(b.ID))
}

type failingReads struct {
	*repository.MemoryStore
	failOn int32
	reads  atomic.Int32
}

func (s *failingReads) FindByID(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	if s.reads.Add(1) == s.failOn {
		return domain.Booking{}, errors.New("database unavailable")
	}
	return s.MemoryStore.FindByID(ctx, id)
}

func TestStoreReadFailureSkipsToNextCandidate(t *testing.T) {
	// the first read loads the booking for validation, the second happens before the
	// first offer
	store := &failingReads{MemoryStore: repository.NewMemoryStore(), failOn: 2}
	reg := registry.NewMemoryRegistry(0)
	offers := make(chan dispatch.Offer, 4)
	events := &eventLog{}
	engine := dispatch.New(dispatch.Deps{
		Registry: reg,
		Routes:   &routeStub{fail: map[domain.Location]bool{}},
		Store:    store,
		Events:   events,
		Notifier: notifyFunc(func(o dispatch.Offer) { offers <- o }),
	}, dispatch.Config{OfferTimeout: 5 * time.Second})
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	near := taxiFor(51.7634, -0.2231)
	far := taxiFor(51.7700, -0.2231)
	require.NoError(t, reg.Register(context.Background(), near))
	require.NoError(t, reg.Register(context.Background(), far))
	b := domain.NewBooking(uuid.New(), domain.Route{Origin: pickup, Destination: dropoff, FareEstimate: 10}, 1, time.Now().UTC())
	require.NoError(t, store.Save(context.Background(), b))

	done := make(chan dispatchResult, 1)
	go func() {
		got, err := engine.Dispatch(context.Background(), b.ID)
		done <- dispatchResult{booking: got, err: err}
	}()

	var offer dispatch.Offer
	select {
	case offer = <-offers:
	case <-time.After(5 * time.Second):
		t.Fatal("no offer received")
	}
	require.Equal(t, far.ID, offer.TaxiID)
	skipped, err := reg.Taxi(context.Background(), near.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaxiAvailable, skipped.Status)
	require.NoError(t, engine.Reply(context.Background(), b.ID, far.ID, true))

	res := await(t, done)
	require.NoError(t, res.err)
	require.Equal(t, b.ID, res.booking.ID)
	require.Equal(t, domain.StateAccepted, res.booking.State)
	require.Equal(t, far.ID, res.booking.AssignedTaxi.TaxiID)
	require.Equal(t, []domain.BookingEventType{
		domain.EventOfferMade,
		domain.EventDriverAccepted,
	}, events.types(b.ID))
}

func taxiFor(lat, lng float64) domain.Taxi {
	return domain.Taxi{
		ID:       uuid.New(),
		DriverID: uuid.New(),
		Status:   domain.TaxiAvailable,
		Location: domain.Location{Lat: lat, Lng: lng},
		Vehicle: domain.Vehicle{
			Plate:    "RN13 NGB",
			Capacity: 5,
			Type:     domain.VehicleType{Name: "People Carrier", Make: "Honda", Model: "Civic", FareMultiplier: 0.5},
		},
	}
}
