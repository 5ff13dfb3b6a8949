package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/taxidispatch/internal/booking/dispatch"
	"github.com/example/taxidispatch/internal/booking/domain"
	"github.com/example/taxidispatch/internal/booking/registry"
	"github.com/example/taxidispatch/internal/booking/repository"
	"github.com/example/taxidispatch/internal/booking/service"
	"github.com/example/taxidispatch/internal/georoute"
)

var (
	pickup  = domain.Location{Lat: 51.763366, Lng: -0.22309}
	dropoff = domain.Location{Lat: 51.7535889, Lng: -0.2446257}
	cruiser = domain.Vehicle{
		Plate:    "RN12 NGE",
		Capacity: 5,
		Type:     domain.VehicleType{Name: "Cruiser", Make: "Hyundai", Model: "Matrix", FareMultiplier: 0.3},
	}
)

type offerQueue chan dispatch.Offer

func (q offerQueue) NotifyOffer(_ context.Context, o dispatch.Offer) error {
	q <- o
	return nil
}

type fixture struct {
	svc    *service.Service
	offers offerQueue
}

func newFixture(t *testing.T, notifiers ...dispatch.OfferNotifier) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	reg := registry.NewMemoryRegistry(0)
	routes := georoute.NewEstimateProvider(30, georoute.DefaultTariff)
	offers := make(offerQueue, 16)
	engine := dispatch.New(dispatch.Deps{
		Registry: reg,
		Routes:   routes,
		Store:    store,
		Notifier: dispatch.MultiNotifier(append([]dispatch.OfferNotifier{offers}, notifiers...)...),
	}, dispatch.Config{OfferTimeout: 5 * time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	svc := service.New(service.Deps{
		Store:       store,
		Dispatcher:  engine,
		Registry:    reg,
		Routes:      routes,
		Idempotency: repository.NewMemoryIdempotencyRepo(),
	})
	return &fixture{svc: svc, offers: offers}
}

func (f *fixture) onlineTaxi(t *testing.T, driverID uuid.UUID) domain.Taxi {
	t.Helper()
	ctx := context.Background()
	taxi, err := f.svc.RegisterTaxi(ctx, service.RegisterTaxiInput{
		DriverID: driverID,
		Vehicle:  cruiser,
		Location: domain.Location{Lat: 51.7634, Lng: -0.2231},
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.GoOnline(ctx, taxi.ID))
	return taxi
}

func (f *fixture) nextOffer(t *testing.T) dispatch.Offer {
	t.Helper()
	select {
	case o := <-f.offers:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no offer")
		return dispatch.Offer{}
	}
}

func (f *fixture) book(t *testing.T) service.BookingView {
	t.Helper()
	view, err := f.svc.RequestBooking(context.Background(), "", service.RequestBookingInput{
		PassengerID: uuid.New(),
		Pickup:      pickup,
		Dropoff:     dropoff,
		Passengers:  1,
	})
	require.NoError(t, err)
	return view
}
