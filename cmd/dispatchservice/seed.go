package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/booking/domain"
	"github.com/example/taxidispatch/internal/booking/service"
)

var (
	cruiser       = domain.VehicleType{Name: "Cruiser", Make: "Hyundai", Model: "Matrix", FareMultiplier: 0.3}
	peopleCarrier = domain.VehicleType{Name: "People Carrier", Make: "Honda", Model: "Civic", FareMultiplier: 0.5}
	vehicleTypes  = []domain.VehicleType{cruiser, peopleCarrier}
)

// seedDemoFleet registers two online taxis around Welwyn Garden City for local testing.
func seedDemoFleet(ctx context.Context, svc *service.Service, logger *zap.Logger) ([]domain.Taxi, error) {
	fleet := []service.RegisterTaxiInput{
		{
			DriverID: uuid.New(),
			Vehicle:  domain.Vehicle{Plate: "RN12 NGE", Capacity: 5, Type: cruiser},
			Location: domain.Location{Lat: 51.763366, Lng: -0.22309},
		},
		{
			DriverID: uuid.New(),
			Vehicle:  domain.Vehicle{Plate: "RN13 NGB", Capacity: 5, Type: peopleCarrier},
			Location: domain.Location{Lat: 51.7626, Lng: -0.2241},
		},
	}
	taxis := make([]domain.Taxi, 0, len(fleet))
	for _, in := range fleet {
		taxi, err := svc.RegisterTaxi(ctx, in)
		if err != nil {
			return taxis, fmt.Errorf("register %s: %w", in.Vehicle.Plate, err)
		}
		if err := svc.GoOnline(ctx, taxi.ID); err != nil {
			return taxis, fmt.Errorf("online %s: %w", in.Vehicle.Plate, err)
		}
		logger.Info("demo taxi online",
			zap.String("taxi_id", taxi.ID.String()),
			zap.String("driver_id", taxi.DriverID.String()),
			zap.String("plate", taxi.Vehicle.Plate))
		taxis = append(taxis, taxi)
	}
	return taxis, nil
}
