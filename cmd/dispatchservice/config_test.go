package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/booking/dispatch"
	"github.com/example/taxidispatch/internal/booking/domain"
	"github.com/example/taxidispatch/internal/booking/registry"
	"github.com/example/taxidispatch/internal/booking/repository"
	"github.com/example/taxidispatch/internal/booking/service"
	"github.com/example/taxidispatch/internal/georoute"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	cfg := loadConfig()
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 5, cfg.Candidates)
	require.Equal(t, 15*time.Second, cfg.OfferTimeout)
	require.Equal(t, "estimate", cfg.RouteProvider)
	require.False(t, cfg.SeedDemoFleet)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DISPATCH_OFFER_TIMEOUT", "20")
	t.Setenv("DISPATCH_ROUTE_TIMEOUT", "750ms")
	t.Setenv("DATABASE_URL", "postgres://localhost/dispatch")
	t.Setenv("ROUTE_PROVIDER", "OSRM")
	t.Setenv("DISPATCH_CANDIDATES", "not-a-number")
	cfg := loadConfig()
	require.Equal(t, 20*time.Second, cfg.OfferTimeout)
	require.Equal(t, 750*time.Millisecond, cfg.RouteTimeout)
	require.Equal(t, "postgres://localhost/dispatch", cfg.PostgresDSN)
	require.Equal(t, "osrm", cfg.RouteProvider)
	require.Equal(t, 5, cfg.Candidates)
}

func TestLoadConfigReadsDotEnvLocally(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SEED_DEMO_FLEET=true\nHTTP_ADDR=:9999\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("APP_ENV", "local")
	t.Setenv("HTTP_ADDR", ":7000")
	t.Setenv("SEED_DEMO_FLEET", "unset")
	require.NoError(t, os.Unsetenv("SEED_DEMO_FLEET"))
	cfg := loadConfig()
	require.Equal(t, ":7000", cfg.HTTPAddr)
	require.True(t, cfg.SeedDemoFleet)
}

func TestSeedDemoFleet(t *testing.T) {
	reg := registry.NewMemoryRegistry(0)
	store := repository.NewMemoryStore()
	routes := georoute.NewEstimateProvider(30, georoute.DefaultTariff)
	engine := dispatch.New(dispatch.Deps{Registry: reg, Routes: routes, Store: store}, dispatch.Config{})
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })
	svc := service.New(service.Deps{Store: store, Dispatcher: engine, Registry: reg, Routes: routes})

	taxis, err := seedDemoFleet(context.Background(), svc, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, taxis, 2)

	candidates, err := reg.FindCandidates(context.Background(), domain.Location{Lat: 51.763366, Lng: -0.22309}, 5)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, "RN12 NGE", candidates[0].Vehicle.Plate)
	require.Equal(t, 0.3, candidates[0].Vehicle.Type.FareMultiplier)
}
