package registry

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/taxidispatch/internal/booking/domain"
)

// earth's half circumference; GEORADIUS needs a bound.
const unboundedRadiusKM = 20037.5

// transitionScript changes a taxi's status when its current status is one of ARGV[3..].
// KEYS: taxi hash, all-taxi geo set, available geo set. ARGV: member, target status, allowed...
// Returns -1 for an unknown taxi, 0 when refused, 1 when applied.
var transitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
local ok = false
for i = 3, #ARGV do
  if status == ARGV[i] then ok = true end
end
if not ok then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
if ARGV[2] == 'AVAILABLE' then
  local pos = redis.call('GEOPOS', KEYS[2], ARGV[1])
  if pos[1] then
    redis.call('GEOADD', KEYS[3], pos[1][1], pos[1][2], ARGV[1])
  end
else
  redis.call('ZREM', KEYS[3], ARGV[1])
end
return 1
`)

// locateScript moves a taxi, keeping the available set in step with its status.
// KEYS as transitionScript. ARGV: member, lng, lat.
var locateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
redis.call('HSET', KEYS[1], 'lat', ARGV[3], 'lng', ARGV[2])
redis.call('GEOADD', KEYS[2], ARGV[2], ARGV[3], ARGV[1])
if redis.call('HGET', KEYS[1], 'status') == 'AVAILABLE' then
  redis.call('GEOADD', KEYS[3], ARGV[2], ARGV[3], ARGV[1])
end
return 1
`)

// registerScript writes a taxi unless it is currently OFFERED or BUSY.
// KEYS as transitionScript. ARGV: member, lng, lat, status, then hash field/value pairs.
// Returns 0 when refused, 1 when applied.
var registerScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if current == 'OFFERED' or current == 'BUSY' then
  return 0
end
local fields = {}
for i = 5, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', KEYS[1], unpack(fields))
redis.call('GEOADD', KEYS[2], ARGV[2], ARGV[3], ARGV[1])
if ARGV[4] == 'AVAILABLE' then
  redis.call('GEOADD', KEYS[3], ARGV[2], ARGV[3], ARGV[1])
else
  redis.call('ZREM', KEYS[3], ARGV[1])
end
return 1
`)

// RedisRegistry stores taxis as hashes and indexes positions in GEO sets, so several
// dispatcher instances can share one fleet.
type RedisRegistry struct {
	client   redis.UniversalClient
	prefix   string
	radiusKM float64
}

// NewRedisRegistry builds a registry under keyPrefix. radiusKM <= 0 searches the whole globe.
func NewRedisRegistry(client redis.UniversalClient, keyPrefix string, radiusKM float64) *RedisRegistry {
	if keyPrefix == "" {
		keyPrefix = "dispatch"
	}
	if radiusKM <= 0 {
		radiusKM = unboundedRadiusKM
	}
	return &RedisRegistry{client: client, prefix: keyPrefix, radiusKM: radiusKM}
}

func (r *RedisRegistry) taxiKey(id string) string { return r.prefix + ":taxi:" + id }
func (r *RedisRegistry) geoKey() string           { return r.prefix + ":taxis:geo" }
func (r *RedisRegistry) availableKey() string     { return r.prefix + ":taxis:available" }

func (r *RedisRegistry) keys(id uuid.UUID) []string {
	return []string{r.taxiKey(id.String()), r.geoKey(), r.availableKey()}
}

// Register implements Registry.
func (r *RedisRegistry) Register(ctx context.Context, taxi domain.Taxi) error {
	if taxi.Status == "" {
		taxi.Status = domain.TaxiOffline
	}
	if !taxi.Status.Valid() {
		return fmt.Errorf("register taxi %s: unknown status %q", taxi.ID, taxi.Status)
	}
	fields := encodeTaxi(taxi)
	args := make([]interface{}, 0, 4+2*len(fields))
	args = append(args, taxi.ID.String(), formatFloat(taxi.Location.Lng), formatFloat(taxi.Location.Lat), string(taxi.Status))
	for k, v := range fields {
		args = append(args, k, v)
	}
	res, err := registerScript.Run(ctx, r.client, r.keys(taxi.ID), args...).Int()
	if err != nil {
		return fmt.Errorf("register taxi %s: %w", taxi.ID, err)
	}
	if res == 0 {
		return fmt.Errorf("register taxi %s: %w", taxi.ID, ErrStatusConflict)
	}
	return nil
}

// Taxi implements Registry.
func (r *RedisRegistry) Taxi(ctx context.Context, id uuid.UUID) (domain.Taxi, error) {
	fields, err := r.client.HGetAll(ctx, r.taxiKey(id.String())).Result()
	if err != nil {
		return domain.Taxi{}, fmt.Errorf("load taxi %s: %w", id, err)
	}
	if len(fields) == 0 {
		return domain.Taxi{}, fmt.Errorf("%w: %s", ErrTaxiNotFound, id)
	}
	return decodeTaxi(id, fields)
}

// FindCandidates implements Registry.
func (r *RedisRegistry) FindCandidates(ctx context.Context, pickup domain.Location, maxResults int) ([]domain.Taxi, error) {
	if maxResults <= 0 {
		return nil, nil
	}
	found, err := r.client.GeoRadius(ctx, r.availableKey(), pickup.Lng, pickup.Lat, &redis.GeoRadiusQuery{
		Radius:   r.radiusKM,
		Unit:     "km",
		WithDist: true,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(found))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, loc := range found {
			cmds[i] = p.HGetAll(ctx, r.taxiKey(loc.Name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}

	cands := make([]candidate, 0, len(found))
	for i, loc := range found {
		id, err := uuid.Parse(loc.Name)
		if err != nil {
			continue
		}
		taxi, err := decodeTaxi(id, cmds[i].Val())
		if err != nil || taxi.Status != domain.TaxiAvailable {
			continue
		}
		// Redis rounds distances; recompute so ordering matches the memory registry.
		cands = append(cands, candidate{taxi: taxi, dist: distance(pickup, taxi.Location)})
	}
	return rank(cands, maxResults), nil
}

// TryReserve implements Registry.
func (r *RedisRegistry) TryReserve(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.run(ctx, id, domain.TaxiOffered, reserveFrom)
	if err != nil {
		return false, fmt.Errorf("reserve taxi %s: %w", id, err)
	}
	ok := res == 1
	countReservation(ok)
	return ok, nil
}

// Release implements Registry.
func (r *RedisRegistry) Release(ctx context.Context, id uuid.UUID, status domain.TaxiStatus) error {
	from, err := releaseRule(status)
	if err != nil {
		return err
	}
	if err := r.transition(ctx, id, status, from); err != nil {
		return err
	}
	releases.WithLabelValues(string(status)).Inc()
	return nil
}

// SetOnline implements Registry.
func (r *RedisRegistry) SetOnline(ctx context.Context, id uuid.UUID, online bool) error {
	return r.transition(ctx, id, shiftTarget(online), shiftFrom)
}

// UpdateLocation implements Registry.
func (r *RedisRegistry) UpdateLocation(ctx context.Context, id uuid.UUID, loc domain.Location) error {
	res, err := locateScript.Run(ctx, r.client, r.keys(id), id.String(), formatFloat(loc.Lng), formatFloat(loc.Lat)).Int()
	if err != nil {
		return fmt.Errorf("locate taxi %s: %w", id, err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %s", ErrTaxiNotFound, id)
	}
	return nil
}

func (r *RedisRegistry) transition(ctx context.Context, id uuid.UUID, to domain.TaxiStatus, from []domain.TaxiStatus) error {
	res, err := r.run(ctx, id, to, from)
	if err != nil {
		return fmt.Errorf("taxi %s -> %s: %w", id, to, err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %s", ErrTaxiNotFound, id)
	case 0:
		return fmt.Errorf("taxi %s -> %s: %w", id, to, ErrStatusConflict)
	}
	return nil
}

func (r *RedisRegistry) run(ctx context.Context, id uuid.UUID, to domain.TaxiStatus, from []domain.TaxiStatus) (int, error) {
	args := make([]interface{}, 0, len(from)+2)
	args = append(args, id.String(), string(to))
	for _, s := range from {
		args = append(args, string(s))
	}
	return transitionScript.Run(ctx, r.client, r.keys(id), args...).Int()
}

func encodeTaxi(t domain.Taxi) map[string]interface{} {
	return map[string]interface{}{
		"status":          string(t.Status),
		"driver_id":       t.DriverID.String(),
		"lat":             formatFloat(t.Location.Lat),
		"lng":             formatFloat(t.Location.Lng),
		"plate":           t.Vehicle.Plate,
		"capacity":        strconv.Itoa(t.Vehicle.Capacity),
		"type_name":       t.Vehicle.Type.Name,
		"type_make":       t.Vehicle.Type.Make,
		"type_model":      t.Vehicle.Type.Model,
		"fare_multiplier": formatFloat(t.Vehicle.Type.FareMultiplier),
	}
}

func decodeTaxi(id uuid.UUID, f map[string]string) (domain.Taxi, error) {
	if len(f) == 0 {
		return domain.Taxi{}, fmt.Errorf("%w: %s", ErrTaxiNotFound, id)
	}
	driver, err := uuid.Parse(f["driver_id"])
	if err != nil {
		return domain.Taxi{}, fmt.Errorf("decode taxi %s driver: %w", id, err)
	}
	lat, err := strconv.ParseFloat(f["lat"], 64)
	if err != nil {
		return domain.Taxi{}, fmt.Errorf("decode taxi %s lat: %w", id, err)
	}
	lng, err := strconv.ParseFloat(f["lng"], 64)
	if err != nil {
		return domain.Taxi{}, fmt.Errorf("decode taxi %s lng: %w", id, err)
	}
	capacity, _ := strconv.Atoi(f["capacity"])
	multiplier, _ := strconv.ParseFloat(f["fare_multiplier"], 64)
	return domain.Taxi{
		ID:       id,
		DriverID: driver,
		Status:   domain.TaxiStatus(f["status"]),
		Location: domain.Location{Lat: lat, Lng: lng},
		Vehicle: domain.Vehicle{
			Plate:    f["plate"],
			Capacity: capacity,
			Type: domain.VehicleType{
				Name:           f["type_name"],
				Make:           f["type_make"],
				Model:          f["type_model"],
				FareMultiplier: multiplier,
			},
		},
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
