// Package subdomain owns the mapping from subdomain name to application and
// the slot lifecycle free -> reserved -> active -> cooling_down -> free.
// Deadlines are absolute and evaluated lazily on access; key TTLs only keep
// the store tidy.
package subdomain

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/backtrue/mitenow-sub001/internal/model"
)

// reserveScript: ARGV now, app_id, owner_id, deadline, ttl_ms.
// An expired reservation or elapsed cooldown counts as free. A repeat
// reservation by the holding application refreshes its deadline.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local slot = redis.call('HMGET', KEYS[1], 'state', 'app_id', 'deadline')
local state, app, deadline = slot[1], slot[2], tonumber(slot[3] or '0')
if state then
  if state == 'active' then
    return 'taken'
  end
  if deadline > now then
    if state == 'cooling_down' then
      return 'cooling_down'
    end
    if app ~= ARGV[2] then
      return 'taken'
    end
  end
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'state', 'reserved', 'app_id', ARGV[2], 'owner_id', ARGV[3], 'deadline', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 'ok'
`)

// activateScript: ARGV now, app_id, build_id.
var activateScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local slot = redis.call('HMGET', KEYS[1], 'state', 'app_id', 'deadline')
if slot[1] ~= 'reserved' or slot[2] ~= ARGV[2] then
  return 'not_reserved'
end
if tonumber(slot[3] or '0') <= now then
  redis.call('DEL', KEYS[1])
  return 'expired'
end
redis.call('HSET', KEYS[1], 'state', 'active', 'build_id', ARGV[3], 'deadline', '0')
redis.call('PERSIST', KEYS[1])
return 'ok'
`)

// releaseScript: ARGV now, requester, cooldown deadline, cooldown ms.
// Returns {result, app_id}.
var releaseScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local slot = redis.call('HMGET', KEYS[1], 'state', 'app_id', 'owner_id', 'deadline')
local state, app, owner, deadline = slot[1], slot[2], slot[3], tonumber(slot[4] or '0')
if not state or state == 'cooling_down' then
  return {'not_found', ''}
end
if state == 'reserved' and deadline <= now then
  return {'not_found', ''}
end
if not owner or owner == '' or owner ~= ARGV[2] then
  return {'forbidden', ''}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'state', 'cooling_down', 'owner_id', owner, 'deadline', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {'ok', app}
`)

// unbindScript frees a slot still bound to ARGV[1] without a cooldown.
var unbindScript = redis.NewScript(`
local slot = redis.call('HMGET', KEYS[1], 'state', 'app_id')
if (slot[1] == 'reserved' or slot[1] == 'active') and slot[2] == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type Registry struct {
	client         redis.Cmdable
	reservationTTL time.Duration
	cooldown       time.Duration
	now            func() time.Time
}

func NewRegistry(client redis.Cmdable, reservationTTL, cooldown time.Duration, opts ...Option) *Registry {
	r := &Registry{
		client:         client,
		reservationTTL: reservationTTL,
		cooldown:       cooldown,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func slotKey(name string) string {
	return "slot:" + name
}

// CheckAvailability answers whether name could be reserved right now.
func (r *Registry) CheckAvailability(ctx context.Context, name string) (model.Availability, error) {
	if !ValidSyntax(name) {
		return model.Availability{Reason: model.ReasonInvalid}, nil
	}
	if IsReservedWord(name) {
		return model.Availability{Reason: model.ReasonReserved}, nil
	}

	slot, err := r.Get(ctx, name)
	if err != nil {
		return model.Availability{}, err
	}
	switch slot.State {
	case model.SlotActive, model.SlotReserved:
		return model.Availability{Reason: model.ReasonTaken}, nil
	case model.SlotCoolingDown:
		return model.Availability{Reason: model.ReasonCoolingDown}, nil
	}
	return model.Availability{Available: true}, nil
}

// Get returns the effective slot for name. Lapsed reservations and elapsed
// cooldowns read as free.
func (r *Registry) Get(ctx context.Context, name string) (*model.Slot, error) {
	vals, err := r.client.HGetAll(ctx, slotKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("get slot %s: %w", name, err)
	}

	slot := &model.Slot{Name: name, State: model.SlotFree}
	state, ok := vals["state"]
	if !ok {
		return slot, nil
	}

	deadline, _ := strconv.ParseInt(vals["deadline"], 10, 64)
	if state != model.SlotActive && deadline <= r.now().UnixMilli() {
		return slot, nil
	}

	slot.State = state
	slot.AppID = vals["app_id"]
	slot.OwnerID = vals["owner_id"]
	slot.BuildID = vals["build_id"]
	if deadline > 0 {
		slot.Deadline = time.UnixMilli(deadline).UTC()
	}
	return slot, nil
}

// Reserve binds a free slot to appID until the reservation deadline. Of two
// concurrent reservations for one name exactly one wins; the other gets a
// name_taken conflict.
func (r *Registry) Reserve(ctx context.Context, name, appID, ownerID string) (*model.Slot, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	now := r.now()
	deadline := now.Add(r.reservationTTL)
	res, err := reserveScript.Run(ctx, r.client, []string{slotKey(name)},
		now.UnixMilli(), appID, ownerID, deadline.UnixMilli(), r.reservationTTL.Milliseconds()).Text()
	if err != nil {
		return nil, fmt.Errorf("reserve slot %s: %w", name, err)
	}

	switch res {
	case "ok":
		return &model.Slot{
			Name:     name,
			State:    model.SlotReserved,
			AppID:    appID,
			OwnerID:  ownerID,
			Deadline: time.UnixMilli(deadline.UnixMilli()).UTC(),
		}, nil
	case "cooling_down":
		return nil, model.ConflictError(model.CodeNameTaken, "subdomain was recently released and is cooling down")
	default:
		return nil, model.ConflictError(model.CodeNameTaken, "subdomain is already taken")
	}
}

// Activate moves a slot reserved by appID to active. A lapsed reservation is
// freed and reported as lost.
func (r *Registry) Activate(ctx context.Context, name, appID, buildID string) error {
	res, err := activateScript.Run(ctx, r.client, []string{slotKey(name)},
		r.now().UnixMilli(), appID, buildID).Text()
	if err != nil {
		return fmt.Errorf("activate slot %s: %w", name, err)
	}

	switch res {
	case "ok":
		return nil
	case "expired":
		return model.ConflictError(model.CodeReservationLost, "subdomain reservation expired")
	default:
		return model.ConflictError(model.CodeReservationLost, "subdomain is not reserved by this application")
	}
}

// Release moves an active or reserved slot into cooldown. Only the recorded
// owner may release; any other requester leaves the slot untouched. It
// returns the id of the application that was bound to the slot.
func (r *Registry) Release(ctx context.Context, name, requesterID string) (string, error) {
	if requesterID == "" {
		return "", model.ForbiddenError("only the owner may release a subdomain")
	}

	now := r.now()
	deadline := now.Add(r.cooldown)
	res, err := releaseScript.Run(ctx, r.client, []string{slotKey(name)},
		now.UnixMilli(), requesterID, deadline.UnixMilli(), r.cooldown.Milliseconds()).StringSlice()
	if err != nil {
		return "", fmt.Errorf("release slot %s: %w", name, err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("release slot %s: unexpected reply %v", name, res)
	}

	switch res[0] {
	case "ok":
		return res[1], nil
	case "forbidden":
		return "", model.ForbiddenError("only the owner may release a subdomain")
	default:
		return "", model.NotFoundError("subdomain is not in use")
	}
}

// Unbind frees a slot still bound to appID, skipping the cooldown. It undoes
// a reservation or activation whose deployment did not go ahead.
func (r *Registry) Unbind(ctx context.Context, name, appID string) (bool, error) {
	n, err := unbindScript.Run(ctx, r.client, []string{slotKey(name)}, appID).Int()
	if err != nil {
		return false, fmt.Errorf("unbind slot %s: %w", name, err)
	}
	return n == 1, nil
}
