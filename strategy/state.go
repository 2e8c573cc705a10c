package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// stateKeyPrefix namespaces persisted per-symbol strategy state.
const stateKeyPrefix = "strategy:state:"

// stateTTL expires abandoned state after a full day, so a runner restarted
// weeks later starts fresh rather than acting on stale stops.
const stateTTL = 24 * time.Hour

// State is the runner's full persisted state.
type State struct {
	Risk           RiskState     `json:"risk"`
	Position       PositionState `json:"position"`
	PendingReverse Direction     `json:"pending_reverse,omitempty"`
	LastResetDate  string        `json:"last_reset_date,omitempty"`
}

// StateStore persists runner state under strategy:state:<symbol>.
type StateStore struct {
	rdb    *redis.Client
	symbol string
}

// NewStateStore builds a StateStore for |symbol| over |rdb|.
func NewStateStore(rdb *redis.Client, symbol string) *StateStore {
	return &StateStore{rdb: rdb, symbol: symbol}
}

func (s *StateStore) key() string { return stateKeyPrefix + s.symbol }

// Save writes the state with the standard TTL.
func (s *StateStore) Save(ctx context.Context, state *State) error {
	var enc, err = json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding strategy state: %w", err)
	}
	if err = s.rdb.Set(ctx, s.key(), enc, stateTTL).Err(); err != nil {
		return fmt.Errorf("writing strategy state: %w", err)
	}
	return nil
}

// Load reads persisted state, or returns nil if none exists.
func (s *StateStore) Load(ctx context.Context) (*State, error) {
	var raw, err = s.rdb.Get(ctx, s.key()).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading strategy state: %w", err)
	}
	var state = new(State)
	if err = json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decoding strategy state: %w", err)
	}
	return state, nil
}

// Clear removes persisted state.
func (s *StateStore) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key()).Err()
}
