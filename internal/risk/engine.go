// Package risk enforces the daily guardrails around card emission: the
// kill switch, the realized-loss ceiling, the per-day card budget, and the
// per-symbol cooldown. State lives in a small JSON file so restarts keep
// the day's counters.
package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Decision is the outcome of one risk evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// Config wires the guardrail limits and the state file location. PnLCSVPath
// is optional; when the file exists it overrides the state file's realized
// loss for the day.
type Config struct {
	StatePath               string
	MaxDailyLossUSDT        float64
	MaxCardsPerDay          int
	CooldownAfterTriggerMin int
	KillSwitch              bool
	PnLCSVPath              string
}

type dayState struct {
	CardsCount       int     `json:"cards_count"`
	RealizedLossUSDT float64 `json:"realized_loss_usdt"`
}

type riskState struct {
	Days                map[string]*dayState `json:"days"`
	LastTriggerBySymbol map[string]string    `json:"last_trigger_by_symbol"`
}

// Engine evaluates and records triggers against the persisted state. The
// state file is re-read on every call so an operator can edit it while the
// service runs.
type Engine struct {
	cfg Config
	now func() time.Time
}

// NewEngine creates the state directory and seeds an empty state file on
// first run.
func NewEngine(cfg Config) (*Engine, error) {
	e := &Engine{cfg: cfg, now: time.Now}
	if dir := filepath.Dir(cfg.StatePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating risk state dir: %w", err)
		}
	}
	if _, err := os.Stat(cfg.StatePath); errors.Is(err, fs.ErrNotExist) {
		if err := e.saveState(newState()); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("error checking risk state file: %w", err)
	}
	return e, nil
}

func newState() *riskState {
	return &riskState{
		Days:                map[string]*dayState{},
		LastTriggerBySymbol: map[string]string{},
	}
}

// Evaluate decides whether a card for the symbol may be emitted right now.
// Checks run in fixed order: kill switch, daily loss, card budget, symbol
// cooldown.
func (e *Engine) Evaluate(symbol string) (Decision, error) {
	now := e.now().UTC()
	if e.cfg.KillSwitch {
		return Decision{Allowed: false, Reason: "kill_switch_enabled"}, nil
	}

	state, err := e.loadState()
	if err != nil {
		return Decision{}, err
	}

	dateKey := now.Format("2006-01-02")
	day := state.Days[dateKey]
	if day == nil {
		day = &dayState{}
	}

	realizedLoss, err := e.resolveRealizedLoss(dateKey, day)
	if err != nil {
		return Decision{}, err
	}
	if realizedLoss >= e.cfg.MaxDailyLossUSDT {
		return Decision{Allowed: false, Reason: "max_daily_loss_exceeded"}, nil
	}

	if day.CardsCount >= e.cfg.MaxCardsPerDay {
		return Decision{Allowed: false, Reason: "max_cards_per_day_exceeded"}, nil
	}

	last, err := lastTriggerFromState(state, symbol)
	if err != nil {
		return Decision{}, err
	}
	if last != nil {
		cooldownUntil := last.Add(time.Duration(e.cfg.CooldownAfterTriggerMin) * time.Minute)
		if now.Before(cooldownUntil) {
			return Decision{Allowed: false, Reason: "symbol_cooldown_active"}, nil
		}
	}

	return Decision{Allowed: true, Reason: "ok"}, nil
}

// RecordTrigger bumps today's card count and stamps the symbol's last
// trigger time.
func (e *Engine) RecordTrigger(symbol string) error {
	now := e.now().UTC()
	state, err := e.loadState()
	if err != nil {
		return err
	}

	dateKey := now.Format("2006-01-02")
	day := state.Days[dateKey]
	if day == nil {
		day = &dayState{}
		state.Days[dateKey] = day
	}
	day.CardsCount++
	state.LastTriggerBySymbol[symbol] = now.Format(time.RFC3339Nano)
	return e.saveState(state)
}

// LastTriggerTime reports when a card for the symbol was last recorded, or
// nil if never.
func (e *Engine) LastTriggerTime(symbol string) (*time.Time, error) {
	state, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return lastTriggerFromState(state, symbol)
}

func lastTriggerFromState(state *riskState, symbol string) (*time.Time, error) {
	raw := state.LastTriggerBySymbol[symbol]
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("error parsing last trigger time for %s: %w", symbol, err)
	}
	ts = ts.UTC()
	return &ts, nil
}

// Summary is a read-only view of today's counters for health surfaces.
type Summary struct {
	Date                string            `json:"date"`
	CardsCount          int               `json:"cards_count"`
	RealizedLossUSDT    float64           `json:"realized_loss_usdt"`
	KillSwitch          bool              `json:"kill_switch"`
	LastTriggerBySymbol map[string]string `json:"last_trigger_by_symbol"`
}

// TodaySummary reports today's counters and the per-symbol trigger times.
func (e *Engine) TodaySummary() (Summary, error) {
	now := e.now().UTC()
	state, err := e.loadState()
	if err != nil {
		return Summary{}, err
	}
	dateKey := now.Format("2006-01-02")
	day := state.Days[dateKey]
	if day == nil {
		day = &dayState{}
	}
	realizedLoss, err := e.resolveRealizedLoss(dateKey, day)
	if err != nil {
		return Summary{}, err
	}
	triggers := make(map[string]string, len(state.LastTriggerBySymbol))
	for symbol, ts := range state.LastTriggerBySymbol {
		triggers[symbol] = ts
	}
	return Summary{
		Date:                dateKey,
		CardsCount:          day.CardsCount,
		RealizedLossUSDT:    realizedLoss,
		KillSwitch:          e.cfg.KillSwitch,
		LastTriggerBySymbol: triggers,
	}, nil
}

// resolveRealizedLoss sums the absolute value of today's negative rows in
// the PnL CSV when it is configured and present, else falls back to the
// state file's figure.
func (e *Engine) resolveRealizedLoss(dateKey string, day *dayState) (float64, error) {
	if e.cfg.PnLCSVPath == "" {
		return day.RealizedLossUSDT, nil
	}
	data, err := os.ReadFile(e.cfg.PnLCSVPath)
	if errors.Is(err, fs.ErrNotExist) {
		return day.RealizedLossUSDT, nil
	}
	if err != nil {
		return 0, fmt.Errorf("error reading pnl csv: %w", err)
	}

	realizedLoss := 0.0
	for _, line := range strings.Split(string(data), "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "date") {
			continue
		}
		dateValue, pnlValue, found := strings.Cut(stripped, ",")
		if !found {
			return 0, fmt.Errorf("malformed pnl csv line: %q", stripped)
		}
		if strings.TrimSpace(dateValue) != dateKey {
			continue
		}
		pnl, err := strconv.ParseFloat(strings.TrimSpace(pnlValue), 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing pnl csv line %q: %w", stripped, err)
		}
		if pnl < 0 {
			realizedLoss += -pnl
		}
	}
	return realizedLoss, nil
}

func (e *Engine) loadState() (*riskState, error) {
	data, err := os.ReadFile(e.cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("error reading risk state: %w", err)
	}
	var state riskState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("error decoding risk state: %w", err)
	}
	if state.Days == nil {
		state.Days = map[string]*dayState{}
	}
	if state.LastTriggerBySymbol == nil {
		state.LastTriggerBySymbol = map[string]string{}
	}
	return &state, nil
}

// saveState writes to a temp file and renames it over the state path so a
// crash mid-write never leaves a truncated file.
func (e *Engine) saveState(state *riskState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding risk state: %w", err)
	}
	dir := filepath.Dir(e.cfg.StatePath)
	tmp, err := os.CreateTemp(dir, ".risk_state_*")
	if err != nil {
		return fmt.Errorf("error creating risk state temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("error writing risk state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error closing risk state temp file: %w", err)
	}
	if err := os.Rename(tmpName, e.cfg.StatePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error replacing risk state file: %w", err)
	}
	return nil
}
