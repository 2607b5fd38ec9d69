package main

import (
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types for analytics tracking
const (
	EvtServerStart = "server_start"
	EvtPlayerJoin  = "player_join"
	EvtPlayerLeave = "player_leave"
	EvtJoinRefused = "join_refused"
	EvtExpansion   = "expansion"
)

const (
	analyticsBufSize   = 1024
	analyticsBatchSize = 50
	analyticsFlushTick = 5 * time.Second
)

// AnalyticsEvent represents a single trackable event
type AnalyticsEvent struct {
	Type      string
	PlayerID  PlayerID
	HasPlayer bool
	Data      string // JSON metadata (optional)
	Timestamp time.Time
}

func playerEvent(evtType string, id PlayerID, data string) AnalyticsEvent {
	return AnalyticsEvent{Type: evtType, PlayerID: id, HasPlayer: true, Data: data}
}

func serverEvent(evtType string, data string) AnalyticsEvent {
	return AnalyticsEvent{Type: evtType, Data: data}
}

// Tracker receives analytics events. Track must not block.
type Tracker interface {
	Track(evt AnalyticsEvent)
}

type nopTracker struct{}

func (nopTracker) Track(AnalyticsEvent) {}

// Analytics handles event tracking with batched background writes
type Analytics struct {
	db     *DB
	runID  string
	logger *zap.Logger
	events chan AnalyticsEvent
	stop   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	dropped int
}

// NewAnalytics creates and starts the analytics background writer. runID
// tags every event written by this process.
func NewAnalytics(db *DB, runID string, logger *zap.Logger) *Analytics {
	a := &Analytics{
		db:     db,
		runID:  runID,
		logger: logger,
		events: make(chan AnalyticsEvent, analyticsBufSize),
		stop:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.writer()
	return a
}

// Track enqueues an event for async persistence (non-blocking)
func (a *Analytics) Track(evt AnalyticsEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case a.events <- evt:
	default:
		// buffer full, drop
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
	}
}

// Dropped returns how many events were discarded because the buffer was full
func (a *Analytics) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Stop flushes pending events and shuts down the writer
func (a *Analytics) Stop() {
	close(a.stop)
	a.wg.Wait()
}

func (a *Analytics) writer() {
	defer a.wg.Done()

	batch := make([]AnalyticsEvent, 0, 64)
	ticker := time.NewTicker(analyticsFlushTick)
	defer ticker.Stop()

	for {
		select {
		case evt := <-a.events:
			batch = append(batch, evt)
			if len(batch) >= analyticsBatchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-a.stop:
		drain:
			for {
				select {
				case evt := <-a.events:
					batch = append(batch, evt)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				a.flush(batch)
			}
			return
		}
	}
}

func (a *Analytics) flush(events []AnalyticsEvent) {
	if a.db == nil || len(events) == 0 {
		return
	}
	tx, err := a.db.conn.Begin()
	if err != nil {
		a.logger.Error("analytics: begin tx", zap.Error(err))
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO analytics_events (event_type, run_id, player_id, data, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		a.logger.Error("analytics: prepare", zap.Error(err))
		return
	}
	defer stmt.Close()

	for _, evt := range events {
		pid := sql.NullInt64{Int64: int64(evt.PlayerID), Valid: evt.HasPlayer}
		data := sql.NullString{String: evt.Data, Valid: evt.Data != ""}
		if _, err := stmt.Exec(evt.Type, a.runID, pid, data, evt.Timestamp.Format(time.RFC3339)); err != nil {
			a.logger.Error("analytics: insert", zap.String("type", evt.Type), zap.Error(err))
		}
	}
	if err := tx.Commit(); err != nil {
		a.logger.Error("analytics: commit", zap.Error(err))
	}
}

// --- Query methods for the stats endpoint ---

// EventCounts returns counts of each event type for the last N days
func (a *Analytics) EventCounts(days int) (map[string]int, error) {
	if a.db == nil {
		return nil, nil
	}
	rows, err := a.db.conn.Query(`
		SELECT event_type, COUNT(*) FROM analytics_events
		WHERE created_at >= strftime('%Y-%m-%dT%H:%M:%SZ', 'now', '-' || ? || ' days')
		GROUP BY event_type ORDER BY COUNT(*) DESC
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var evtType string
		var count int
		if err := rows.Scan(&evtType, &count); err != nil {
			return nil, err
		}
		result[evtType] = count
	}
	return result, rows.Err()
}

// RunSummary holds aggregated numbers for one server process
type RunSummary struct {
	RunID      string `json:"run_id"`
	Joins      int    `json:"joins"`
	Leaves     int    `json:"leaves"`
	Refused    int    `json:"refused"`
	Explosions int    `json:"explosions"`
}

// CurrentRun summarises events recorded by this process
func (a *Analytics) CurrentRun() (RunSummary, error) {
	s := RunSummary{RunID: a.runID}
	if a.db == nil {
		return s, nil
	}
	err := a.db.conn.QueryRow(`
		SELECT
			COALESCE(SUM(event_type = ?), 0),
			COALESCE(SUM(event_type = ?), 0),
			COALESCE(SUM(event_type = ?), 0),
			COALESCE(SUM(CASE WHEN event_type = ? AND json_valid(data)
				THEN json_extract(data, '$.explosions') ELSE 0 END), 0)
		FROM analytics_events WHERE run_id = ?
	`, EvtPlayerJoin, EvtPlayerLeave, EvtJoinRefused, EvtExpansion, a.runID).
		Scan(&s.Joins, &s.Leaves, &s.Refused, &s.Explosions)
	return s, err
}
