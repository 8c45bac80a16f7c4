// Package pool bounds concurrent client connections, rate-limits
// admissions and removes dead peers via heartbeats.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrPoolFull    = errors.New("pool: connection limit reached")
	ErrRateLimited = errors.New("pool: admission rate exceeded")
	ErrNotFound    = errors.New("pool: connection not found")
)

const (
	admissionWindow   = time.Second
	admissionRetain   = 5 * time.Minute
	rateSampleWindow  = 60 * time.Second
	shutdownCloseCode = websocket.CloseGoingAway // 1001
)

type Config struct {
	MaxConnections      int
	AdmissionsPerSecond int
	HeartbeatInterval   time.Duration
	ConnectionTimeout   time.Duration
	CleanupInterval     time.Duration
}

// Conn is one pooled client connection. A Conn exists from admission;
// the socket is attached after the upgrade succeeds.
type Conn struct {
	ID             string
	SessionID      string
	CreatedAt      time.Time
	LastActivityAt time.Time

	ws      *websocket.Conn
	isAlive bool
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	TotalConnections  int     `json:"total_connections"`
	ActiveConnections int     `json:"active_connections"`
	MaxConcurrent     int     `json:"max_concurrent"`
	ConnectionsPerSec float64 `json:"connections_per_sec"`
	AvgDurationMs     int64   `json:"avg_duration_ms"`
	FailedConnections int     `json:"failed_connections"`
}

type Pool struct {
	cfg Config

	mu         sync.Mutex
	conns      map[string]*Conn
	admissions []time.Time

	total         int
	maxConcurrent int
	failed        int
	closedCount   int64
	closedTotalMs int64
}

func New(cfg Config) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.AdmissionsPerSecond <= 0 {
		cfg.AdmissionsPerSecond = 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 60 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	return &Pool{
		cfg:   cfg,
		conns: make(map[string]*Conn),
	}
}

// Acquire reserves a slot before the websocket upgrade so the cap and
// rate limit hold atomically. The reservation must be completed with
// Bind or returned with Release.
func (p *Pool) Acquire() (string, error) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) >= p.cfg.MaxConnections {
		p.failed++
		return "", ErrPoolFull
	}
	recent := 0
	cutoff := now.Add(-admissionWindow)
	for i := len(p.admissions) - 1; i >= 0; i-- {
		if p.admissions[i].Before(cutoff) {
			break
		}
		recent++
	}
	if recent >= p.cfg.AdmissionsPerSecond {
		p.failed++
		return "", ErrRateLimited
	}

	id := uuid.NewString()
	p.admissions = append(p.admissions, now)
	p.conns[id] = &Conn{
		ID:             id,
		CreatedAt:      now,
		LastActivityAt: now,
		isAlive:        true,
	}
	p.total++
	if len(p.conns) > p.maxConcurrent {
		p.maxConcurrent = len(p.conns)
	}
	return id, nil
}

// Bind attaches the upgraded socket and session to a reserved slot.
func (p *Pool) Bind(id string, ws *websocket.Conn, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	if !ok {
		return ErrNotFound
	}
	c.ws = ws
	c.SessionID = sessionID
	c.LastActivityAt = time.Now()
	return nil
}

// BindSession updates the session owning a connection after session.start.
func (p *Pool) BindSession(id, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[id]; ok {
		c.SessionID = sessionID
	}
}

// Touch records inbound activity on a connection.
func (p *Pool) Touch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[id]; ok {
		c.LastActivityAt = time.Now()
	}
}

// Pong marks the peer alive for the current heartbeat round.
func (p *Pool) Pong(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[id]; ok {
		c.isAlive = true
		c.LastActivityAt = time.Now()
	}
}

// Release removes a connection, closing its socket if still attached.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	c, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
		p.closedCount++
		p.closedTotalMs += time.Since(c.CreatedAt).Milliseconds()
	}
	p.mu.Unlock()
	if ok && c.ws != nil {
		_ = c.ws.Close()
	}
}

// Run drives the heartbeat and cleanup loops until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	heartbeat := time.NewTicker(p.cfg.HeartbeatInterval)
	cleanup := time.NewTicker(p.cfg.CleanupInterval)
	defer heartbeat.Stop()
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			p.heartbeat()
		case <-cleanup.C:
			p.cleanupAdmissions()
		}
	}
}

// heartbeat removes peers that missed the previous ping or went idle,
// then pings the survivors.
func (p *Pool) heartbeat() {
	now := time.Now()
	p.mu.Lock()
	var dead []*Conn
	var ping []*Conn
	for id, c := range p.conns {
		if c.ws == nil {
			continue
		}
		if !c.isAlive || now.Sub(c.LastActivityAt) > p.cfg.ConnectionTimeout {
			delete(p.conns, id)
			p.closedCount++
			p.closedTotalMs += now.Sub(c.CreatedAt).Milliseconds()
			dead = append(dead, c)
			continue
		}
		c.isAlive = false
		ping = append(ping, c)
	}
	p.mu.Unlock()

	for _, c := range dead {
		_ = c.ws.Close()
	}
	deadline := time.Now().Add(5 * time.Second)
	for _, c := range ping {
		_ = c.ws.WriteControl(websocket.PingMessage, nil, deadline)
	}
}

func (p *Pool) cleanupAdmissions() {
	cutoff := time.Now().Add(-admissionRetain)
	p.mu.Lock()
	defer p.mu.Unlock()
	keep := p.admissions[:0]
	for _, ts := range p.admissions {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	p.admissions = keep
}

// Shutdown closes every socket with close code 1001 and clears the pool.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	msg := websocket.FormatCloseMessage(shutdownCloseCode, "server shutting down")
	deadline := time.Now().Add(2 * time.Second)
	for _, c := range conns {
		if c.ws == nil {
			continue
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()
	}
}

func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) Stats() Stats {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	recent := 0
	cutoff := now.Add(-rateSampleWindow)
	for i := len(p.admissions) - 1; i >= 0; i-- {
		if p.admissions[i].Before(cutoff) {
			break
		}
		recent++
	}
	var avg int64
	if p.closedCount > 0 {
		avg = p.closedTotalMs / p.closedCount
	}
	return Stats{
		TotalConnections:  p.total,
		ActiveConnections: len(p.conns),
		MaxConcurrent:     p.maxConcurrent,
		ConnectionsPerSec: float64(recent) / rateSampleWindow.Seconds(),
		AvgDurationMs:     avg,
		FailedConnections: p.failed,
	}
}
