// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxproc/engine"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// CommandsPath is the HTTP path commands are posted to.
const CommandsPath = "/v1/commands"

const nodeIDHeader = "X-Fluxproc-Node"

// ErrRateLimited is returned when the outbound rate limit rejects a send.
var ErrRateLimited = errors.New("send rate limited")

// HTTPSenderConfig holds peer transport settings.
type HTTPSenderConfig struct {
	// Peers maps partition IDs to peer base URLs.
	Peers map[int32]string
	// Timeout bounds one request.
	Timeout time.Duration
	// RateLimit caps outbound sends per second; 0 disables the limit.
	RateLimit float64
	// RateBurst is the limiter burst size.
	RateBurst int
	// FailureThreshold is the consecutive failure count that opens a peer's
	// circuit breaker.
	FailureThreshold uint32
	// ResetTimeout is how long an open circuit stays open.
	ResetTimeout time.Duration
}

func (c *HTTPSenderConfig) withDefaults() HTTPSenderConfig {
	cfg := *c
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	return cfg
}

// HTTPSender delivers commands to remote partitions over HTTP. Each peer has
// its own circuit breaker; a rejected or failed send is not retried here,
// the engine's pending trackers resend it.
type HTTPSender struct {
	cfg     HTTPSenderConfig
	nodeID  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.RWMutex
	peers    map[int32]string
	breakers map[int32]*gobreaker.CircuitBreaker
}

var _ engine.Sender = (*HTTPSender)(nil)

// NewHTTPSender creates an HTTP command sender.
func NewHTTPSender(cfg HTTPSenderConfig, logger *slog.Logger) *HTTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.withDefaults()

	var limiter *rate.Limiter
	if c.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.RateLimit), c.RateBurst)
	}

	s := &HTTPSender{
		cfg:      c,
		nodeID:   uuid.NewString(),
		client:   &http.Client{Timeout: c.Timeout},
		limiter:  limiter,
		logger:   logger,
		peers:    make(map[int32]string),
		breakers: make(map[int32]*gobreaker.CircuitBreaker),
	}
	for partition, url := range c.Peers {
		s.SetPeer(partition, url)
	}
	return s
}

// NodeID returns the sender's node identity, included in every request.
func (s *HTTPSender) NodeID() string {
	return s.nodeID
}

// SetPeer registers or replaces the base URL serving a partition.
func (s *HTTPSender) SetPeer(partition int32, baseURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[partition] = baseURL
	if _, ok := s.breakers[partition]; ok {
		return
	}
	s.breakers[partition] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("partition-%d", partition),
		MaxRequests: 1,
		Timeout:     s.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Warn("peer circuit breaker state changed",
				slog.String("peer", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// Send posts a command to the peer serving the target partition.
func (s *HTTPSender) Send(ctx context.Context, partition int32, cmd engine.Command) error {
	s.mu.RLock()
	baseURL, ok := s.peers[partition]
	breaker := s.breakers[partition]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownPartition
	}

	// Sends happen under the engine's command lock, so the limiter never
	// blocks; an exceeded limit surfaces as a failed send.
	if s.limiter != nil && !s.limiter.Allow() {
		return ErrRateLimited
	}

	env, err := EncodeCommand(partition, cmd)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, baseURL, body)
	})
	return err
}

func (s *HTTPSender) post(ctx context.Context, baseURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+CommandsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(nodeIDHeader, s.nodeID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post command: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return nil
}

// rejectionResponse is the body returned when a command is rejected. A
// rejection is a successful delivery: the HTTP status stays 200.
type rejectionResponse struct {
	Rejected bool   `json:"rejected"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Handler receives commands for the partitions hosted on this node.
type Handler struct {
	logger *slog.Logger

	mu      sync.RWMutex
	engines map[int32]*engine.Engine
}

// NewHandler creates a command receiver.
func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		engines: make(map[int32]*engine.Engine),
	}
}

// Register adds a local engine as the receiver for its partition.
func (h *Handler) Register(e *engine.Engine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engines[e.PartitionID()] = e
}

// ServeHTTP decodes a command envelope and applies it to the target engine.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}
	cmd, err := DecodeCommand(&env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	e, ok := h.engines[env.Partition]
	h.mu.RUnlock()
	if !ok {
		http.Error(w, "partition not hosted here", http.StatusNotFound)
		return
	}

	rejection, err := e.Handle(r.Context(), cmd)
	if err != nil {
		h.logger.Error("failed to apply command",
			slog.String("kind", string(env.Kind)),
			slog.Int("partition", int(env.Partition)),
			slog.String("error", err.Error()))
		http.Error(w, "command failed", http.StatusInternalServerError)
		return
	}

	resp := rejectionResponse{}
	if rejection != nil {
		resp = rejectionResponse{
			Rejected: true,
			Reason:   rejection.Reason.String(),
			Message:  rejection.Message,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
