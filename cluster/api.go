// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxproc/engine"
)

// PublishPath is the HTTP path clients publish messages to.
const PublishPath = "/v1/messages"

// publishRequest is the client-facing publish body.
type publishRequest struct {
	Name           string          `json:"name"`
	CorrelationKey string          `json:"correlation_key"`
	Variables      json.RawMessage `json:"variables,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	TTLMillis      int64           `json:"ttl_ms"`
}

// ClientAPI accepts client publish requests and routes them to the partition
// owning the message hash. Requests for locally hosted partitions are applied
// synchronously so the client sees the rejection, if any.
type ClientAPI struct {
	partitionCount int32
	sender         engine.Sender
	logger         *slog.Logger

	mu      sync.RWMutex
	engines map[int32]*engine.Engine
}

// NewClientAPI creates the client-facing publish handler.
func NewClientAPI(partitionCount int32, sender engine.Sender, logger *slog.Logger) *ClientAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientAPI{
		partitionCount: partitionCount,
		sender:         sender,
		logger:         logger,
		engines:        make(map[int32]*engine.Engine),
	}
}

// Register adds a locally hosted engine.
func (a *ClientAPI) Register(e *engine.Engine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.engines[e.PartitionID()] = e
}

// ServeHTTP handles a publish request.
func (a *ClientAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	cmd := &engine.PublishMessage{
		Name:           req.Name,
		CorrelationKey: req.CorrelationKey,
		Variables:      req.Variables,
		MessageID:      req.MessageID,
		TimeToLive:     time.Duration(req.TTLMillis) * time.Millisecond,
	}
	partition := engine.PartitionFor(req.CorrelationKey, a.partitionCount)

	a.mu.RLock()
	e, local := a.engines[partition]
	a.mu.RUnlock()

	if local {
		rejection, err := e.Handle(r.Context(), cmd)
		if err != nil {
			a.logger.Error("failed to publish message",
				slog.String("name", req.Name),
				slog.String("error", err.Error()))
			http.Error(w, "publish failed", http.StatusInternalServerError)
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
		return
	}

	if err := a.sender.Send(r.Context(), partition, cmd); err != nil {
		a.logger.Error("failed to forward publish",
			slog.String("name", req.Name),
			slog.Int("partition", int(partition)),
			slog.String("error", err.Error()))
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
