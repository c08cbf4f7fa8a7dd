// Package proxy answers sandbox data requests by mutating the external
// AppRecord store. The sandbox never touches the store directly.
package proxy

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/appcanvas/runtime/internal/infrastructure/logging"
	"github.com/appcanvas/runtime/internal/sandbox/protocol"
	"github.com/appcanvas/runtime/internal/store"
)

// mutation is the body shape of POST data operations.
type mutation struct {
	Action string       `json:"action"`
	ID     string       `json:"id,omitempty"`
	Record store.Record `json:"record,omitempty"`
}

// DataProxy handles api-request messages for one app against the store.
type DataProxy struct {
	appID   string
	records store.Store
	logger  *logging.Logger
}

// New creates a proxy bound to one app.
func New(appID string, records store.Store, logger *logging.Logger) *DataProxy {
	return &DataProxy{
		appID:   appID,
		records: records,
		logger:  logger.Named("dataproxy").With(zap.String("app_id", appID)),
	}
}

// Handle answers one data request. Failures come back as unsuccessful
// responses, never as errors crossing the bridge.
func (p *DataProxy) Handle(ctx context.Context, req protocol.APIRequestPayload) protocol.APIResponsePayload {
	if req.Endpoint != "" {
		return p.fail(req, fmt.Sprintf("unknown endpoint %q", req.Endpoint))
	}

	switch req.Method {
	case "GET":
		records, err := p.records.List(ctx, p.appID)
		if err != nil {
			return p.fail(req, err.Error())
		}
		return p.ok(req, records)

	case "POST":
		var m mutation
		if err := sonic.Unmarshal(req.Body, &m); err != nil {
			return p.fail(req, "malformed mutation body")
		}
		records, err := p.apply(ctx, m)
		if err != nil {
			return p.fail(req, err.Error())
		}
		return p.ok(req, records)

	default:
		return p.fail(req, fmt.Sprintf("unsupported method %q", req.Method))
	}
}

// apply performs one mutation and returns the updated record list.
func (p *DataProxy) apply(ctx context.Context, m mutation) ([]store.Record, error) {
	records, err := p.records.List(ctx, p.appID)
	if err != nil {
		return nil, err
	}

	switch m.Action {
	case "add":
		if m.Record == nil {
			return nil, fmt.Errorf("add requires a record")
		}
		if _, ok := m.Record.ID(); !ok {
			m.Record["id"] = uuid.New().String()
		}
		records = append(records, m.Record)

	case "update":
		if m.ID == "" {
			return nil, fmt.Errorf("update requires an id")
		}
		found := false
		for _, r := range records {
			if id, ok := r.ID(); ok && id == m.ID {
				for k, v := range m.Record {
					if k != "id" {
						r[k] = v
					}
				}
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("record %q not found", m.ID)
		}

	case "delete":
		if m.ID == "" {
			return nil, fmt.Errorf("delete requires an id")
		}
		kept := records[:0]
		for _, r := range records {
			if id, ok := r.ID(); !ok || id != m.ID {
				kept = append(kept, r)
			}
		}
		records = kept

	default:
		return nil, fmt.Errorf("unknown action %q", m.Action)
	}

	if err := p.records.Replace(ctx, p.appID, records); err != nil {
		return nil, err
	}
	return records, nil
}

func (p *DataProxy) ok(req protocol.APIRequestPayload, records []store.Record) protocol.APIResponsePayload {
	if records == nil {
		records = []store.Record{}
	}
	data, err := sonic.Marshal(records)
	if err != nil {
		return p.fail(req, "encode records failed")
	}
	return protocol.APIResponsePayload{
		RequestID: req.RequestID,
		Success:   true,
		Data:      data,
	}
}

func (p *DataProxy) fail(req protocol.APIRequestPayload, reason string) protocol.APIResponsePayload {
	p.logger.Warn("request failed",
		zap.String("request_id", req.RequestID),
		zap.String("reason", reason),
	)
	return protocol.APIResponsePayload{
		RequestID: req.RequestID,
		Error:     reason,
	}
}
