package transport

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Envelope is the stable shape passed to a Snapshotter before and after
// dispatch (§4.5's snapshot hook).
type Envelope struct {
	Phase           string            `json:"phase"` // "before" | "after"
	RequestID       string            `json:"requestId"`
	Data            json.RawMessage   `json:"data,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	URL             string            `json:"url"`
	EntryEndpoint   string            `json:"entryEndpoint"`
	ClientRequestID string            `json:"clientRequestId,omitempty"`
	ProviderKey     string            `json:"providerKey,omitempty"`
	ProviderID      string            `json:"providerId,omitempty"`
}

// Snapshotter is a best-effort, non-blocking observer invoked before and
// after dispatch. Failures to write must never affect the request; callers
// invoke it and discard any error.
type Snapshotter interface {
	Snapshot(ctx context.Context, envelope Envelope) error
}

// NoopSnapshotter discards every envelope; it is the default when no
// snapshot sink is configured.
type NoopSnapshotter struct{}

func (NoopSnapshotter) Snapshot(ctx context.Context, envelope Envelope) error { return nil }

// FileSnapshotter appends one JSON line per envelope to a file, giving the
// notional "snapshot writer" hook named in spec.md a concrete, testable
// implementation.
type FileSnapshotter struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileSnapshotter returns a Snapshotter that appends newline-delimited
// JSON envelopes to path.
func NewFileSnapshotter(path string, logger *zap.Logger) *FileSnapshotter {
	return &FileSnapshotter{path: path, logger: logger}
}

func (s *FileSnapshotter) Snapshot(ctx context.Context, envelope Envelope) error {
	line, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

// snapshotBestEffort invokes the snapshotter and swallows any error,
// logging it at debug level so a misconfigured sink never surfaces to a
// client (§4.5: "failures to write are swallowed").
func snapshotBestEffort(ctx context.Context, s Snapshotter, logger *zap.Logger, envelope Envelope) {
	if s == nil {
		return
	}
	if err := s.Snapshot(ctx, envelope); err != nil && logger != nil {
		logger.Debug("snapshot write failed", zap.Error(err), zap.String("phase", envelope.Phase))
	}
}
