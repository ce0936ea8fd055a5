package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// Result statuses.
const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusUnsupported = "unsupported"
	// StatusTimeout is reported, never sent: the handler outlived the
	// acknowledgement window.
	StatusTimeout = "timeout"
)

// Call is one function call from the model.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result is what the dispatcher did with a call. Response is the payload
// acknowledged back to the model.
type Result struct {
	Response    map[string]any
	Status      string
	Duplicate   bool
	Unsupported bool
	Err         error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registry *Registry
	Logger   *slog.Logger
	// DedupWindow bounds duplicate suppression for id-less calls to Once
	// tools.
	DedupWindow time.Duration
	// MaxRemembered caps the number of call ids kept for duplicate checks.
	MaxRemembered int
	Now           func() time.Time
}

// Dispatcher resolves calls against a Registry. Redelivered calls are
// answered from the first result without re-running the handler.
type Dispatcher struct {
	registry    *Registry
	logger      *slog.Logger
	dedupWindow time.Duration
	maxIDs      int
	now         func() time.Time

	mu      sync.Mutex
	byID    map[string]*seenCall
	idOrder []string
	byHash  map[string]*seenCall
}

type seenCall struct {
	at     time.Time
	result Result
	done   bool
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 2 * time.Second
	}
	if cfg.MaxRemembered <= 0 {
		cfg.MaxRemembered = 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		registry:    cfg.Registry,
		logger:      cfg.Logger,
		dedupWindow: cfg.DedupWindow,
		maxIDs:      cfg.MaxRemembered,
		now:         cfg.Now,
		byID:        make(map[string]*seenCall),
		byHash:      make(map[string]*seenCall),
	}
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs the handler for call and returns the acknowledgement payload.
// It never fails: unknown tools, invalid arguments and handler errors all
// produce a response the model can read.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Result {
	seen, dup := d.remember(call)
	if dup {
		d.logger.Info("duplicate tool call suppressed", "tool", call.Name, "call_id", call.ID)
		res := seen.result
		if !seen.done {
			res = Result{Status: StatusOK, Response: map[string]any{"status": StatusOK, "duplicate": true}}
		}
		res.Duplicate = true
		return res
	}

	res := d.run(ctx, call)

	d.mu.Lock()
	seen.result = res
	seen.done = true
	d.mu.Unlock()
	return res
}

func (d *Dispatcher) run(ctx context.Context, call Call) Result {
	e, ok := d.registry.lookup(call.Name)
	if !ok {
		d.logger.Warn("unsupported tool call", "tool", call.Name, "call_id", call.ID)
		return Result{
			Status:      StatusUnsupported,
			Unsupported: true,
			Response: map[string]any{
				"status":  StatusUnsupported,
				"message": fmt.Sprintf("tool %q is not supported by this application", call.Name),
			},
		}
	}

	if err := validateArgs(e, call.Args); err != nil {
		d.logger.Warn("tool call rejected", "tool", call.Name, "call_id", call.ID, "error", err)
		return errorResult(err)
	}

	resp, err := e.handler(ctx, call.Args)
	if err != nil {
		d.logger.Warn("tool handler failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return errorResult(err)
	}
	if resp == nil {
		resp = map[string]any{"status": StatusOK}
	}
	return Result{Status: StatusOK, Response: resp}
}

func errorResult(err error) Result {
	return Result{
		Status:   StatusError,
		Err:      err,
		Response: map[string]any{"status": StatusError, "error": err.Error()},
	}
}

// remember records the call and reports whether it was seen before.
func (d *Dispatcher) remember(call Call) (*seenCall, bool) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if call.ID != "" {
		if s, ok := d.byID[call.ID]; ok {
			return s, true
		}
		s := &seenCall{at: now}
		d.byID[call.ID] = s
		d.idOrder = append(d.idOrder, call.ID)
		if len(d.idOrder) > d.maxIDs {
			delete(d.byID, d.idOrder[0])
			d.idOrder = d.idOrder[1:]
		}
		return s, false
	}

	for k, s := range d.byHash {
		if now.Sub(s.at) > d.dedupWindow {
			delete(d.byHash, k)
		}
	}
	// Without an id, repeats of most tools are real requests (two identical
	// drawings, the same chart again). Only Once tools fold by digest.
	if e, ok := d.registry.lookup(call.Name); !ok || !e.decl.Once {
		return &seenCall{at: now}, false
	}
	key, err := callDigest(call)
	if err != nil {
		return &seenCall{at: now}, false
	}
	if s, ok := d.byHash[key]; ok {
		return s, true
	}
	s := &seenCall{at: now}
	d.byHash[key] = s
	return s, false
}

func validateArgs(e *entry, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	result := e.schema.ValidateJSON(raw)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("invalid arguments: %v", result.Errors)
}

// callDigest is the sha256 of the RFC 8785 canonical form of name and args,
// so key order in the arguments does not matter.
func callDigest(call Call) (string, error) {
	raw, err := json.Marshal(map[string]any{"name": call.Name, "args": call.Args})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
