// Package command implements the command router: it turns a tool invocation
// into a signed device.command frame addressed to a device, correlates the
// device's eventual events reply back to the caller through a single-slot
// mailbox, and resolves apperr codes for every failure path (unknown device,
// offline device, send failure, timeout).
//
// The mailbox is the same single-slot future used by
// runtime/agent/engine/inmem to rendezvous a workflow signal with its
// waiting Get call: a mutex-guarded result slot plus a close-once ready
// channel, registered under a request id and resolved exactly once.
package command

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fieldmesh/reflexbridge/internal/apperr"
	"github.com/fieldmesh/reflexbridge/internal/obs"
	"github.com/fieldmesh/reflexbridge/internal/registry"
	"github.com/fieldmesh/reflexbridge/internal/sign"
	"github.com/fieldmesh/reflexbridge/internal/telemetry"
	"github.com/fieldmesh/reflexbridge/internal/transport"
)

const DefaultTimeout = 5 * time.Second

// NormalizeArgs accepts the three shapes a tool call's arguments may arrive
// in and flattens them to a plain object:
//   - a JSON object is passed through unchanged;
//   - a delimited string ("k1=v1,k2=v2", also accepting "&" or ":") is split
//     into a flat object of string values;
//   - an object with the single key "kwargs" is unwrapped to its value.
func NormalizeArgs(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		if len(v) == 1 {
			if kwargs, ok := v["kwargs"]; ok {
				if inner, ok := kwargs.(map[string]any); ok {
					return inner
				}
			}
		}
		return v
	case string:
		return parseDelimitedArgs(v)
	default:
		return map[string]any{}
	}
}

func parseDelimitedArgs(s string) map[string]any {
	out := map[string]any{}
	sep := ","
	switch {
	case strings.Contains(s, ","):
		sep = ","
	case strings.Contains(s, "&"):
		sep = "&"
	case strings.Contains(s, ":"):
		sep = ":"
	}
	for _, pair := range strings.Split(s, sep) {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// Asset is one asset reference carried by a device's events reply, per the
// {kind, mime, url} wire shape.
type Asset struct {
	Kind string `json:"kind"`
	Mime string `json:"mime"`
	URL  string `json:"url"`
}

// Result is the outcome of a command round-trip, decoded from the device's
// events frame: either {request_id, result:{text?, assets?}} or
// {request_id, error:{code, message}}.
type Result struct {
	OK        bool          `json:"ok"`
	Text      string        `json:"text,omitempty"`
	Assets    []Asset       `json:"assets,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"-"`
}

// wireEvents decodes the two legal shapes of a device's events frame.
type wireEvents struct {
	Result *struct {
		Text   string  `json:"text,omitempty"`
		Assets []Asset `json:"assets,omitempty"`
	} `json:"result,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// mailbox is a single-slot future: exactly one resolve (or timeout) ever
// completes it, mirroring runtime/agent/engine/inmem's future.
type mailbox struct {
	deviceID string

	mu     sync.Mutex
	ready  chan struct{}
	result Result
	err    error
}

func newMailbox(deviceID string) *mailbox {
	return &mailbox{deviceID: deviceID, ready: make(chan struct{})}
}

func (m *mailbox) resolve(res Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.ready:
		return // already resolved; at-most-once
	default:
	}
	m.result, m.err = res, err
	close(m.ready)
}

func (m *mailbox) wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-m.ready:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.result, m.err
	}
}

// Router dispatches signed commands to devices over their registered
// transport.Sink and correlates responses by request id.
type Router struct {
	registry *registry.Store
	timeout  time.Duration
	obs      *obs.Observability

	mu        sync.Mutex
	mailboxes map[string]*mailbox

	assetsMu   sync.Mutex
	assets     map[string]Result
	assetOrder []string
}

// assetCacheCap bounds how many resolved results are retained for the
// asset/{request_id} resource lookup.
const assetCacheCap = 256

// Option configures a Router.
type Option func(*Router)

func WithTimeout(d time.Duration) Option     { return func(r *Router) { r.timeout = d } }
func WithLogger(l telemetry.Logger) Option   { return func(r *Router) { r.obs.Logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(r *Router) { r.obs.Metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(r *Router) { r.obs.Tracer = t } }

// New builds a Router bound to the given device registry.
func New(reg *registry.Store, opts ...Option) *Router {
	r := &Router{
		registry:  reg,
		timeout:   DefaultTimeout,
		obs:       obs.New(nil, nil, nil),
		mailboxes: make(map[string]*mailbox),
		assets:    make(map[string]Result),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke dispatches tool on deviceID with args (accepted in any of the three
// shapes NormalizeArgs understands), signs the envelope when the device has
// a known secret token, and blocks until the device replies, the context is
// cancelled, or the router's timeout elapses.
func (r *Router) Invoke(ctx context.Context, deviceID, tool string, rawArgs any) (Result, error) {
	start := time.Now()
	ctx, span := r.obs.StartSpan(ctx, "command", "invoke")
	defer func() { r.obs.EndSpan(span, obs.OutcomeSuccess, nil) }()

	dev, ok := r.registry.Get(deviceID)
	if !ok {
		return Result{}, apperr.New(apperr.UnknownDevice, fmt.Sprintf("device %q is not registered", deviceID))
	}
	if !r.registry.Online(deviceID) {
		return Result{}, apperr.New(apperr.DeviceOffline, fmt.Sprintf("device %q is offline", deviceID))
	}
	if _, ok := dev.Tool(tool); !ok {
		return Result{}, apperr.New(apperr.UnknownTool, fmt.Sprintf("device %q has no tool %q", deviceID, tool))
	}
	sink, ok := r.registry.Sink(deviceID)
	if !ok {
		return Result{}, apperr.New(apperr.DeviceOffline, fmt.Sprintf("device %q has no active transport", deviceID))
	}
	args := NormalizeArgs(rawArgs)

	reqID, err := newRequestID()
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "allocate request id", err)
	}

	var frame any
	if dev.SecretToken != "" {
		env := sign.Envelope{Type: "device.command", Tool: tool, Args: args, RequestID: reqID, Timestamp: time.Now().Unix()}
		canonical, err := sign.Canonical(env)
		if err != nil {
			return Result{}, apperr.Wrap(apperr.Internal, "build canonical command", err)
		}
		frame = map[string]any{"data": canonical, "signature": sign.HMAC(dev.SecretToken, canonical)}
	} else {
		frame = map[string]any{"type": "device.command", "tool": tool, "args": args, "request_id": reqID}
	}

	mb := newMailbox(deviceID)
	r.register(reqID, mb)
	defer r.forget(reqID)

	if err := sink.Send(ctx, transport.DeviceTopic(deviceID, "cmd"), frame); err != nil {
		r.obs.LogEvent(ctx, obs.Event{Component: "command", Operation: "invoke", Subject: deviceID, Outcome: obs.OutcomeError, Error: err.Error()})
		return Result{}, apperr.Wrap(apperr.SendFailed, fmt.Sprintf("send command to %q", deviceID), err)
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res, err := mb.wait(waitCtx)
	res.Latency = time.Since(start)
	r.obs.RecordMetrics(obs.Event{Component: "command", Operation: "invoke", Subject: deviceID, Duration: res.Latency})
	if err != nil {
		// A mailbox resolved with its own error (e.g. FailDevice's proactive
		// send_failed on disconnect) carries its own code; only a context
		// deadline/cancel from waitCtx itself means the device simply never
		// replied.
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return Result{}, appErr
		}
		return Result{}, apperr.New(apperr.Timeout, fmt.Sprintf("device %q did not respond within %s", deviceID, r.timeout))
	}
	return res, nil
}

// Resolve delivers an events frame's payload to the mailbox registered under
// its request_id, if any is still pending, and records it in the bounded
// asset cache regardless (a reply may arrive after Invoke has already timed
// out its caller, but the asset/{request_id} resource should still see it).
// Unknown or already-resolved request ids' mailbox delivery is a no-op: at
// most one resolve can ever complete a mailbox.
func (r *Router) Resolve(requestID string, payload json.RawMessage) {
	var wire wireEvents
	if err := json.Unmarshal(payload, &wire); err != nil {
		r.deliver(requestID, Result{}, apperr.Wrap(apperr.Internal, "decode command response", err))
		return
	}
	var res Result
	switch {
	case wire.Error != nil:
		res = Result{OK: false, ErrorCode: wire.Error.Code, Error: wire.Error.Message}
	case wire.Result != nil:
		res = Result{OK: true, Text: wire.Result.Text, Assets: wire.Result.Assets}
	default:
		res = Result{OK: true}
	}
	r.deliver(requestID, res, nil)
}

func (r *Router) deliver(requestID string, res Result, err error) {
	r.recordAsset(requestID, res)
	r.mu.Lock()
	mb, ok := r.mailboxes[requestID]
	r.mu.Unlock()
	if !ok {
		return
	}
	mb.resolve(res, err)
}

func (r *Router) recordAsset(requestID string, res Result) {
	r.assetsMu.Lock()
	defer r.assetsMu.Unlock()
	if _, exists := r.assets[requestID]; !exists {
		r.assetOrder = append(r.assetOrder, requestID)
		if len(r.assetOrder) > assetCacheCap {
			oldest := r.assetOrder[0]
			r.assetOrder = r.assetOrder[1:]
			delete(r.assets, oldest)
		}
	}
	r.assets[requestID] = res
}

// Asset returns the last resolved result recorded for requestID, for the
// asset/{request_id} resource.
func (r *Router) Asset(requestID string) (Result, bool) {
	r.assetsMu.Lock()
	defer r.assetsMu.Unlock()
	res, ok := r.assets[requestID]
	return res, ok
}

// FailDevice resolves every mailbox awaiting a reply from a device whose
// transport just disconnected with send_failed, per the proactive resolution
// policy: a dropped connection should not leave callers waiting out the full
// timeout.
func (r *Router) FailDevice(deviceIDs []string) {
	if len(deviceIDs) == 0 {
		return
	}
	ids := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		ids[id] = struct{}{}
	}
	r.mu.Lock()
	pending := make([]*mailbox, 0, len(r.mailboxes))
	for _, mb := range r.mailboxes {
		if _, tracked := ids[mb.deviceID]; tracked {
			pending = append(pending, mb)
		}
	}
	r.mu.Unlock()
	for _, mb := range pending {
		mb.resolve(Result{}, apperr.New(apperr.SendFailed, "device disconnected while awaiting response"))
	}
}

func (r *Router) register(reqID string, mb *mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mailboxes[reqID] = mb
}

func (r *Router) forget(reqID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mailboxes, reqID)
}

func newRequestID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
