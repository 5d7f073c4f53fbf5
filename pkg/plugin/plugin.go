// Package plugin implements the lightningd plugin protocol over stdio.
//
// lightningd writes JSON-RPC requests to the plugin's stdin and reads
// responses and notifications from its stdout. The plugin answers
// getmanifest and init itself, then hands every other request to a Handler
// on its own goroutine, bounded by a semaphore. Responses are written
// through one serialized Writer and carry the request id untouched; they
// may be written in any order.
//
// Usage:
//
//	p := plugin.New(plugin.Config{Options: opts, Methods: rpc.Methods()}, os.Stdin, writer, initFn)
//	if err := p.Run(ctx); err != nil {
//	    // exit non-zero
//	}
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/fortiblox/cln-floresta/pkg/rpc"
)

// DefaultMaxInflight bounds concurrently running requests.
const DefaultMaxInflight = 64

var (
	// ErrNotInitialized is returned for methods called before init.
	ErrNotInitialized = errors.New("plugin not initialized")

	// ErrInitFailed is returned by Run when init was rejected.
	ErrInitFailed = errors.New("plugin init failed")

	// ErrStreamCorrupt is returned by Run when the input cannot be decoded.
	ErrStreamCorrupt = errors.New("corrupt request stream")
)

// Handler serves the plugin's methods once initialized.
type Handler interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpc.RPCError)
}

// InitFunc applies the init options and returns the handler for all further
// requests. A non-nil error fails the handshake.
type InitFunc func(ctx context.Context, req *InitRequest) (Handler, error)

// Config holds plugin configuration.
type Config struct {
	// Options are registered with lightningd in the manifest.
	Options []Option

	// Methods are registered with lightningd in the manifest.
	Methods []rpc.MethodInfo

	// MaxInflight bounds concurrently running requests.
	MaxInflight int

	// Logger receives protocol diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Plugin runs the request loop.
type Plugin struct {
	config Config
	in     io.Reader
	out    *Writer
	init   InitFunc
	logger *slog.Logger

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	handler  atomic.Pointer[handlerBox]
	inflight atomic.Int64
}

type handlerBox struct {
	Handler
}

// New creates a plugin reading requests from in and writing through out.
func New(config Config, in io.Reader, out *Writer, init InitFunc) *Plugin {
	if config.MaxInflight <= 0 {
		config.MaxInflight = DefaultMaxInflight
	}
	p := &Plugin{
		config: config,
		in:     in,
		out:    out,
		init:   init,
		logger: config.Logger,
		sem:    semaphore.NewWeighted(int64(config.MaxInflight)),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// SetMaxInflight changes the in-flight bound. It is only safe before init
// completes, so it is meant to be called from the InitFunc.
func (p *Plugin) SetMaxInflight(n int) {
	if n <= 0 || p.Initialized() {
		return
	}
	p.config.MaxInflight = n
	p.sem = semaphore.NewWeighted(int64(n))
}

// Initialized reports whether init has completed.
func (p *Plugin) Initialized() bool {
	return p.handler.Load() != nil
}

// Inflight returns the number of requests being served.
func (p *Plugin) Inflight() int64 {
	return p.inflight.Load()
}

type decoded struct {
	raw json.RawMessage
	err error
}

// Run serves requests until the input ends, ctx is canceled, init fails or
// the stream becomes undecodable. In-flight requests are canceled and
// awaited before Run returns. An input that is an io.Closer is closed on
// return, which releases the reader blocked in Decode; any other input
// keeps that goroutine until it yields data or an error.
func (p *Plugin) Run(ctx context.Context) error {
	defer p.wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c, ok := p.in.(io.Closer); ok {
		defer c.Close()
	}

	messages := make(chan decoded)
	go p.readLoop(ctx, messages)

	for {
		var msg decoded
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg = <-messages:
		}

		if msg.err != nil {
			if errors.Is(msg.err, io.EOF) {
				return nil
			}
			p.reply(nil, nil, rpc.ErrParseError)
			return fmt.Errorf("%w: %v", ErrStreamCorrupt, msg.err)
		}

		if err := p.handle(ctx, msg.raw); err != nil {
			return err
		}
	}
}

// readLoop decodes messages until the first error. A json.Decoder cannot
// resynchronize after a syntax error, so that error ends the loop.
func (p *Plugin) readLoop(ctx context.Context, out chan<- decoded) {
	dec := json.NewDecoder(p.in)
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		select {
		case out <- decoded{raw: raw, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (p *Plugin) handle(ctx context.Context, raw json.RawMessage) error {
	var req rpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		p.reply(nil, nil, rpc.ErrInvalidRequest)
		return nil
	}
	if req.Method == "" {
		if !req.IsNotification() {
			p.reply(req.ID, nil, rpc.ErrInvalidRequest)
		}
		return nil
	}
	if req.IsNotification() {
		p.logger.Debug("ignoring notification", "method", req.Method)
		return nil
	}

	switch req.Method {
	case "getmanifest":
		p.reply(req.ID, p.manifest(), nil)
		return nil
	case "init":
		return p.handleInit(ctx, &req)
	}

	box := p.handler.Load()
	if box == nil {
		p.reply(req.ID, nil, rpc.NewRPCError(rpc.InvalidRequest, ErrNotInitialized.Error()))
		return nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return ctx.Err()
	}
	p.wg.Add(1)
	p.inflight.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.inflight.Add(-1)

		result, rpcErr := box.Dispatch(ctx, req.Method, req.Params)
		if ctx.Err() != nil {
			return
		}
		p.reply(req.ID, result, rpcErr)
	}()
	return nil
}

func (p *Plugin) handleInit(ctx context.Context, req *rpc.Request) error {
	if p.Initialized() {
		p.reply(req.ID, nil, rpc.NewRPCError(rpc.InvalidRequest, "plugin already initialized"))
		return nil
	}

	initReq, err := parseInit(req.Params)
	if err != nil {
		p.reply(req.ID, nil, rpc.InvalidParamsErrorf("init: %v", err))
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	handler, err := p.init(ctx, initReq)
	if err != nil {
		p.reply(req.ID, nil, rpc.InternalServerErrorf("init: %v", err))
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	p.handler.Store(&handlerBox{Handler: handler})
	p.reply(req.ID, nil, nil)
	return nil
}

func (p *Plugin) manifest() Manifest {
	options := p.config.Options
	if options == nil {
		options = []Option{}
	}
	methods := p.config.Methods
	if methods == nil {
		methods = []rpc.MethodInfo{}
	}
	return Manifest{Options: options, RPCMethods: methods, Dynamic: false}
}

func (p *Plugin) reply(id json.RawMessage, result interface{}, rpcErr *rpc.RPCError) {
	if err := p.out.WriteMessage(rpc.NewResponse(id, result, rpcErr)); err != nil {
		p.logger.Error("failed to write response", "error", err)
	}
}
