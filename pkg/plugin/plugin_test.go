package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/cln-floresta/pkg/rpc"
)

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpc.RPCError   `json:"error"`
	Method  string          `json:"method"`
}

type harness struct {
	plugin *Plugin
	in     *io.PipeWriter
	out    chan response
	done   chan error
}

func startPlugin(t *testing.T, config Config, init InitFunc) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := &harness{
		plugin: New(config, inR, NewWriter(outW), init),
		in:     inW,
		out:    make(chan response, 64),
		done:   make(chan error, 1),
	}

	go func() {
		dec := json.NewDecoder(outR)
		for {
			var resp response
			if err := dec.Decode(&resp); err != nil {
				close(h.out)
				return
			}
			h.out <- resp
		}
	}()
	go func() {
		h.done <- h.plugin.Run(context.Background())
		outW.Close()
	}()

	t.Cleanup(func() { inW.Close() })
	return h
}

func (h *harness) send(t *testing.T, msg string) {
	t.Helper()
	_, err := io.WriteString(h.in, msg+"\n\n")
	require.NoError(t, err)
}

func (h *harness) recv(t *testing.T) response {
	t.Helper()
	select {
	case resp, ok := <-h.out:
		require.True(t, ok, "output closed")
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
		return response{}
	}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run")
		return nil
	}
}

// handlerFunc adapts a function to Handler.
type handlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpc.RPCError)

func (f handlerFunc) Dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpc.RPCError) {
	return f(ctx, method, params)
}

func echoInit(t *testing.T) InitFunc {
	return func(ctx context.Context, req *InitRequest) (Handler, error) {
		return handlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpc.RPCError) {
			return map[string]string{"method": method}, nil
		}), nil
	}
}

const initRequest = `{"jsonrpc":"2.0","id":"init-1","method":"init","params":{"options":{"floresta-rpc-url":"http://127.0.0.1:8080"},"configuration":{"lightning-dir":"/tmp/l1","rpc-file":"lightning-rpc","network":"regtest","startup":true}}}`

func initialize(t *testing.T, h *harness) {
	t.Helper()
	h.send(t, initRequest)
	resp := h.recv(t)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result))
}

func TestGetManifest(t *testing.T) {
	h := startPlugin(t, Config{
		Options: []Option{{Name: "floresta-rpc-url", Type: OptionString, Description: "backend URL", Multi: true}},
		Methods: rpc.Methods(),
	}, echoInit(t))

	h.send(t, `{"jsonrpc":"2.0","id":1,"method":"getmanifest","params":{}}`)
	resp := h.recv(t)
	require.Nil(t, resp.Error)
	assert.Equal(t, "1", string(resp.ID))

	var manifest Manifest
	require.NoError(t, json.Unmarshal(resp.Result, &manifest))
	assert.False(t, manifest.Dynamic)
	require.Len(t, manifest.Options, 1)
	assert.Equal(t, "floresta-rpc-url", manifest.Options[0].Name)
	assert.Len(t, manifest.RPCMethods, len(rpc.Methods()))

	h.in.Close()
	assert.NoError(t, h.wait(t))
}

func TestMethodBeforeInit(t *testing.T) {
	h := startPlugin(t, Config{}, echoInit(t))

	h.send(t, `{"jsonrpc":"2.0","id":"abc","method":"getchaininfo","params":{}}`)
	resp := h.recv(t)
	assert.Equal(t, `"abc"`, string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.InvalidRequest, resp.Error.Code)
	assert.Equal(t, "plugin not initialized", resp.Error.Message)
	assert.False(t, h.plugin.Initialized())
}

func TestInitAndDispatch(t *testing.T) {
	var got *InitRequest
	h := startPlugin(t, Config{}, func(ctx context.Context, req *InitRequest) (Handler, error) {
		got = req
		return echoInit(t)(ctx, req)
	})

	initialize(t, h)
	require.NotNil(t, got)
	assert.Equal(t, "regtest", got.Configuration.Network)
	assert.Equal(t, "http://127.0.0.1:8080", got.Options["floresta-rpc-url"])
	assert.True(t, h.plugin.Initialized())

	h.send(t, `{"jsonrpc":"2.0","id":{"cln":7},"method":"estimatefees"}`)
	resp := h.recv(t)
	assert.JSONEq(t, `{"cln":7}`, string(resp.ID))
	assert.JSONEq(t, `{"method":"estimatefees"}`, string(resp.Result))

	h.send(t, initRequest)
	resp = h.recv(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.InvalidRequest, resp.Error.Code)
}

func TestInitFailure(t *testing.T) {
	h := startPlugin(t, Config{}, func(ctx context.Context, req *InitRequest) (Handler, error) {
		return nil, errors.New("network mismatch")
	})

	h.send(t, initRequest)
	resp := h.recv(t)
	assert.Equal(t, `"init-1"`, string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "network mismatch")

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrInitFailed)
}

func TestParseError(t *testing.T) {
	h := startPlugin(t, Config{}, echoInit(t))

	h.send(t, `{not json}`)
	resp := h.recv(t)
	assert.Equal(t, "null", string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.ParseError, resp.Error.Code)

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrStreamCorrupt)
}

func TestInvalidRequest(t *testing.T) {
	h := startPlugin(t, Config{}, echoInit(t))

	h.send(t, `[1, 2, 3]`)
	resp := h.recv(t)
	assert.Equal(t, "null", string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.InvalidRequest, resp.Error.Code)

	h.send(t, `{"jsonrpc":"2.0","id":4}`)
	resp = h.recv(t)
	assert.Equal(t, "4", string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.InvalidRequest, resp.Error.Code)
}

func TestNotificationsAreNotAnswered(t *testing.T) {
	h := startPlugin(t, Config{}, echoInit(t))

	h.send(t, `{"jsonrpc":"2.0","method":"shutdown","params":{}}`)
	h.send(t, `{"jsonrpc":"2.0","id":2,"method":"getmanifest"}`)
	resp := h.recv(t)
	assert.Equal(t, "2", string(resp.ID))
}

func TestResponsesMayBeOutOfOrder(t *testing.T) {
	release := make(chan struct{})
	h := startPlugin(t, Config{}, func(ctx context.Context, req *InitRequest) (Handler, error) {
		return handlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpc.RPCError) {
			if method == "slow" {
				<-release
			}
			return method, nil
		}), nil
	})
	initialize(t, h)

	h.send(t, `{"jsonrpc":"2.0","id":1,"method":"slow"}`)
	h.send(t, `{"jsonrpc":"2.0","id":2,"method":"fast"}`)

	first := h.recv(t)
	assert.Equal(t, "2", string(first.ID))
	close(release)
	second := h.recv(t)
	assert.Equal(t, "1", string(second.ID))
}

func TestMaxInflight(t *testing.T) {
	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	var h *harness
	h = startPlugin(t, Config{MaxInflight: 16}, func(ctx context.Context, req *InitRequest) (Handler, error) {
		h.plugin.SetMaxInflight(2)
		return handlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpc.RPCError) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return nil, nil
		}), nil
	})
	initialize(t, h)

	const requests = 8
	go func() {
		for i := 0; i < requests; i++ {
			io.WriteString(h.in, `{"jsonrpc":"2.0","id":`+string(rune('0'+i))+`,"method":"work"}`+"\n\n")
		}
	}()

	seen := make(map[string]bool)
	for i := 0; i < requests; i++ {
		resp := h.recv(t)
		assert.Nil(t, resp.Error)
		seen[string(resp.ID)] = true
	}
	assert.Len(t, seen, requests)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestInputEOFCancelsInflight(t *testing.T) {
	started := make(chan struct{})
	var canceled atomic.Bool
	h := startPlugin(t, Config{}, func(ctx context.Context, req *InitRequest) (Handler, error) {
		return handlerFunc(func(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpc.RPCError) {
			close(started)
			<-ctx.Done()
			canceled.Store(true)
			return "late", nil
		}), nil
	})
	initialize(t, h)

	h.send(t, `{"jsonrpc":"2.0","id":9,"method":"block"}`)
	<-started
	h.in.Close()

	assert.NoError(t, h.wait(t))
	assert.True(t, canceled.Load())
	_, ok := <-h.out
	assert.False(t, ok, "canceled result must not be written")
}

func TestCancelReleasesInput(t *testing.T) {
	inR, inW := io.Pipe()
	defer inW.Close()
	p := New(Config{}, inR, NewWriter(io.Discard), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The reader side is closed, so the decoding goroutine has returned.
	_, err := inW.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"getmanifest"}`))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLogHandler(NewWriter(&buf), slog.LevelInfo)).With("component", "bridge")

	logger.Debug("hidden")
	logger.Warn("backend slow", "rpc", "getblock", "detail", "took 3s")

	var msg struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		} `json:"params"`
	}
	dec := json.NewDecoder(&buf)
	require.NoError(t, dec.Decode(&msg))
	assert.Equal(t, "2.0", msg.JSONRPC)
	assert.Equal(t, "log", msg.Method)
	assert.Equal(t, "warn", msg.Params.Level)
	assert.Equal(t, `backend slow component=bridge rpc=getblock detail="took 3s"`, msg.Params.Message)
	assert.False(t, dec.More())
}

func TestWriterSerializesMessages(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.Notify("log", map[string]int{"n": i})
		}(i)
	}
	wg.Wait()

	dec := json.NewDecoder(&buf)
	count := 0
	for dec.More() {
		var v map[string]interface{}
		require.NoError(t, dec.Decode(&v))
		count++
	}
	assert.Equal(t, 50, count)
}

func TestLevelName(t *testing.T) {
	assert.Equal(t, "debug", levelName(slog.LevelDebug))
	assert.Equal(t, "info", levelName(slog.LevelInfo))
	assert.Equal(t, "warn", levelName(slog.LevelWarn))
	assert.Equal(t, "error", levelName(slog.LevelError))
	assert.Equal(t, "error", levelName(slog.LevelError+4))
}
