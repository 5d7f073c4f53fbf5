package rpc

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/fortiblox/cln-floresta/internal/types"
)

// maxHeight is the largest height the backend RPCs accept.
const maxHeight = math.MaxInt32

// param names one parameter of a method, in positional order.
type param struct {
	name     string
	required bool
}

func required(name string) param { return param{name: name, required: true} }
func optional(name string) param { return param{name: name} }

// params holds parameters by name after arity checks.
type params map[string]json.RawMessage

// parseParams accepts parameters by name (object) or by position (array).
// Unknown names, extra positions and missing required values are rejected.
func parseParams(raw json.RawMessage, decls ...param) (params, *RPCError) {
	out := make(params, len(decls))
	trimmed := bytes.TrimSpace(raw)

	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
	case trimmed[0] == '{':
		var byName map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &byName); err != nil {
			return nil, InvalidParamsErrorf("invalid params object: %v", err)
		}
		for name, value := range byName {
			if !known(decls, name) {
				return nil, InvalidParamsErrorf("unknown parameter %q", name)
			}
			out[name] = value
		}
	case trimmed[0] == '[':
		var byPos []json.RawMessage
		if err := json.Unmarshal(trimmed, &byPos); err != nil {
			return nil, InvalidParamsErrorf("invalid params array: %v", err)
		}
		if len(byPos) > len(decls) {
			return nil, InvalidParamsErrorf("expected at most %d parameters, got %d", len(decls), len(byPos))
		}
		for i, value := range byPos {
			out[decls[i].name] = value
		}
	default:
		return nil, InvalidParamsError("params must be an object or an array")
	}

	for _, p := range decls {
		if p.required && !out.has(p.name) {
			return nil, InvalidParamsErrorf("missing required parameter %q", p.name)
		}
	}
	return out, nil
}

func known(decls []param, name string) bool {
	for _, p := range decls {
		if p.name == name {
			return true
		}
	}
	return false
}

// has reports whether name was supplied with a non-null value.
func (p params) has(name string) bool {
	v, ok := p[name]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func (p params) height(name string) (uint64, *RPCError) {
	var h uint64
	if err := json.Unmarshal(p[name], &h); err != nil {
		return 0, InvalidParamsErrorf("%s must be a non-negative integer", name)
	}
	if h > maxHeight {
		return 0, InvalidParamsErrorf("%s %d out of range", name, h)
	}
	return h, nil
}

func (p params) uint32(name string) (uint32, *RPCError) {
	var v uint32
	if err := json.Unmarshal(p[name], &v); err != nil {
		return 0, InvalidParamsErrorf("%s must be an integer in [0, %d]", name, uint32(math.MaxUint32))
	}
	return v, nil
}

func (p params) boolean(name string) (bool, *RPCError) {
	if !p.has(name) {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(p[name], &b); err != nil {
		return false, InvalidParamsErrorf("%s must be a boolean", name)
	}
	return b, nil
}

func (p params) str(name string) (string, *RPCError) {
	var s string
	if err := json.Unmarshal(p[name], &s); err != nil {
		return "", InvalidParamsErrorf("%s must be a string", name)
	}
	return s, nil
}

func (p params) hash(name string) (types.Hash, *RPCError) {
	s, rpcErr := p.str(name)
	if rpcErr != nil {
		return types.Hash{}, rpcErr
	}
	h, err := types.ParseHash(s)
	if err != nil {
		return types.Hash{}, InvalidParamsErrorf("%s: %v", name, err)
	}
	return h, nil
}

func (p params) hex(name string) (types.HexBytes, *RPCError) {
	s, rpcErr := p.str(name)
	if rpcErr != nil {
		return nil, rpcErr
	}
	b, err := types.DecodeHex(s)
	if err != nil {
		return nil, InvalidParamsErrorf("%s: %v", name, err)
	}
	return b, nil
}
