package plugin

import (
	"encoding/json"

	"github.com/fortiblox/cln-floresta/pkg/rpc"
)

// Option types understood by lightningd.
const (
	OptionString = "string"
	OptionInt    = "int"
	OptionBool   = "bool"
	OptionFlag   = "flag"
)

// Option is a command line option the plugin registers with lightningd.
type Option struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Default     interface{} `json:"default,omitempty"`
	Description string      `json:"description"`
	Multi       bool        `json:"multi,omitempty"`
}

// Manifest is the getmanifest result.
type Manifest struct {
	Options    []Option         `json:"options"`
	RPCMethods []rpc.MethodInfo `json:"rpcmethods"`
	Dynamic    bool             `json:"dynamic"`
}

// Configuration is the lightningd configuration passed to init.
type Configuration struct {
	LightningDir string `json:"lightning-dir"`
	RPCFile      string `json:"rpc-file"`
	Network      string `json:"network"`
	Startup      bool   `json:"startup"`
}

// InitRequest is the params object of the init call.
type InitRequest struct {
	Options       map[string]interface{} `json:"options"`
	Configuration Configuration          `json:"configuration"`
}

func parseInit(raw json.RawMessage) (*InitRequest, error) {
	var req InitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if req.Options == nil {
		req.Options = make(map[string]interface{})
	}
	return &req, nil
}
