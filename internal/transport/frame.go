package transport

import (
	"strings"

	json "github.com/goccy/go-json"
)

const methodSubscription = "subscription"

type request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
	ID     string `json:"id"`
}

// frame 入站帧：带 id 的是响应，method=subscription 的是推送
type frame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type pushParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// correlationID 兼容字符串和数字 id
func (f *frame) correlationID() string {
	if len(f.ID) == 0 || string(f.ID) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.ID, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(f.ID))
}

func (f *frame) push() (pushParams, bool) {
	if f.Method != methodSubscription || len(f.Params) == 0 {
		return pushParams{}, false
	}
	var p pushParams
	if err := json.Unmarshal(f.Params, &p); err != nil || p.Channel == "" {
		return pushParams{}, false
	}
	return p, true
}
