package jsonrpc

// IdType constrains the request/response id field to the scalar kinds the
// JSON-RPC 1.0 envelope allows ndg to send: bitcoind is always addressed
// with a plain incrementing integer id.
type IdType interface {
	~string | ~int | ~int64 | ~uint64
}

// BaseRequest is the JSON-RPC 1.0 envelope ndg sends to bitcoind. Params is
// a raw slice so each call site can supply whatever positional argument
// list the target method expects (bitcoind's RPC takes positional, not
// named, params).
type BaseRequest[T IdType] struct {
	JsonRpcVersion string        `json:"jsonrpc"`
	Method         string        `json:"method"`
	Params         []interface{} `json:"params"`
	Id             T             `json:"id"`
}

// NewRequest builds a JSON-RPC 1.0 request envelope for method with the
// given positional params.
func NewRequest[T IdType](id T, method string, params ...interface{}) BaseRequest[T] {
	if params == nil {
		params = []interface{}{}
	}
	return BaseRequest[T]{
		JsonRpcVersion: "1.0",
		Method:         method,
		Params:         params,
		Id:             id,
	}
}
