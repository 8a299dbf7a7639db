package dispatcher

import (
	"time"

	"github.com/llmgateway/gateway/internal/unified"
)

// RequestContext accumulates everything about one dispatch as the
// pipeline discovers it, from the bare inbound facts through whichever
// alias and target ended up serving the request (spec §3).
type RequestContext struct {
	ID         string
	StartTime  time.Time
	ClientIP   string
	APIKeyName string

	ClientDialect unified.Dialect
	Streaming     bool

	AliasUsed      string
	ActualProvider string
	ActualModel    string
	TargetDialect  unified.Dialect

	ProviderFirstTokenAt *time.Time
	ClientFirstTokenAt   *time.Time
}

func newRequestContext(in Input) *RequestContext {
	return &RequestContext{
		ID:            in.RequestID,
		StartTime:     time.Now(),
		ClientIP:      in.ClientIP,
		APIKeyName:    in.APIKeyName,
		ClientDialect: in.ClientDialect,
		Streaming:     in.Stream,
	}
}
