package issuing

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/transport"
)

// DemoHandlers returns canned responses that exercise the full pipeline
// without a remote. Register mints a deterministic card id from the
// embedded local marker so repeated demo runs stay idempotent.
func DemoHandlers() map[sync.Operation]transport.DemoHandler {
	return map[sync.Operation]transport.DemoHandler{
		sync.OperationRegister: func(req *transport.Request) *transport.Response {
			var fields struct {
				Metadata map[string]string `json:"metadata"`
			}
			_ = json.Unmarshal(req.Body, &fields)
			id := "ic_demo_" + fields.Metadata["local_ref"]
			return jsonResponse(fmt.Sprintf(`{"id":%q,"status":"active","last4":"4242","exp_month":6,"exp_year":27}`, id))
		},
		sync.OperationUpdate: func(req *transport.Request) *transport.Response {
			return jsonResponse(`{"id":"ic_demo","status":"active","last4":"4242","exp_month":6,"exp_year":27}`)
		},
		sync.OperationCancel: func(req *transport.Request) *transport.Response {
			return jsonResponse(`{"id":"ic_demo","status":"canceled"}`)
		},
		sync.OperationQuery: func(req *transport.Request) *transport.Response {
			return jsonResponse(`{"id":"ic_demo","status":"active","last4":"4242","exp_month":6,"exp_year":27}`)
		},
		// the binder finds nothing in demo mode and always creates
		sync.OperationSearch: func(req *transport.Request) *transport.Response {
			return jsonResponse(`{"data":[]}`)
		},
	}
}

func jsonResponse(body string) *transport.Response {
	return &transport.Response{
		StatusCode:  http.StatusOK,
		Body:        []byte(body),
		ContentType: "application/json",
		MIME:        sync.MIMEHintJSON,
	}
}
