package einvoice

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"

	"github.com/erp/synccore/internal/domain/sync"
	"github.com/erp/synccore/internal/infrastructure/transport"
)

// DemoHandlers returns canned registry responses. The receipt code is
// derived from the submitted record so demo runs are reproducible, and
// every response rotates a fresh demo token the way the live registry
// does.
func DemoHandlers() map[sync.Operation]transport.DemoHandler {
	accepted := func(req *transport.Request) *transport.Response {
		var record registroFactura
		_ = xml.Unmarshal(req.Body, &record)
		digest := sha256.Sum256(req.Body)
		csv := "CSVDEMO" + hex.EncodeToString(digest[:4])
		body := fmt.Sprintf(`<Respuesta><CSV>%s</CSV><EstadoEnvio>Correcto</EstadoEnvio><TokenCMC>tok_demo_%s</TokenCMC><Lineas><Linea><Referencia>%s-%s</Referencia><EstadoRegistro>Correcto</EstadoRegistro></Linea></Lineas></Respuesta>`,
			csv, hex.EncodeToString(digest[4:8]), record.Serie, record.Numero)
		return xmlResponse(body)
	}
	return map[sync.Operation]transport.DemoHandler{
		sync.OperationRegister: accepted,
		sync.OperationUpdate:   accepted,
		sync.OperationCancel: func(req *transport.Request) *transport.Response {
			return xmlResponse(`<Respuesta><CSV>CSVDEMOANUL</CSV><EstadoEnvio>Correcto</EstadoEnvio><TokenCMC>tok_demo_anul</TokenCMC></Respuesta>`)
		},
		sync.OperationQuery: func(req *transport.Request) *transport.Response {
			return xmlResponse(`<Respuesta><CSV>CSVDEMO</CSV><EstadoEnvio>Correcto</EstadoEnvio><TokenCMC>tok_demo_query</TokenCMC></Respuesta>`)
		},
	}
}

func xmlResponse(body string) *transport.Response {
	return &transport.Response{
		StatusCode:  http.StatusOK,
		Body:        []byte(body),
		ContentType: "application/xml",
		MIME:        sync.MIMEHintXML,
	}
}
