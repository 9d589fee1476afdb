package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectMIME(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        MIMEHint
	}{
		{"JSON content type", "application/json; charset=utf-8", `{}`, MIMEHintJSON},
		{"XML content type", "text/xml", `<r/>`, MIMEHintXML},
		{"SOAP content type", "application/soap+xml", `<e/>`, MIMEHintXML},
		{"HTML content type", "text/html", "<html></html>", MIMEHintHTML},
		{"Binary content type", "application/octet-stream", "\x00\x01", MIMEHintBinary},
		{"JSON sniffed from body", "", `{"id":"x"}`, MIMEHintJSON},
		{"HTML sniffed from body", "", "<!DOCTYPE html><html>", MIMEHintHTML},
		{"XML sniffed from body", "", `<Envelope/>`, MIMEHintXML},
		{"Empty body", "", "", MIMEHintUnknown},
		{"Plain text", "", "service unavailable", MIMEHintUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectMIME(tt.contentType, []byte(tt.body)))
		})
	}
}

func TestAggregateLines(t *testing.T) {
	ok := LineStatus{Ref: "1", State: RemoteStateAccepted}
	bad := LineStatus{Ref: "2", State: RemoteStateRejected, Error: &RemoteError{Code: "4102", Message: "bad NIF"}}

	t.Run("All accepted", func(t *testing.T) {
		c := AggregateLines([]LineStatus{ok, ok})
		assert.Equal(t, DocumentStatusAccepted, c.Status)
		assert.Empty(t, c.Errors)
	})

	t.Run("None accepted", func(t *testing.T) {
		c := AggregateLines([]LineStatus{bad, bad})
		assert.Equal(t, DocumentStatusRejected, c.Status)
		assert.Len(t, c.Errors, 2)
	})

	t.Run("Mixed is registered with errors", func(t *testing.T) {
		c := AggregateLines([]LineStatus{ok, bad})
		assert.Equal(t, DocumentStatusRegisteredWithErrors, c.Status)
		assert.Len(t, c.Errors, 1)
		assert.Equal(t, "4102", c.Errors[0].Code)
	})

	t.Run("Empty batch is unparseable", func(t *testing.T) {
		c := AggregateLines(nil)
		assert.Equal(t, DocumentStatusRejected, c.Status)
		assert.Equal(t, "unparseable-response", c.Reason)
	})
}

func TestClassifyHTML(t *testing.T) {
	body := []byte(`<!DOCTYPE html><html><head><title>403 Forbidden</title></head>` +
		`<body><h1>Access denied</h1><p>Certificate not recognized.</p></body></html>`)

	c := ClassifyHTML(body)
	assert.Equal(t, DocumentStatusRejected, c.Status)
	assert.Equal(t, "access-error", c.Reason)
	assert.Len(t, c.Errors, 1)
	assert.Contains(t, c.Errors[0].Message, "403 Forbidden")
}

func TestClassifyUnknown(t *testing.T) {
	c := ClassifyUnknown()
	assert.Equal(t, DocumentStatusRejected, c.Status)
	assert.Equal(t, "unparseable-response", c.Reason)
}
