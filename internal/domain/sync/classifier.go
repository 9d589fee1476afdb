package sync

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// MIME hinting
// ---------------------------------------------------------------------------

// MIMEHint is the coarse response shape the classifier dispatches on
type MIMEHint string

const (
	MIMEHintXML     MIMEHint = "xml"
	MIMEHintJSON    MIMEHint = "json"
	MIMEHintHTML    MIMEHint = "html"
	MIMEHintBinary  MIMEHint = "binary"
	MIMEHintUnknown MIMEHint = "unknown"
)

// DetectMIME derives a MIME hint from the Content-Type header and, when
// the header is absent or generic, from the body itself.
func DetectMIME(contentType string, body []byte) MIMEHint {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return MIMEHintJSON
	case strings.Contains(ct, "xml"):
		return MIMEHintXML
	case strings.Contains(ct, "html"):
		return MIMEHintHTML
	case strings.Contains(ct, "octet-stream") || strings.Contains(ct, "pdf"):
		return MIMEHintBinary
	}

	trimmed := bytes.TrimSpace(body)
	switch {
	case len(trimmed) == 0:
		return MIMEHintUnknown
	case trimmed[0] == '{' || trimmed[0] == '[':
		return MIMEHintJSON
	case bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype html")) ||
		bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html")):
		return MIMEHintHTML
	case trimmed[0] == '<':
		return MIMEHintXML
	case !utf8.Valid(trimmed):
		return MIMEHintBinary
	default:
		return MIMEHintUnknown
	}
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

// Classification is the outcome of mapping a remote response onto the
// document status lattice
type Classification struct {
	Status DocumentStatus
	Errors []RemoteError
	// Reason is set for rejections that never carried a business payload
	// (access errors, unparseable bodies)
	Reason string
}

// LineStatus is the normalized status of one line of a batch response
type LineStatus struct {
	Ref   string
	State RemoteState
	Error *RemoteError
}

// AggregateLines folds per-line statuses into a document status:
// accepted iff every line is accepted, rejected iff none are,
// registered-with-errors otherwise.
func AggregateLines(lines []LineStatus) Classification {
	if len(lines) == 0 {
		return Classification{Status: DocumentStatusRejected, Reason: "unparseable-response"}
	}
	accepted := 0
	var errs []RemoteError
	for _, l := range lines {
		if l.State == RemoteStateAccepted {
			accepted++
		}
		if l.Error != nil {
			errs = append(errs, *l.Error)
		}
	}
	switch accepted {
	case len(lines):
		return Classification{Status: DocumentStatusAccepted}
	case 0:
		return Classification{Status: DocumentStatusRejected, Errors: errs}
	default:
		return Classification{Status: DocumentStatusRegisteredWithErrors, Errors: errs}
	}
}

var htmlTagRe = regexp.MustCompile(`(?s)<[^>]*>`)
var htmlMainBlockRe = regexp.MustCompile(`(?is)<(?:main|body|h1|title)[^>]*>(.*?)</(?:main|body|h1|title)>`)

// ClassifyHTML treats an HTML body as an access or authentication error
// and extracts the main block as the error text
func ClassifyHTML(body []byte) Classification {
	text := ""
	if m := htmlMainBlockRe.FindSubmatch(body); len(m) > 1 {
		text = string(m[1])
	} else {
		text = string(body)
	}
	text = strings.TrimSpace(htmlTagRe.ReplaceAllString(text, " "))
	text = strings.Join(strings.Fields(text), " ")
	const maxErrText = 512
	if len(text) > maxErrText {
		text = text[:maxErrText]
	}
	return Classification{
		Status: DocumentStatusRejected,
		Errors: []RemoteError{{Code: "ACCESS_ERROR", Message: text}},
		Reason: "access-error",
	}
}

// ClassifyUnknown rejects an unrecognizable response shape
func ClassifyUnknown() Classification {
	return Classification{Status: DocumentStatusRejected, Reason: "unparseable-response"}
}
