package intake

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
)

func validPayload() map[string]interface{} {
	return map[string]interface{}{
		"MessageID":   "msg-1",
		"MailboxHash": "abc123",
		"Subject":     "Invoice #42",
		"Date":        "Tue, 24 Feb 2026 10:30:00 -0500",
		"TextBody":    "Total: $10.00",
		"HtmlBody":    "",
		"FromFull":    map[string]interface{}{"Email": "billing@acme.example", "Name": "Acme Billing"},
	}
}

func marshalPayload(t *testing.T, payload map[string]interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func wantReason(t *testing.T, err error, reason string) {
	t.Helper()
	var payloadErr *PostmarkPayloadError
	if !errors.As(err, &payloadErr) {
		t.Fatalf("got %v, want PostmarkPayloadError", err)
	}
	if payloadErr.Reason != reason {
		t.Fatalf("got reason %q, want %q", payloadErr.Reason, reason)
	}
}

func TestParsePostmarkPayloadValid(t *testing.T) {
	raw := marshalPayload(t, validPayload())
	doc, err := ParsePostmarkPayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	if doc.MailboxToken != "abc123" {
		t.Fatalf("got mailbox token %q", doc.MailboxToken)
	}
	if doc.SenderEmail != "billing@acme.example" || doc.SenderName != "Acme Billing" {
		t.Fatalf("got sender %q / %q", doc.SenderEmail, doc.SenderName)
	}
	if doc.EmailDate == nil {
		t.Fatal("expected email date to parse")
	}
	if got := doc.EmailDate.Format("2006-01-02"); got != "2026-02-24" {
		t.Fatalf("got email date %s", got)
	}

	sum := sha256.Sum256(raw)
	if doc.ContentHash != hex.EncodeToString(sum[:]) {
		t.Fatal("content hash must be the digest of the raw body")
	}
}

func TestParsePostmarkPayloadDeterministicHash(t *testing.T) {
	raw := marshalPayload(t, validPayload())
	first, err := ParsePostmarkPayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ParsePostmarkPayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	if first.ContentHash != second.ContentHash {
		t.Fatal("byte-identical re-delivery must hash identically")
	}
}

func TestParsePostmarkPayloadValidationOrder(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p map[string]interface{})
		reason string
	}{
		{"missing message id", func(p map[string]interface{}) { p["MessageID"] = "" }, ReasonMissingMessageId},
		{"missing mailbox hash", func(p map[string]interface{}) { delete(p, "MailboxHash") }, ReasonMissingMailboxHash},
		{"missing subject", func(p map[string]interface{}) { p["Subject"] = "  " }, ReasonMissingSubject},
		{"missing date", func(p map[string]interface{}) { p["Date"] = "" }, ReasonMissingDate},
		{"missing sender", func(p map[string]interface{}) { delete(p, "FromFull") }, ReasonMissingFromFull},
		{"sender without email", func(p map[string]interface{}) {
			p["FromFull"] = map[string]interface{}{"Email": "", "Name": "x"}
		}, ReasonMissingFromFull},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := validPayload()
			tc.mutate(payload)
			_, err := ParsePostmarkPayload(marshalPayload(t, payload))
			wantReason(t, err, tc.reason)
		})
	}
}

func TestParsePostmarkPayloadMalformedJson(t *testing.T) {
	_, err := ParsePostmarkPayload([]byte("{nope"))
	wantReason(t, err, ReasonMalformedJson)
}

func TestParsePostmarkPayloadAttachments(t *testing.T) {
	payload := validPayload()
	payload["Attachments"] = []map[string]interface{}{
		{"Name": "invoice.pdf", "Content": base64.StdEncoding.EncodeToString([]byte("pdf-bytes")), "ContentType": "application/pdf", "ContentLength": 9},
	}
	doc, err := ParsePostmarkPayload(marshalPayload(t, payload))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Attachments) != 1 {
		t.Fatalf("got %d attachments", len(doc.Attachments))
	}
	if string(doc.Attachments[0].Content) != "pdf-bytes" {
		t.Fatalf("got decoded content %q", doc.Attachments[0].Content)
	}

	payload["Attachments"] = []map[string]interface{}{
		{"Name": "bad.bin", "Content": "!!! not base64 !!!", "ContentType": "application/octet-stream"},
	}
	_, err = ParsePostmarkPayload(marshalPayload(t, payload))
	wantReason(t, err, ReasonAttachmentInvalidBase64)

	payload["Attachments"] = []map[string]interface{}{
		{"Name": "", "Content": "", "ContentType": "text/plain"},
	}
	_, err = ParsePostmarkPayload(marshalPayload(t, payload))
	wantReason(t, err, ReasonAttachmentInvalidName)
}

func TestBuildJSONDocument(t *testing.T) {
	raw := []byte(`{"vendor_name":"Farm Hub","total":18.99,"sender_email":"api@farm-hub.example"}`)
	doc, err := BuildJSONDocument(raw, "tok1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.MailboxToken != "tok1" || doc.SenderEmail != "api@farm-hub.example" {
		t.Fatalf("got %q / %q", doc.MailboxToken, doc.SenderEmail)
	}

	_, err = BuildJSONDocument([]byte("[1,2]"), "tok1")
	wantReason(t, err, ReasonMalformedJson)
}
