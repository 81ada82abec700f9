package intake

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/models"
)

// Machine-readable reasons carried back to the webhook caller on a 400.
const (
	ReasonMalformedJson           = "malformed_json"
	ReasonMissingMessageId        = "missing_messageid"
	ReasonMissingMailboxHash      = "missing_mailboxhash"
	ReasonMissingSubject          = "missing_subject"
	ReasonMissingDate             = "missing_date"
	ReasonMissingFromFull         = "missing_fromfull"
	ReasonAttachmentInvalidName   = "attachment_invalid_name"
	ReasonAttachmentInvalidBase64 = "attachment_invalid_base64"
)

// PostmarkPayloadError is a payload validation failure. It is always the
// caller's fault and always recoverable by resending a corrected payload.
type PostmarkPayloadError struct {
	Reason string
	Detail string
}

func (e *PostmarkPayloadError) Error() string {
	if e.Detail == "" {
		return "invalid inbound payload: " + e.Reason
	}
	return fmt.Sprintf("invalid inbound payload: %s (%s)", e.Reason, e.Detail)
}

func payloadError(reason string, detail string) error {
	return &PostmarkPayloadError{Reason: reason, Detail: detail}
}

type postmarkFromFull struct {
	Email string `json:"Email"`
	Name  string `json:"Name"`
}

type postmarkAttachment struct {
	Name          string `json:"Name"`
	Content       string `json:"Content"`
	ContentType   string `json:"ContentType"`
	ContentLength int    `json:"ContentLength"`
}

// PostmarkInboundPayload mirrors the mail relay's inbound webhook shape.
type PostmarkInboundPayload struct {
	MessageID   string               `json:"MessageID"`
	MailboxHash string               `json:"MailboxHash"`
	Subject     string               `json:"Subject"`
	Date        string               `json:"Date"`
	TextBody    string               `json:"TextBody"`
	HtmlBody    string               `json:"HtmlBody"`
	FromFull    *postmarkFromFull    `json:"FromFull"`
	Attachments []postmarkAttachment `json:"Attachments"`
}

// IngestableAttachment is a decoded attachment ready for blob storage.
type IngestableAttachment struct {
	Name          string
	Content       []byte
	ContentType   string
	ContentLength int
}

// IngestableDocument is the canonical form of one inbound document. It exists
// only during ingestion; the draft row is its persistent shadow.
type IngestableDocument struct {
	Channel        models.InboundChannel
	MessageID      string
	MailboxToken   string
	RawContent     []byte
	RawContentType string
	ContentHash    string
	SenderEmail    string
	SenderName     string
	Subject        string
	TextBody       string
	HtmlBody       string
	EmailDate      *time.Time
	Attachments    []IngestableAttachment
}

// ParsePostmarkPayload validates the raw webhook body and normalizes it. The
// content hash is a SHA-256 digest over the raw body bytes, so byte-identical
// provider retries always hash the same and dedup upstream of draft creation.
func ParsePostmarkPayload(rawBody []byte) (*IngestableDocument, error) {
	var payload PostmarkInboundPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, payloadError(ReasonMalformedJson, err.Error())
	}

	if strings.TrimSpace(payload.MessageID) == "" {
		return nil, payloadError(ReasonMissingMessageId, "")
	}
	if strings.TrimSpace(payload.MailboxHash) == "" {
		return nil, payloadError(ReasonMissingMailboxHash, "")
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return nil, payloadError(ReasonMissingSubject, "")
	}
	if strings.TrimSpace(payload.Date) == "" {
		return nil, payloadError(ReasonMissingDate, "")
	}
	if payload.FromFull == nil || strings.TrimSpace(payload.FromFull.Email) == "" {
		return nil, payloadError(ReasonMissingFromFull, "")
	}

	attachments := make([]IngestableAttachment, 0, len(payload.Attachments))
	for i, att := range payload.Attachments {
		if strings.TrimSpace(att.Name) == "" {
			return nil, payloadError(ReasonAttachmentInvalidName, fmt.Sprintf("attachment %d", i))
		}
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return nil, payloadError(ReasonAttachmentInvalidBase64, fmt.Sprintf("attachment %q", att.Name))
		}
		attachments = append(attachments, IngestableAttachment{
			Name:          att.Name,
			Content:       content,
			ContentType:   att.ContentType,
			ContentLength: att.ContentLength,
		})
	}

	hash := sha256.Sum256(rawBody)

	return &IngestableDocument{
		Channel:        models.InboundChannelEmailWebhook,
		MessageID:      payload.MessageID,
		MailboxToken:   payload.MailboxHash,
		RawContent:     rawBody,
		RawContentType: "application/json",
		ContentHash:    hex.EncodeToString(hash[:]),
		SenderEmail:    payload.FromFull.Email,
		SenderName:     payload.FromFull.Name,
		Subject:        payload.Subject,
		TextBody:       payload.TextBody,
		HtmlBody:       payload.HtmlBody,
		EmailDate:      parseEmailDate(payload.Date),
		Attachments:    attachments,
	}, nil
}

var emailDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	time.RFC3339,
	"2006-01-02",
}

// parseEmailDate is best effort; an unparseable header is nil, not an error,
// since the document body usually carries its own date.
func parseEmailDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	for _, layout := range emailDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
