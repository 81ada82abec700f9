package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"bitbucket.org/mmdatafocus/intake_backend/models"
)

// BuildJSONDocument normalizes a structured intake payload (the non-email
// path). The body itself is parsed later by the parse worker; here it only
// has to be a JSON object so the content hash is meaningful.
func BuildJSONDocument(rawBody []byte, mailboxToken string) (*IngestableDocument, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(rawBody, &doc); err != nil {
		return nil, payloadError(ReasonMalformedJson, err.Error())
	}

	hash := sha256.Sum256(rawBody)

	ingestable := &IngestableDocument{
		Channel:        models.InboundChannelApiJson,
		MailboxToken:   mailboxToken,
		RawContent:     rawBody,
		RawContentType: "application/json",
		ContentHash:    hex.EncodeToString(hash[:]),
	}
	if email, ok := doc["sender_email"].(string); ok {
		ingestable.SenderEmail = strings.TrimSpace(email)
	}
	if subject, ok := doc["subject"].(string); ok {
		ingestable.Subject = strings.TrimSpace(subject)
	}
	return ingestable, nil
}
