package model

import "time"

// Topic names one event stream on the bus. Topic strings double as the wire
// names delivered over the push channel.
type Topic string

const (
	TopicCertificateRenewed     Topic = "certificate-renewed"
	TopicCertificateUpdated     Topic = "certificate-updated"
	TopicCertificateDeleted     Topic = "certificate-deleted"
	TopicRenewalFailed          Topic = "renewal-failed"
	TopicCAPassphraseRequired   Topic = "ca-passphrase-required"
	TopicSchedulerStatusChanged Topic = "scheduler-status-changed"
	TopicServerStatus           Topic = "server-status"
)

// Event is the wire envelope the push channel delivers to clients.
type Event struct {
	Topic   Topic `json:"topic"`
	Payload any   `json:"payload"`
}

type CertificateRenewedEvent struct {
	OldFingerprint string   `json:"oldFingerprint"`
	NewFingerprint string   `json:"newFingerprint"`
	Name           string   `json:"name"`
	Domains        []string `json:"domains"`
}

type CertificateUpdatedEvent struct {
	Fingerprint string `json:"fingerprint"`
}

type CertificateDeletedEvent struct {
	Fingerprint string `json:"fingerprint"`
}

type RenewalFailedEvent struct {
	Fingerprint string    `json:"fingerprint"`
	ErrorKind   ErrorKind `json:"errorKind"`
	Message     string    `json:"message"`
}

type CAPassphraseRequiredEvent struct {
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
}

type SchedulerStatusChangedEvent struct {
	Enabled       bool       `json:"enabled"`
	NextExecution *time.Time `json:"nextExecution,omitempty"`
}

type ServerStatusEvent struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}
