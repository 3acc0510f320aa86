// Package v1 defines the docsync wire protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the smoke tooling and editor shells.
package v1

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the operation carried by a Message.
type Kind string

// Kind constants (wire-stable).
const (
	// KindConnect registers the sender as the session display name (client -> server).
	KindConnect Kind = "CONNECT"
	// KindConnectAck confirms CONNECT (server -> client).
	KindConnectAck Kind = "CONNECT_ACK"

	// KindOpenDocument opens (or creates) the document named by content (client -> server).
	KindOpenDocument Kind = "OPEN_DOCUMENT"
	// KindDocumentContent carries the full current document text (server -> client).
	KindDocumentContent Kind = "DOCUMENT_CONTENT"

	// KindUpdateContent carries a full replacement document text (both directions).
	KindUpdateContent Kind = "UPDATE_CONTENT"
	// KindUpdateUsers carries the comma-joined active user list (server -> client).
	KindUpdateUsers Kind = "UPDATE_USERS"

	// KindRollbackDocument carries a decimal version-history index (both directions).
	KindRollbackDocument Kind = "ROLLBACK_DOCUMENT"
	// KindRemoveUser leaves the document named by content (client -> server).
	KindRemoveUser Kind = "REMOVE_USER"

	// KindError carries a human-readable failure reason (server -> client).
	KindError Kind = "ERROR"
)

// ServerSender is the sender name stamped on server-originated messages.
const ServerSender = "Server"

// Kinds lists every protocol kind in declaration order.
var Kinds = []Kind{
	KindConnect,
	KindConnectAck,
	KindOpenDocument,
	KindDocumentContent,
	KindUpdateContent,
	KindUpdateUsers,
	KindRollbackDocument,
	KindRemoveUser,
	KindError,
}

// Valid reports whether k is one of the closed set of protocol kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindConnect,
		KindConnectAck,
		KindOpenDocument,
		KindDocumentContent,
		KindUpdateContent,
		KindUpdateUsers,
		KindRollbackDocument,
		KindRemoveUser,
		KindError:
		return true
	default:
		return false
	}
}

// ClientOriginated reports whether a client is allowed to send k.
func (k Kind) ClientOriginated() bool {
	switch k {
	case KindConnect,
		KindOpenDocument,
		KindUpdateContent,
		KindRollbackDocument,
		KindRemoveUser:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// Message is the canonical wire unit.
// Content is interpreted according to Type.
type Message struct {
	Type      Kind      `json:"type"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds a Message stamped with the current UTC time.
func New(kind Kind, sender, content string) Message {
	return Message{
		Type:      kind,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Validate performs structural validation for a Message.
func (m Message) Validate() error {
	if strings.TrimSpace(string(m.Type)) == "" {
		return ErrMissingType
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(m.Type))
	}
	return nil
}
