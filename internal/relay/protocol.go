package relay

import "encoding/json"

// ErrorKind enumerates the reasons an Error frame carries.
type ErrorKind string

const (
	KindInvalidAddress        ErrorKind = "InvalidAddress"
	KindInvalidSignature      ErrorKind = "InvalidSignature"
	KindUnknownRequest        ErrorKind = "UnknownRequest"
	KindProtocolViolation     ErrorKind = "ProtocolViolation"
	KindSlateTooLarge         ErrorKind = "SlateTooLarge"
	KindMailboxFull           ErrorKind = "MailboxFull"
	KindSubscriptionLimit     ErrorKind = "SubscriptionLimit"
	KindFederationUnavailable ErrorKind = "FederationUnavailable"
	KindInternalError         ErrorKind = "InternalError"
)

// envelope peeks at the "type" discriminator common to every inbound
// frame without committing to a concrete shape.
type envelope struct {
	Type string `json:"type"`
}

// subscribeRequest is the inbound Subscribe frame.
type subscribeRequest struct {
	Type      string `json:"type"`
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// unsubscribeRequest is the inbound Unsubscribe frame. No signature is
// required: only the session already holding the handle can release it.
type unsubscribeRequest struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

// postSlateRequest is the inbound PostSlate frame.
type postSlateRequest struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Str       string `json:"str"`
	Signature string `json:"signature"`
}

// challengeFrame greets a session and re-announces rotations.
type challengeFrame struct {
	Type string `json:"type"`
	Str  string `json:"str"`
}

func newChallengeFrame(current string) challengeFrame {
	return challengeFrame{Type: "Challenge", Str: current}
}

// okFrame acknowledges a successful Subscribe, Unsubscribe, or PostSlate.
type okFrame struct {
	Type string `json:"type"`
}

func newOkFrame() okFrame {
	return okFrame{Type: "Ok"}
}

// errorFrame reports a request-scoped or fatal failure.
type errorFrame struct {
	Type        string    `json:"type"`
	Kind        ErrorKind `json:"kind"`
	Description string    `json:"description"`
}

func newErrorFrame(kind ErrorKind, description string) errorFrame {
	return errorFrame{Type: "Error", Kind: kind, Description: description}
}

// slateFrame delivers a posted message to a subscriber's socket.
type slateFrame struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Str       string `json:"str"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

func newSlateFrame(from, to, str, challenge, signature string) slateFrame {
	return slateFrame{
		Type:      "Slate",
		From:      from,
		To:        to,
		Str:       str,
		Challenge: challenge,
		Signature: signature,
	}
}

// decodeType returns the "type" discriminator of a raw inbound frame.
// Unknown fields are ignored by design; only the type is consulted
// before routing to the concrete shape.
func decodeType(raw []byte) (string, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", err
	}
	return e.Type, nil
}
