package resolver

import "strings"

// Service types that carry agent-to-agent traffic.
const (
	ServiceTypeDIDComm          = "did-communication"
	ServiceTypeDIDCommMessaging = "DIDCommMessaging"
)

// Document is the subset of a DID document the agent consumes.
type Document struct {
	ID                 string               `json:"id"`
	Controller         string               `json:"controller,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Service            []Service            `json:"service,omitempty"`
}

// VerificationMethod is one key entry of a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller,omitempty"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
	PublicKeyBase58    string `json:"publicKeyBase58,omitempty"`
}

// Service is one service entry of a DID document.
type Service struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Priority        int      `json:"priority,omitempty"`
	RecipientKeys   []string `json:"recipientKeys,omitempty"`
	RoutingKeys     []string `json:"routingKeys,omitempty"`
	ServiceEndpoint string   `json:"serviceEndpoint"`
}

// IsCommService reports whether the service entry carries agent messaging.
func (s Service) IsCommService() bool {
	switch s.Type {
	case ServiceTypeDIDComm, ServiceTypeDIDCommMessaging:
		return true
	default:
		return false
	}
}

// CommServices returns the document's messaging services, lowest priority
// value first, preserving document order inside one priority.
func (d Document) CommServices() []Service {
	var out []Service
	for _, svc := range d.Service {
		if svc.IsCommService() && strings.TrimSpace(svc.ServiceEndpoint) != "" {
			out = append(out, svc)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
