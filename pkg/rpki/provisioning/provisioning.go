// Copyright 2026 The Krill Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package provisioning defines the up-down protocol messages (RFC 6492)
// exchanged between a child CA and its parent. Messages travel inside a
// CMS envelope; this package only deals with the XML payload.
package provisioning

import (
	"encoding/xml"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
)

// NS is the up-down protocol XML namespace.
const NS = "http://www.apnic.net/specs/rescerts/up-down/"

// Version is the protocol version.
const Version = "1"

// ContentType is the HTTP media type for up-down exchanges.
const ContentType = "application/rpki-updown"

// Message types.
const (
	TypeList           = "list"
	TypeListResponse   = "list_response"
	TypeIssue          = "issue"
	TypeIssueResponse  = "issue_response"
	TypeRevoke         = "revoke"
	TypeRevokeResponse = "revoke_response"
	TypeError          = "error_response"
)

// Error codes (RFC 6492 section 3.9).
const (
	ErrAlreadyProcessing   = 1101
	ErrBadClassName        = 1201
	ErrBadResourcesForCert = 1202
	ErrBadCertRequested    = 1301
	ErrInternalError       = 2001
)

// Message is one up-down protocol message.
type Message struct {
	XMLName   xml.Name `xml:"message"`
	Xmlns     string   `xml:"xmlns,attr"`
	Version   string   `xml:"version,attr"`
	Sender    string   `xml:"sender,attr"`
	Recipient string   `xml:"recipient,attr"`
	Type      string   `xml:"type,attr"`

	// Classes is the payload of a list_response or issue_response.
	Classes []Class `xml:"class"`
	// Request is the payload of an issue query.
	Request *IssueRequest `xml:"request"`
	// Key is the payload of a revoke query and revoke_response.
	Key *KeyElement `xml:"key"`
	// Status and Description form an error_response.
	Status      int    `xml:"status,omitempty"`
	Description string `xml:"description,omitempty"`
}

// Class describes one resource class the parent offers, with the
// certificates issued to the child in that class.
type Class struct {
	Name        string `xml:"class_name,attr"`
	CertURL     string `xml:"cert_url,attr"`
	ResourceASN string `xml:"resource_set_as,attr"`
	ResourceV4  string `xml:"resource_set_ipv4,attr"`
	ResourceV6  string `xml:"resource_set_ipv6,attr"`
	NotAfter    string `xml:"resource_set_notafter,attr"`

	// Certificates issued to the requesting child in this class.
	Certificates []CertificateElement `xml:"certificate"`
	// Issuer is the base64 DER of the issuing CA certificate.
	Issuer string `xml:"issuer"`
}

// CertificateElement carries one issued certificate, base64 DER.
type CertificateElement struct {
	CertURL string `xml:"cert_url,attr"`
	Base64  string `xml:",chardata"`
}

// IssueRequest asks the parent to sign the embedded PKCS#10 request,
// base64 DER, in the named class.
type IssueRequest struct {
	ClassName string `xml:"class_name,attr"`
	Base64    string `xml:",chardata"`
}

// KeyElement identifies a key by class and base64url SKI, for revocation.
type KeyElement struct {
	ClassName string `xml:"class_name,attr"`
	SKI       string `xml:"ski,attr"`
}

// NewMessage builds a message envelope with sender and recipient handles
// filled in.
func NewMessage(sender, recipient rpki.Handle, msgType string) *Message {
	return &Message{
		Xmlns:     NS,
		Version:   Version,
		Sender:    sender.String(),
		Recipient: recipient.String(),
		Type:      msgType,
	}
}

// Encode serializes the message.
func (m *Message) Encode() ([]byte, error) {
	raw, err := xml.Marshal(m)
	if err != nil {
		return nil, serrors.Wrap("encoding up-down message", err)
	}
	return append([]byte(xml.Header), raw...), nil
}

// Decode parses and validates a message.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := xml.Unmarshal(raw, &m); err != nil {
		return nil, serrors.Wrap("decoding up-down message", err)
	}
	if m.Version != Version {
		return nil, serrors.New("unsupported up-down version", "version", m.Version)
	}
	switch m.Type {
	case TypeList, TypeListResponse, TypeIssue, TypeIssueResponse,
		TypeRevoke, TypeRevokeResponse, TypeError:
	default:
		return nil, serrors.New("unknown up-down message type", "type", m.Type)
	}
	if m.Type == TypeIssue && m.Request == nil {
		return nil, serrors.New("issue message without request")
	}
	if (m.Type == TypeRevoke || m.Type == TypeRevokeResponse) && m.Key == nil {
		return nil, serrors.New("revoke message without key")
	}
	return &m, nil
}

// NewError builds an error_response to a received message.
func NewError(req *Message, status int, description string) *Message {
	msg := NewMessage(rpki.Handle(req.Recipient), rpki.Handle(req.Sender), TypeError)
	msg.Status = status
	msg.Description = description
	return msg
}
