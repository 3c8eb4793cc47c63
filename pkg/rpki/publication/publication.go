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

// Package publication defines the publication protocol messages
// (RFC 8181) exchanged between a CA and the publication server. Messages
// travel inside a CMS envelope; this package only deals with the XML
// payload.
package publication

import (
	"encoding/xml"

	"github.com/krillpki/krill/pkg/private/serrors"
)

// NS is the publication protocol XML namespace.
const NS = "http://www.hactrn.net/uris/rpki/publication-spec/"

// Version is the protocol version.
const Version = "4"

// ContentType is the HTTP media type for publication exchanges.
const ContentType = "application/rpki-publication"

// Message kinds.
const (
	TypeQuery = "query"
	TypeReply = "reply"
)

// Error codes (RFC 8181 section 2.5).
const (
	ErrXMLError             = "xml_error"
	ErrPermissionFailure    = "permission_failure"
	ErrBadCMSSignature      = "bad_cms_signature"
	ErrObjectAlreadyPresent = "object_already_present"
	ErrNoObjectPresent      = "no_object_present"
	ErrNoObjectMatchingHash = "no_object_matching_hash"
	ErrOtherError           = "other_error"
)

// Publish is one publish element. In a query, Hash must name the replaced
// object when replacing; absent Hash requires the URI to be new. In a
// list reply, Hash reports the current object and Base64 is empty.
type Publish struct {
	Tag    string `xml:"tag,attr,omitempty"`
	URI    string `xml:"uri,attr"`
	Hash   string `xml:"hash,attr,omitempty"`
	Base64 string `xml:",chardata"`
}

// Withdraw is one withdraw element; Hash must name the current object.
type Withdraw struct {
	Tag  string `xml:"tag,attr,omitempty"`
	URI  string `xml:"uri,attr"`
	Hash string `xml:"hash,attr"`
}

// ListElement reports one currently published object in a list reply.
// In a list query, the element carries no attributes.
type ListElement struct {
	URI  string `xml:"uri,attr,omitempty"`
	Hash string `xml:"hash,attr,omitempty"`
}

// ReportError is one error element in an error reply.
type ReportError struct {
	Tag       string `xml:"tag,attr,omitempty"`
	ErrorCode string `xml:"error_code,attr"`
	ErrorText string `xml:"error_text,omitempty"`
}

// Message is one publication protocol message.
type Message struct {
	XMLName xml.Name `xml:"msg"`
	Xmlns   string   `xml:"xmlns,attr"`
	Version string   `xml:"version,attr"`
	Type    string   `xml:"type,attr"`

	// Lists is the list element: a single empty element marks a list
	// query; in a list reply each element reports one published object.
	Lists []ListElement `xml:"list"`
	// Publish and Withdraw are the elements of a publish query.
	Publish  []Publish  `xml:"publish"`
	Withdraw []Withdraw `xml:"withdraw"`
	// Success marks a success reply (empty element).
	Success *struct{} `xml:"success"`
	// Errors are the entries of an error reply.
	Errors []ReportError `xml:"report_error"`
}

// NewQuery builds an empty publish query.
func NewQuery() *Message {
	return &Message{Xmlns: NS, Version: Version, Type: TypeQuery}
}

// NewListQuery builds a list query.
func NewListQuery() *Message {
	return &Message{Xmlns: NS, Version: Version, Type: TypeQuery, Lists: []ListElement{{}}}
}

// NewSuccessReply builds a success reply.
func NewSuccessReply() *Message {
	return &Message{Xmlns: NS, Version: Version, Type: TypeReply, Success: &struct{}{}}
}

// NewListReply builds a list reply over the given elements.
func NewListReply(elements []ListElement) *Message {
	return &Message{Xmlns: NS, Version: Version, Type: TypeReply, Lists: elements}
}

// NewErrorReply builds an error reply with a single error.
func NewErrorReply(code, text string) *Message {
	return &Message{
		Xmlns: NS, Version: Version, Type: TypeReply,
		Errors: []ReportError{{ErrorCode: code, ErrorText: text}},
	}
}

// IsList reports whether the message is a list query.
func (m *Message) IsList() bool {
	return m.Type == TypeQuery && len(m.Lists) > 0
}

// Encode serializes the message.
func (m *Message) Encode() ([]byte, error) {
	raw, err := xml.Marshal(m)
	if err != nil {
		return nil, serrors.Wrap("encoding publication message", err)
	}
	return append([]byte(xml.Header), raw...), nil
}

// Decode parses and validates a message.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := xml.Unmarshal(raw, &m); err != nil {
		return nil, serrors.Wrap("decoding publication message", err)
	}
	if m.Version != Version {
		return nil, serrors.New("unsupported publication version", "version", m.Version)
	}
	if m.Type != TypeQuery && m.Type != TypeReply {
		return nil, serrors.New("unknown publication message type", "type", m.Type)
	}
	return &m, nil
}
