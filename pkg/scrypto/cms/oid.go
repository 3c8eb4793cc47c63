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

package cms

import "encoding/asn1"

// Object identifiers for the CMS structures and the RPKI signed object
// content types.
var (
	// OIDSignedData is id-signedData (RFC 5652).
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	// OIDAttrContentType is the content-type signed attribute.
	OIDAttrContentType = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	// OIDAttrMessageDigest is the message-digest signed attribute.
	OIDAttrMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	// OIDAttrSigningTime is the signing-time signed attribute.
	OIDAttrSigningTime = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}

	// OIDDigestSHA256 is the SHA-256 digest algorithm.
	OIDDigestSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	// OIDSignatureRSA is the rsaEncryption signature algorithm identifier
	// used in SignerInfo per RFC 7935.
	OIDSignatureRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	// OIDSignatureSHA256WithRSA is sha256WithRSAEncryption, accepted on
	// decode.
	OIDSignatureSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}

	// OIDContentManifest is the manifest eContent type (RFC 6486).
	OIDContentManifest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 26}
	// OIDContentROA is the ROA eContent type (RFC 6482).
	OIDContentROA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 24}
	// OIDContentXML is the protocol message eContent type shared by the
	// up-down (RFC 6492) and publication (RFC 8181) protocols.
	OIDContentXML = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 28}
)
