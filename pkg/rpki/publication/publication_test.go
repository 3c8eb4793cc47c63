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

package publication_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/rpki/publication"
)

func TestPublishQueryRoundTrip(t *testing.T) {
	query := publication.NewQuery()
	query.Publish = append(query.Publish, publication.Publish{
		URI: "rsync://host/repo/a.roa", Base64: "YWJj",
	})
	query.Publish = append(query.Publish, publication.Publish{
		URI: "rsync://host/repo/b.roa", Hash: "0102", Base64: "ZGVm",
	})
	query.Withdraw = append(query.Withdraw, publication.Withdraw{
		URI: "rsync://host/repo/c.roa", Hash: "0304",
	})

	raw, err := query.Encode()
	require.NoError(t, err)
	back, err := publication.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, publication.TypeQuery, back.Type)
	assert.False(t, back.IsList())
	require.Len(t, back.Publish, 2)
	assert.Equal(t, "0102", back.Publish[1].Hash)
	require.Len(t, back.Withdraw, 1)
}

func TestListQueryAndReply(t *testing.T) {
	raw, err := publication.NewListQuery().Encode()
	require.NoError(t, err)
	query, err := publication.Decode(raw)
	require.NoError(t, err)
	assert.True(t, query.IsList())

	reply := publication.NewListReply([]publication.ListElement{
		{URI: "rsync://host/repo/a.roa", Hash: "abcd"},
	})
	raw, err = reply.Encode()
	require.NoError(t, err)
	back, err := publication.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, publication.TypeReply, back.Type)
	require.Len(t, back.Lists, 1)
	assert.Equal(t, "abcd", back.Lists[0].Hash)
}

func TestErrorReply(t *testing.T) {
	reply := publication.NewErrorReply(publication.ErrNoObjectMatchingHash, "hash mismatch")
	raw, err := reply.Encode()
	require.NoError(t, err)
	back, err := publication.Decode(raw)
	require.NoError(t, err)
	require.Len(t, back.Errors, 1)
	assert.Equal(t, publication.ErrNoObjectMatchingHash, back.Errors[0].ErrorCode)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	_, err := publication.Decode([]byte(
		`<msg xmlns="http://www.hactrn.net/uris/rpki/publication-spec/" version="3" type="query"/>`))
	assert.Error(t, err)
}
