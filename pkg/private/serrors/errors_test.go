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

package serrors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/krillpki/krill/pkg/private/serrors"
)

func TestNew(t *testing.T) {
	err := serrors.New("resource not held", "handle", "child", "class", "0")
	assert.Equal(t, "resource not held {class=0; handle=child}", err.Error())
	assert.True(t, errors.Is(err, err))
}

func TestWrapIsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := serrors.Wrap("appending event", cause, "handle", "ta")
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "handle=ta")
}

func TestWrapSentinel(t *testing.T) {
	sentinel := serrors.New("version conflict")
	err := serrors.Wrap("processing command", sentinel, "expected", 3, "current", 5)
	assert.True(t, errors.Is(err, sentinel))
	assert.False(t, errors.Is(err, serrors.New("version conflict")))
}

func TestWithCtx(t *testing.T) {
	base := errors.New("no such publisher")
	err := serrors.WithCtx(base, "publisher", "alice")
	assert.True(t, errors.Is(err, base))
	assert.Contains(t, err.Error(), "publisher=alice")
}

func TestList(t *testing.T) {
	assert.NoError(t, serrors.List{}.ToError())
	list := serrors.List{errors.New("a"), errors.New("b")}
	assert.Error(t, list.ToError())
	assert.Equal(t, "[ a; b ]", list.Error())
}

func TestIsTimeout(t *testing.T) {
	err := serrors.Wrap("request failed", timeoutErr{})
	assert.True(t, serrors.IsTimeout(err))
	assert.False(t, serrors.IsTimeout(fmt.Errorf("other")))
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "timeout" }
func (timeoutErr) Timeout() bool { return true }
