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

// Package prom contains utility functions and shared label values for
// prometheus metrics.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Common label names.
const (
	// LabelResult is the label for result classifications.
	LabelResult = "result"
	// LabelOperation is the label for the name of an executed operation.
	LabelOperation = "op"
	// LabelHandle is the label for the aggregate handle.
	LabelHandle = "handle"
)

// Common result values.
const (
	// Success is no error.
	Success = "ok_success"
	// ErrCrypto is used for signing and verification errors.
	ErrCrypto = "err_crypto"
	// ErrStore is used for event store errors.
	ErrStore = "err_store"
	// ErrConflict is a version conflict on append.
	ErrConflict = "err_conflict"
	// ErrInternal is an internal error.
	ErrInternal = "err_internal"
	// ErrInvalidReq is an invalid request or command.
	ErrInvalidReq = "err_invalid_request"
	// ErrTimeout is a timeout error.
	ErrTimeout = "err_timeout"
	// ErrNetwork is used for errors talking to a remote peer.
	ErrNetwork = "err_network"
	// ErrNotFound is used when an aggregate or object is not found.
	ErrNotFound = "err_not_found"
	// ErrValidate is used for validation errors.
	ErrValidate = "err_validate"
)

// NewCounterVec creates a counter vector registered with the default
// registry.
func NewCounterVec(namespace, subsystem, name, help string,
	labelNames []string) *prometheus.CounterVec {

	return promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labelNames,
	)
}

// NewGaugeVec creates a gauge vector registered with the default registry.
func NewGaugeVec(namespace, subsystem, name, help string,
	labelNames []string) *prometheus.GaugeVec {

	return promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labelNames,
	)
}

// SafeRegister registers c and returns the registered collector. If c was
// already registered the existing collector is returned. Any other error
// panics, as with MustRegister.
func SafeRegister(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
