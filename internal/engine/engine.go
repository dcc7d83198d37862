// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package engine defines the contract between the worker and the
// external processing engine.
package engine

import (
	"context"
	"slices"
)

// Failure is one item the engine could not process.
type Failure struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// BatchResult classifies every item of a batch. Items the engine does not
// mention are treated as transient failures by the caller.
type BatchResult struct {
	Succeeded []string  `json:"succeeded"`
	Transient []Failure `json:"transient"`
	Permanent []Failure `json:"permanent"`
}

// Merge appends the results of other to r.
func (r *BatchResult) Merge(other BatchResult) {
	r.Succeeded = append(r.Succeeded, other.Succeeded...)
	r.Transient = append(r.Transient, other.Transient...)
	r.Permanent = append(r.Permanent, other.Permanent...)
}

// Reported reports whether item appears anywhere in the result.
func (r *BatchResult) Reported(item string) bool {
	if slices.Contains(r.Succeeded, item) {
		return true
	}
	match := func(f Failure) bool { return f.Item == item }
	return slices.ContainsFunc(r.Transient, match) || slices.ContainsFunc(r.Permanent, match)
}

// Engine processes a batch of item paths synchronously. An error means
// the batch as a whole could not be attempted.
type Engine interface {
	Ingest(ctx context.Context, items []string) (BatchResult, error)
}

// Func adapts a function to the Engine interface.
type Func func(ctx context.Context, items []string) (BatchResult, error)

func (f Func) Ingest(ctx context.Context, items []string) (BatchResult, error) {
	return f(ctx, items)
}
