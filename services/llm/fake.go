// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"sync"
)

// FakeClient is a scripted LLMClient for tests and local development.
//
// Each call consumes the next scripted error; once the script is exhausted
// (or when Errs is empty) calls succeed with Response. Calls are counted so
// tests can assert retry behavior.
type FakeClient struct {
	Response string
	Errs     []error

	// Delay, if non-nil, is invoked before answering. Lets tests block a
	// call until a context deadline fires.
	Delay func(ctx context.Context)

	mu    sync.Mutex
	calls int
}

// Generate implements the LLMClient interface.
func (f *FakeClient) Generate(ctx context.Context, prompt string, _ GenerationParams) (string, error) {
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.mu.Unlock()

	if f.Delay != nil {
		f.Delay(ctx)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if n < len(f.Errs) && f.Errs[n] != nil {
		return "", f.Errs[n]
	}
	return f.Response, nil
}

// Calls returns how many times Generate was invoked.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ LLMClient = (*FakeClient)(nil)
