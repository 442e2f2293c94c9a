package rag

import (
	"context"
	"encoding/json"

	"github.com/ananyateklu/ragcore/internal/complete"
)

// fakeCompleter is an in-process stand-in for a real completion provider,
// used across this package's tests so expansion and reranking logic can be
// exercised deterministically without a network round trip.
type fakeCompleter struct {
	structuredOut any // value to marshal into out when structuredOK is true
	structuredOK  bool
	structuredErr error
	completeText  string
	completeErr   error
	calls         int
}

func (f *fakeCompleter) Complete(_ context.Context, _ string, _ complete.Options) (string, error) {
	f.calls++
	return f.completeText, f.completeErr
}

func (f *fakeCompleter) CompleteStructured(_ context.Context, _ string, _ []byte, out any, _ complete.Options) (bool, error) {
	f.calls++
	if f.structuredErr != nil {
		return false, f.structuredErr
	}
	if !f.structuredOK {
		return false, nil
	}
	data, err := json.Marshal(f.structuredOut)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, out)
}

func (f *fakeCompleter) ModelName() string                { return "fake-model" }
func (f *fakeCompleter) Available(_ context.Context) bool { return true }
func (f *fakeCompleter) Close() error                     { return nil }

var _ complete.Completer = (*fakeCompleter)(nil)
