// Package providertest provides an in-memory provider.Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/teranos/cadence/provider"
)

// Sent is a message accepted by the fake.
type Sent struct {
	Account  provider.Account
	Raw      []byte
	ThreadID string
	Result   provider.SendResult
}

// Fake records sends and serves canned threads.
type Fake struct {
	mu      sync.Mutex
	sent    []Sent
	threads map[string][]provider.Message
	headers map[string]provider.Headers
	seq     int
	reads   int

	SendErr   error
	ThreadErr error
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		threads: make(map[string][]provider.Message),
		headers: make(map[string]provider.Headers),
	}
}

// SetThread replaces the messages returned for threadID.
func (f *Fake) SetThread(threadID string, msgs ...provider.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[threadID] = msgs
}

// SetHeaders sets the headers GetMessage returns for id.
func (f *Fake) SetHeaders(id string, h provider.Headers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers[id] = h
}

// Sent returns every accepted send.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// ThreadReads counts GetThread calls.
func (f *Fake) ThreadReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// SendMessage assigns message ids msg-1, msg-2, ... and a new thread
// thread-N when threadID is empty.
func (f *Fake) SendMessage(_ context.Context, acct provider.Account, raw []byte, threadID string) (provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return provider.SendResult{}, f.SendErr
	}
	f.seq++
	res := provider.SendResult{MessageID: fmt.Sprintf("msg-%d", f.seq), ThreadID: threadID}
	if res.ThreadID == "" {
		res.ThreadID = fmt.Sprintf("thread-%d", f.seq)
	}
	f.sent = append(f.sent, Sent{Account: acct, Raw: raw, ThreadID: threadID, Result: res})
	return res, nil
}

// GetThread returns the messages set for threadID.
func (f *Fake) GetThread(_ context.Context, _ provider.Account, threadID string) ([]provider.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.ThreadErr != nil {
		return nil, f.ThreadErr
	}
	return f.threads[threadID], nil
}

// GetMessage returns the headers set for id, empty when none are.
func (f *Fake) GetMessage(_ context.Context, _ provider.Account, id string, _ ...string) (provider.Headers, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[id], nil
}

var _ provider.Provider = (*Fake)(nil)
