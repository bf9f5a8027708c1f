package memory

import (
	"context"
	"sync"

	"github.com/haasonsaas/runloop/pkg/models"
)

// InMemoryProvider keeps conversations in process memory. Suitable for
// tests and single-node deployments without durability needs.
type InMemoryProvider struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation

	locksMu sync.Mutex
	locks   map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewInMemoryProvider creates an empty provider.
func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{
		conversations: make(map[string]*Conversation),
		locks:         make(map[string]*convLock),
	}
}

// lockConversation serializes writers per conversation id. The returned
// function releases the lock and drops the entry once unreferenced.
func (p *InMemoryProvider) lockConversation(id string) func() {
	p.locksMu.Lock()
	lock := p.locks[id]
	if lock == nil {
		lock = &convLock{}
		p.locks[id] = lock
	}
	lock.refs++
	p.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		p.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(p.locks, id)
		}
		p.locksMu.Unlock()
	}
}

func (p *InMemoryProvider) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conv, ok := p.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (p *InMemoryProvider) AppendMessages(ctx context.Context, id string, msgs []models.Message, metadataPatch map[string]any) error {
	unlock := p.lockConversation(id)
	defer unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	conv, ok := p.conversations[id]
	if !ok {
		conv = &Conversation{ID: id}
		p.conversations[id] = conv
	}
	conv.Messages = append(conv.Messages, msgs...)
	if len(metadataPatch) > 0 {
		conv.Metadata = MergeMetadata(conv.Metadata, metadataPatch)
	}
	return nil
}

func (p *InMemoryProvider) StoreMessages(ctx context.Context, id string, msgs []models.Message, metadata map[string]any) error {
	unlock := p.lockConversation(id)
	defer unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conversations[id]; ok {
		return nil
	}
	conv := &Conversation{ID: id}
	conv.Messages = append(conv.Messages, msgs...)
	if len(metadata) > 0 {
		conv.Metadata = MergeMetadata(nil, metadata)
	}
	p.conversations[id] = conv
	return nil
}

func (p *InMemoryProvider) DeleteConversation(ctx context.Context, id string) (bool, error) {
	unlock := p.lockConversation(id)
	defer unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conversations[id]
	delete(p.conversations, id)
	return ok, nil
}

func (p *InMemoryProvider) HealthCheck(ctx context.Context) error {
	return nil
}

func cloneConversation(conv *Conversation) *Conversation {
	out := &Conversation{ID: conv.ID}
	out.Messages = append([]models.Message(nil), conv.Messages...)
	if conv.Metadata != nil {
		out.Metadata = MergeMetadata(conv.Metadata, nil)
	}
	return out
}
