package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MultiRPCClient spreads queries over several endpoints, moving to the next
// endpoint whenever the current one fails.
type MultiRPCClient struct {
	clients       []*RPCClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiRPCClient(endpoints []string, failThreshold int, commitment string) (*MultiRPCClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*RPCClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewRPCClient(ep).WithCommitment(commitment))
	}
	return &MultiRPCClient{
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiRPCClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].baseURL
}

func (m *MultiRPCClient) RecentSignatures(ctx context.Context, address string, limit int) ([]string, error) {
	return withFailover(ctx, m, func(c *RPCClient) ([]string, error) {
		return c.RecentSignatures(ctx, address, limit)
	})
}

func (m *MultiRPCClient) ParsedTransaction(ctx context.Context, signature string) (*ParsedTransaction, error) {
	return withFailover(ctx, m, func(c *RPCClient) (*ParsedTransaction, error) {
		return c.ParsedTransaction(ctx, signature)
	})
}

// withFailover tries each endpoint at most once, starting from the current one.
// The last error is returned when every endpoint failed, so a rate limit on
// the final attempt still surfaces as ErrRateLimited.
func withFailover[T any](ctx context.Context, m *MultiRPCClient, fn func(*RPCClient) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		client, idx := m.currentClient()
		out, err := fn(client)
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		lastErr = err
		m.noteFailure(idx)
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate(idx)
		}
	}
	return zero, lastErr
}

func (m *MultiRPCClient) currentClient() (*RPCClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiRPCClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiRPCClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiRPCClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

// rotate moves past idx unless another caller already did.
func (m *MultiRPCClient) rotate(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index != idx {
		return
	}
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
