package purge

import (
	"sort"
	"strings"
	"sync"
)

// Exceptions is the set of site hosts that are never purged. An entry also
// covers its subdomains, so "example.com" protects "login.example.com".
type Exceptions struct {
	mu    sync.RWMutex
	hosts map[string]struct{}
}

// NewExceptions creates a set holding hosts.
func NewExceptions(hosts ...string) *Exceptions {
	e := &Exceptions{hosts: make(map[string]struct{})}
	for _, h := range hosts {
		e.Add(h)
	}
	return e
}

func normalizeException(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// Add inserts host. Empty hosts are ignored.
func (e *Exceptions) Add(host string) {
	host = normalizeException(host)
	if host == "" {
		return
	}
	e.mu.Lock()
	e.hosts[host] = struct{}{}
	e.mu.Unlock()
}

// Remove deletes host and reports whether it was present.
func (e *Exceptions) Remove(host string) bool {
	host = normalizeException(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.hosts[host]; !ok {
		return false
	}
	delete(e.hosts, host)
	return true
}

// Contains reports whether siteHost or one of its parent domains is excepted.
func (e *Exceptions) Contains(siteHost string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	host := normalizeException(siteHost)
	for host != "" {
		if _, ok := e.hosts[host]; ok {
			return true
		}
		// IP literals have no parent domains.
		if strings.HasPrefix(host, "[") {
			return false
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
	return false
}

// List returns the hosts sorted.
func (e *Exceptions) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.hosts))
	for h := range e.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
