package classifier

import (
	"fmt"
	"sort"
	"strings"
)

// Record holds what one tab saw during a single extended navigation.
type Record struct {
	// InitialHost is the site that started the extended navigation.
	InitialHost string
	// FinalHost is the destination, updated after every document load.
	FinalHost string

	// BounceHosts are all server-side and client-side redirect hosts.
	BounceHosts map[string]struct{}
	// StorageAccessHosts are sites which accessed storage.
	StorageAccessHosts map[string]struct{}
	// UserActivationHosts are sites which received user activation.
	UserActivationHosts map[string]struct{}
}

func newRecord(initialHost string) *Record {
	return &Record{
		InitialHost:         initialHost,
		BounceHosts:         make(map[string]struct{}),
		StorageAccessHosts:  make(map[string]struct{}),
		UserActivationHosts: make(map[string]struct{}),
	}
}

func (r *Record) addBounceHost(host string) {
	if host != "" {
		r.BounceHosts[host] = struct{}{}
	}
}

func (r *Record) addStorageAccessHost(host string) {
	if host != "" {
		r.StorageAccessHosts[host] = struct{}{}
	}
}

func (r *Record) addUserActivationHost(host string) {
	if host != "" {
		r.UserActivationHosts[host] = struct{}{}
	}
}

// Bounces returns the bounce hosts in sorted order.
func (r *Record) Bounces() []string {
	return sortedSet(r.BounceHosts)
}

func (r *Record) clone() *Record {
	c := newRecord(r.InitialHost)
	c.FinalHost = r.FinalHost
	for h := range r.BounceHosts {
		c.BounceHosts[h] = struct{}{}
	}
	for h := range r.StorageAccessHosts {
		c.StorageAccessHosts[h] = struct{}{}
	}
	for h := range r.UserActivationHosts {
		c.UserActivationHosts[h] = struct{}{}
	}
	return c
}

func (r *Record) String() string {
	if r == nil {
		return "null"
	}
	return fmt.Sprintf("{initialHost:%s, finalHost:%s, bounceHosts:[%s], storageAccessHosts:[%s], userActivationHosts:[%s]}",
		r.InitialHost, r.FinalHost,
		strings.Join(sortedSet(r.BounceHosts), ","),
		strings.Join(sortedSet(r.StorageAccessHosts), ","),
		strings.Join(sortedSet(r.UserActivationHosts), ","))
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
