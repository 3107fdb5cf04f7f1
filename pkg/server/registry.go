// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/n0ot/ajaxchan/pkg/channel"
	"github.com/n0ot/ajaxchan/pkg/queue"
)

// maxTrackedChannels bounds how many distinct channels the registry remembers.
// Channel names come from clients, so the least recently used names are forgotten past this.
const maxTrackedChannels = 1024

type registry struct {
	lock           sync.RWMutex // Protects the entire registry
	clients        map[uint64]*client
	nextID         uint64
	channels       *lru.Cache[string, struct{}] // Channels requests were recently sent on
	requests       map[string]int               // Outcomes by name
	createdTime    time.Time
	maxClients     int
	maxClientsTime time.Time
}

func newRegistry() *registry {
	channels, err := lru.New[string, struct{}](maxTrackedChannels)
	if err != nil {
		panic(err)
	}
	now := time.Now()
	return &registry{
		clients:        make(map[uint64]*client),
		channels:       channels,
		requests:       make(map[string]int),
		createdTime:    now,
		maxClientsTime: now,
	}
}

// Stats contains summary information about a registry.
type Stats struct {
	Uptime         time.Duration  `json:"uptime"`
	NumClients     int            `json:"num_clients"`
	MaxClients     int            `json:"max_clients"`
	MaxClientsTime time.Time      `json:"max_clients_at"`
	NumChannels    int            `json:"num_channels"`
	Requests       map[string]int `json:"requests"`
}

// Stats gets stats for this registry.
func (reg *registry) Stats() Stats {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	requests := make(map[string]int, len(reg.requests))
	for k, v := range reg.requests {
		requests[k] = v
	}
	return Stats{
		Uptime:         time.Since(reg.createdTime),
		NumClients:     len(reg.clients),
		MaxClients:     reg.maxClients,
		MaxClientsTime: reg.maxClientsTime,
		NumChannels:    reg.channels.Len(),
		Requests:       requests,
	}
}

// add registers c, and assigns it an ID.
func (reg *registry) add(c *client) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	c.id = reg.nextID
	reg.nextID++
	reg.clients[c.id] = c
	if len(reg.clients) > reg.maxClients {
		reg.maxClients = len(reg.clients)
		reg.maxClientsTime = time.Now()
	}
}

func (reg *registry) remove(c *client) {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	delete(reg.clients, c.id)
}

// each calls fn for every registered client.
func (reg *registry) each(fn func(*client)) {
	reg.lock.RLock()
	clients := make([]*client, 0, len(reg.clients))
	for _, c := range reg.clients {
		clients = append(clients, c)
	}
	reg.lock.RUnlock()

	for _, c := range clients {
		fn(c)
	}
}

// Observe counts a request outcome. It implements queue.Observer.
func (reg *registry) Observe(c channel.Channel, o queue.Outcome) {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	reg.channels.Add(c.String(), struct{}{})
	reg.requests[o.String()]++
}
