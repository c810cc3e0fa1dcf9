package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twinclawhq/twinclaw/internal/bus"
)

// DefaultIncidentCapacity bounds the in-memory incident ring.
const DefaultIncidentCapacity = 100

// Incident is one operator-relevant runtime event kept for the incidents
// topic.
type Incident struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// Incidents is a bounded ring of recent failures fed from the bus: dead
// letters, channel outages, rejected webhooks, scheduler job errors, and
// recovered worker panics.
type Incidents struct {
	mu   sync.Mutex
	ring []Incident
	max  int
}

// NewIncidents subscribes the feed to the bus. capacity <= 0 uses the
// default.
func NewIncidents(b *bus.Bus, capacity int) *Incidents {
	if capacity <= 0 {
		capacity = DefaultIncidentCapacity
	}
	inc := &Incidents{max: capacity}
	b.Subscribe("hub-incidents", inc.onEvent)
	return inc
}

func (i *Incidents) onEvent(ev bus.Event) {
	var detail string
	switch ev.Name {
	case bus.EventQueueDeadLetter:
		p, ok := ev.Payload.(bus.DeliveryEventPayload)
		if !ok {
			return
		}
		detail = fmt.Sprintf("%s/%s record %s after %d attempts: %s", p.Platform, p.ChatID, p.ID, p.Attempts, p.Error)
	case bus.EventChannelDown:
		p, ok := ev.Payload.(bus.ChannelEventPayload)
		if !ok {
			return
		}
		detail = p.Platform
		if p.Detail != "" {
			detail += ": " + p.Detail
		}
	case bus.EventWebhookRejected:
		p, ok := ev.Payload.(bus.WebhookEventPayload)
		if !ok {
			return
		}
		detail = fmt.Sprintf("task %s %s/%s", p.TaskID, p.EventType, p.Status)
	case bus.EventJobError:
		p, ok := ev.Payload.(bus.JobEventPayload)
		if !ok {
			return
		}
		detail = p.JobID + ": " + p.Error
	case bus.EventWorkerPanic:
		detail = fmt.Sprintf("%v", ev.Payload)
	default:
		return
	}

	i.push(Incident{At: ev.TS, Kind: ev.Name, Detail: detail})
}

func (i *Incidents) push(in Incident) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ring = append(i.ring, in)
	if len(i.ring) > i.max {
		i.ring = i.ring[len(i.ring)-i.max:]
	}
}

// List returns the kept incidents, newest first.
func (i *Incidents) List() []Incident {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Incident, len(i.ring))
	for n, in := range i.ring {
		out[len(i.ring)-1-n] = in
	}
	return out
}

// Snapshot is the Source adapter for the incidents topic.
func (i *Incidents) Snapshot(context.Context) (any, error) {
	list := i.List()
	return struct {
		Count     int        `json:"count"`
		Incidents []Incident `json:"incidents"`
	}{Count: len(list), Incidents: list}, nil
}
