/*
Package events implements an in-process publish/subscribe broker used to
fan out operation progress to IPC clients.

# Architecture

	┌────────────────────── EVENT BROKER ───────────────────────┐
	│                                                              │
	│  Publisher (pkg/ipc, relaying façade progress callbacks)    │
	│        │ Publish(event)                                     │
	│        ▼                                                    │
	│  ┌───────────────┐     buffered eventCh (100)               │
	│  │    Broker     │◀───────────────────────────────────────  │
	│  └───────┬───────┘                                          │
	│          │ broadcast (non-blocking per subscriber)           │
	│          ▼                                                  │
	│  Subscriber channels (one per open IPC stream)               │
	│        │                                                     │
	│        ▼                                                    │
	│  pkg/ipc: OperationProgress / OperationComplete RPCs         │
	└──────────────────────────────────────────────────────────────┘

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{
		Type:        events.EventOperationProgress,
		OperationID: opID,
		Package:     "foo-1.0-1.x86_64",
		Current:     3,
		Total:       12,
	})

	for ev := range sub {
		// forward ev to the gRPC stream
	}

# Delivery semantics

Delivery is best-effort: a subscriber whose buffer is full is skipped for
that event rather than blocking the broadcast loop. Progress events are
inherently a "latest state wins" signal (a missed tick is superseded by
the next one), so skipping is harmless for OperationProgress; a
missed OperationComplete would be more serious, but the façade always
also persists the terminal transaction state to pkg/store, so a client
that misses the signal can still poll.
*/
package events
