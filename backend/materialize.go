package backend

import (
	"context"
	"fmt"

	"github.com/xbusproject/xbus/backend/envelope"
)

// materializeEvent instantiates the runtime graph for one event from the
// metadata rows of its type.
//
// Rows with children are workers and need at least one ready role; the
// smallest ready role id is picked so the choice is deterministic. Rows
// without children are consumers and fan out to every ready role of the
// service; configured roles that are not ready are recorded as inactive
// for later replay.
func (b *Backend) materializeEvent(ctx context.Context, envelopeID, eventID, typeID, typeName string) (*envelope.Event, error) {
	rows, err := b.meta.EventTree(ctx, typeID)
	if err != nil {
		return nil, fmt.Errorf("event tree for type %s: %w", typeName, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("No graph for event type: %s", typeName)
	}

	ev := envelope.NewEvent(envelopeID, eventID, typeName, typeID)
	for _, row := range rows {
		ready := b.reg.readyRoles(row.ServiceID)

		if len(row.ChildIDs) > 0 {
			if len(ready) == 0 {
				return nil, fmt.Errorf("No ready role for service: %s", row.ServiceID)
			}
			roleID := ready[0]
			client := b.reg.client(roleID)
			if client == nil {
				return nil, fmt.Errorf("No client for role: %s", roleID)
			}
			ev.NewWorker(row.NodeID, roleID, client, row.ChildIDs, row.IsStart)
			continue
		}

		clients := make([]envelope.Recipient, 0, len(ready))
		for _, roleID := range ready {
			client := b.reg.client(roleID)
			if client == nil {
				return nil, fmt.Errorf("No client for role: %s", roleID)
			}
			clients = append(clients, client)
		}
		inactive := missingRoles(b.reg.consumerRoles(row.ServiceID), ready)
		for _, roleID := range inactive {
			if err := b.stateLog.RecordInactiveConsumer(ctx, eventID, row.NodeID, roleID); err != nil {
				b.logger.Warn("inactive_consumer_persist_failed",
					"event_id", eventID, "role_id", roleID, "error", err.Error())
			}
		}
		ev.NewConsumer(row.NodeID, ready, clients, inactive, row.IsStart)
	}
	return ev, nil
}

// missingRoles returns the configured role ids absent from the ready
// list.
func missingRoles(configured, ready []string) []string {
	readySet := make(map[string]struct{}, len(ready))
	for _, roleID := range ready {
		readySet[roleID] = struct{}{}
	}
	var missing []string
	for _, roleID := range configured {
		if _, ok := readySet[roleID]; !ok {
			missing = append(missing, roleID)
		}
	}
	return missing
}
