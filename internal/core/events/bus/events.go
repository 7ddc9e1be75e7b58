package bus

import "github.com/zeusync/netsync/internal/core/models"

// Event types published by the server and the client.
const (
	ClientConnected    = "client.connected"
	ClientDisconnected = "client.disconnected"

	EntitySpawned     = "entity.spawned"
	EntityDespawned   = "entity.despawned"
	ComponentInserted = "component.inserted"
	ComponentUpdated  = "component.updated"
	ComponentRemoved  = "component.removed"

	MessageReceived = "message.received"
)

// ConnectionEvent is the data of ClientConnected and ClientDisconnected.
type ConnectionEvent struct {
	ClientID models.ClientID
	Reason   string
}

// MessageEvent is the data of MessageReceived.
type MessageEvent struct {
	ClientID models.ClientID
	Payload  []byte
}
