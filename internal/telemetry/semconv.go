package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by SDK instruments.
const (
	// AttrEventName labels public bus events (on_new_item, on_trade_completed, ...).
	AttrEventName = attribute.Key("event.name")
	// AttrMessageType differentiates inbound frame kinds on the realtime channel.
	AttrMessageType = attribute.Key("message.type")
	// AttrNamespace identifies the socket namespace a frame travelled on.
	AttrNamespace = attribute.Key("socket.namespace")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrOperation differentiates SDK operations (identify, metadata.refresh, rest.inventory).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment.
	AttrEnvironment = attribute.Key("environment")
	// AttrSession carries the per-gateway session identifier.
	AttrSession = attribute.Key("session.id")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
)

// Connection state values.
const (
	StateConnected    = "connected"
	StateReconnected  = "reconnected"
	StateDisconnected = "disconnected"
	StateDropped      = "dropped"
	StateError        = "error"
)

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(session, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSession.String(session),
		AttrConnectionState.String(state),
	}
}

// MessageAttributes returns attributes for inbound frame metrics.
func MessageAttributes(session, namespace, messageType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSession.String(session),
		AttrNamespace.String(namespace),
		AttrMessageType.String(messageType),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
