// Package observability exposes dispatch and HTTP metrics through an
// OpenTelemetry meter backed by a Prometheus exporter.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

const (
	attrMethod      = "method"
	attrRoute       = "route"
	attrStatus      = "status"
	attrDestination = "destination"
	attrOutcome     = "outcome"
	attrReason      = "reason"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

// routeAttr expects the matched route template (/dispatches/:id), never the
// raw path, so ids do not become label values.
func routeAttr(route string) attribute.KeyValue {
	if route == "" {
		route = "unmatched"
	}
	return attribute.String(attrRoute, route)
}

func statusAttr(code int) attribute.KeyValue {
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func destinationAttr(dest string) attribute.KeyValue {
	return attribute.String(attrDestination, dest)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}
