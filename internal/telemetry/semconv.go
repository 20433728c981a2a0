// Package telemetry provides semantic conventions for backsim observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for backsim-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Simulation attributes
	AttrSimulation     = attribute.Key("simulation")
	AttrStrategyKind   = attribute.Key("strategy.kind")
	AttrNetting        = attribute.Key("netting.engine")
	AttrAccount        = attribute.Key("account")
	AttrTradingSession = attribute.Key("trading_session")

	// Market data attributes
	AttrSource   = attribute.Key("source")
	AttrSymbol   = attribute.Key("symbol")
	AttrInterval = attribute.Key("interval")

	// Outcome attributes
	AttrResult = attribute.Key("result")
	AttrReason = attribute.Key("reason")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")
)

// Result values
const (
	ResultOK     = "ok"
	ResultError  = "error"
	ResultCached = "cached"
)

// Helper functions for creating common attribute sets

// PlanAttributes returns common attributes for per-plan metrics.
func PlanAttributes(environment, simulation, strategyKind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSimulation.String(simulation),
		AttrStrategyKind.String(strategyKind),
	}
}

// SubscriptionAttributes returns common attributes for market data load metrics.
func SubscriptionAttributes(environment, source, symbol string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrSymbol.String(symbol),
	}
}

// OutcomeAttributes returns attributes describing how a plan finished.
func OutcomeAttributes(environment, result, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}
