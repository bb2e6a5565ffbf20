package gatewayhttp

import "go.opentelemetry.io/otel/attribute"

func attrStr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
