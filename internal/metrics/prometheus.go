package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	header(&sb, "toolmeter_uptime_seconds", "gauge", "Time since toolmeter started")
	fmt.Fprintf(&sb, "toolmeter_uptime_seconds %d\n\n", snap.Uptime)

	header(&sb, "toolmeter_requests_total", "counter", "Total number of requests by endpoint")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		fmt.Fprintf(&sb, "toolmeter_requests_total{endpoint=%q} %d\n", endpoint, snap.TotalRequests[endpoint])
	}
	sb.WriteString("\n")

	header(&sb, "toolmeter_request_errors_total", "counter", "Total number of 5xx responses by endpoint")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		fmt.Fprintf(&sb, "toolmeter_request_errors_total{endpoint=%q} %d\n", endpoint, snap.RequestErrors[endpoint])
	}
	sb.WriteString("\n")

	header(&sb, "toolmeter_requests_in_progress", "gauge", "Current number of requests being processed")
	for _, endpoint := range sortedKeys(snap.RequestsInProgress) {
		if count := snap.RequestsInProgress[endpoint]; count > 0 {
			fmt.Fprintf(&sb, "toolmeter_requests_in_progress{endpoint=%q} %d\n", endpoint, count)
		}
	}
	sb.WriteString("\n")

	header(&sb, "toolmeter_request_duration_ms_total", "counter", "Total request duration in milliseconds")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		fmt.Fprintf(&sb, "toolmeter_request_duration_ms_total{endpoint=%q} %d\n", endpoint, snap.TotalRequestsDur[endpoint])
	}
	sb.WriteString("\n")

	header(&sb, "toolmeter_rate_limit_hits_total", "counter", "Throttled requests by scope")
	for _, scope := range sortedKeys(snap.RateLimitByScope) {
		fmt.Fprintf(&sb, "toolmeter_rate_limit_hits_total{scope=%q} %d\n", scope, snap.RateLimitByScope[scope])
	}
	sb.WriteString("\n")

	header(&sb, "toolmeter_ledger_operations_total", "counter", "Balance mutations by direction, reason and outcome")
	for _, key := range sortedKeys(snap.LedgerOps) {
		p := splitKey(key, 3)
		fmt.Fprintf(&sb, "toolmeter_ledger_operations_total{direction=%q,reason=%q,outcome=%q} %d\n", p[0], p[1], p[2], snap.LedgerOps[key])
	}
	sb.WriteString("\n")

	header(&sb, "toolmeter_redemptions_total", "counter", "Redemption attempts by outcome")
	for _, outcome := range sortedKeys(snap.RedeemOutcomes) {
		fmt.Fprintf(&sb, "toolmeter_redemptions_total{outcome=%q} %d\n", outcome, snap.RedeemOutcomes[outcome])
	}
	sb.WriteString("\n")

	header(&sb, "toolmeter_activations_total", "counter", "Tool activation attempts by outcome")
	for _, outcome := range sortedKeys(snap.Activations) {
		fmt.Fprintf(&sb, "toolmeter_activations_total{outcome=%q} %d\n", outcome, snap.Activations[outcome])
	}
	sb.WriteString("\n")

	header(&sb, "toolmeter_inference_requests_total", "counter", "Inference calls by mode and outcome")
	for _, key := range sortedKeys(snap.Inference) {
		p := splitKey(key, 2)
		fmt.Fprintf(&sb, "toolmeter_inference_requests_total{mode=%q,outcome=%q} %d\n", p[0], p[1], snap.Inference[key])
	}
	sb.WriteString("\n")

	header(&sb, "toolmeter_inference_latency_ms_total", "counter", "Total inference latency in milliseconds")
	for _, mode := range sortedKeys(snap.InferenceMs) {
		fmt.Fprintf(&sb, "toolmeter_inference_latency_ms_total{mode=%q} %d\n", mode, snap.InferenceMs[mode])
	}
	sb.WriteString("\n")

	header(&sb, "toolmeter_tokens_total", "counter", "Provider-reported tokens")
	fmt.Fprintf(&sb, "toolmeter_tokens_total %d\n", snap.TokensUsed)

	return sb.String()
}

func header(sb *strings.Builder, name, kind, help string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
