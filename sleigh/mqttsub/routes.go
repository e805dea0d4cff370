// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package mqttsub

import (
	"strings"

	"github.com/spf13/pflag"
)

// Route binds one MQTT topic filter to a store table.
type Route struct {
	Pattern     string
	Table       string
	Description string
}

// Routes is an ordered route list. It implements pflag.Value so the whole
// map can be configured as one flag of the form
// "pattern:table:description;pattern:table:description".
type Routes []Route

// Ensure that Routes implements pflag.Value.
var _ pflag.Value = (*Routes)(nil)

// String returns the flag form of the routes.
func (routes Routes) String() string {
	parts := make([]string, 0, len(routes))
	for _, route := range routes {
		part := route.Pattern + ":" + route.Table
		if route.Description != "" {
			part += ":" + route.Description
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ";")
}

// Set parses the flag form. Empty segments are skipped so trailing
// semicolons are harmless.
func (routes *Routes) Set(value string) error {
	parsed := Routes{}
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 3)
		if len(fields) < 2 {
			return Error.New("malformed route %q: want pattern:table or pattern:table:description", part)
		}
		route := Route{
			Pattern: strings.TrimSpace(fields[0]),
			Table:   strings.TrimSpace(fields[1]),
		}
		if len(fields) == 3 {
			route.Description = strings.TrimSpace(fields[2])
		}
		if route.Pattern == "" || route.Table == "" {
			return Error.New("malformed route %q: empty pattern or table", part)
		}
		parsed = append(parsed, route)
	}
	*routes = parsed
	return nil
}

// Type implements pflag.Value.
func (Routes) Type() string { return "mqttsub.Routes" }

// Tables returns the distinct target tables in first-seen order.
func (routes Routes) Tables() []string {
	var tables []string
	seen := make(map[string]bool)
	for _, route := range routes {
		if !seen[route.Table] {
			seen[route.Table] = true
			tables = append(tables, route.Table)
		}
	}
	return tables
}

// Table resolves the first route whose pattern matches topic.
func (routes Routes) Table(topic string) (string, bool) {
	for _, route := range routes {
		if MatchTopic(route.Pattern, topic) {
			return route.Table, true
		}
	}
	return "", false
}

// MatchTopic reports whether an MQTT topic filter matches a concrete topic.
// "+" matches exactly one level, "#" matches the remaining levels and is
// only valid in the final position.
func MatchTopic(pattern, topic string) bool {
	levels := strings.Split(pattern, "/")
	parts := strings.Split(topic, "/")
	for i, level := range levels {
		if level == "#" {
			return i == len(levels)-1
		}
		if i >= len(parts) {
			return false
		}
		if level != "+" && level != parts[i] {
			return false
		}
	}
	return len(levels) == len(parts)
}
