// Package classify turns individual gateway telemetry records into
// display-ready timeline steps.
//
// A Registry holds a prioritized dispatch table of routes keyed on path
// prefix or suffix. Each record is matched against the most specific route
// first and handed to the protocol decoder of the route's family (MCP, LLM
// proxy, A2A agent messaging, REST backend); records no route claims fall
// back to a generic HTTP classification, and records without a path are
// reported as unclassified gateway activity. All families share one
// parameterized proxied-call step builder.
//
// Classification is best effort. Bodies that fail to decode degrade to
// generic summaries and never produce an error.
package classify
