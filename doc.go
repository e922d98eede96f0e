// Package gqlrouter is a library to execute federated GraphQL query plans using the go programming language.
//
// About Federation
//
// In a federated graph a single GraphQL schema is composed out of multiple subgraphs, each owned by a
// separate service. A router sits in front of the subgraphs, receives client queries against the composed
// schema and resolves them by fetching from the owning subgraphs and joining the results.
//
// About this library
//
// This library implements the execution half of such a router. It takes a query plan, a tree of fetch,
// sequence, parallel, flatten, defer and condition nodes, executes the fetches against the subgraphs,
// merges the results into a single response tree and renders the response according to the GraphQL
// null propagation rules.
//
// Deferred fragments are delivered incrementally over a multipart/mixed HTTP response following the
// deferSpec=20220824 wire format, including heartbeats to keep idle connections alive.
//
// The pkg/engine/resolve package contains the executor, the pkg/engine/datasource packages contain the
// subgraph transports and pkg/http contains a ready to use HTTP handler.
package gqlrouter
