// Package mcp implements the server side of a line-delimited JSON-RPC
// tool protocol, letting an assistant drive darktable through the tools
// in package tools.
//
// Each input line carries one request. The Dispatcher routes it to the
// tool registry and produces at most one response; the Session reads
// lines from a stream and writes responses back in order, one per line.
//
// Recognized methods are initialize, listTools and callTool, plus the
// tools/list, tools/call and ping names used by newer clients. Lines that
// are not valid JSON and requests for unrecognized methods get no
// response. Tool failures are reported as JSON-RPC errors scoped to the
// request that caused them.
package mcp
