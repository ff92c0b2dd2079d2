// Package mcp implements the Model Context Protocol (MCP), a JSON-RPC based
// protocol for connecting Large Language Model (LLM) applications with external
// data sources and tools. It follows the official specification from
// https://spec.modelcontextprotocol.io/specification/.
//
// The package provides both sides of the protocol. Server registers tools,
// resources, resource templates, and prompts and serves them over a transport;
// Client connects through a transport and exposes typed calls for every
// protocol operation. StdIO and the SSE types implement the transports the
// protocol defines, and both plug into either end.
package mcp
