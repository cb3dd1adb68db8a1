// Package voltmcp exposes a host application's agents, tools and workflows to
// external clients through the Model Context Protocol (MCP), simultaneously over
// stdio, streamable HTTP and legacy SSE transports.
//
// The server presents one uniform tool catalog and request/response contract
// regardless of which transport a client chose, while each transport keeps its
// own connection, framing and lifecycle semantics.
package voltmcp
