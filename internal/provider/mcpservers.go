package provider

import (
	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
)

// extensionConfigsToMCPServers is C5: projects the configured extensions into
// the ACP wire representation, filtering against the peer's advertised MCP
// capabilities (spec §4.5). Stdio servers need no capability — ACP agents
// that accept MCP servers at all are assumed to support launching them.
// Streamable-HTTP servers are dropped when the peer hasn't advertised Http
// support; legacy SSE servers are always dropped (migrate to Streamable-HTTP).
// Unknown kinds are dropped. Drops are logged at debug level, not surfaced as
// errors — a single misconfigured extension should not fail the session.
func extensionConfigsToMCPServers(logger *zap.Logger, extensions []ExtensionConfig, caps acp.McpCapabilities) []acp.McpServer {
	out := make([]acp.McpServer, 0, len(extensions))
	for _, ext := range extensions {
		switch ext.Kind {
		case ExtensionStdio:
			out = append(out, acp.McpServer{
				Stdio: &acp.McpServerStdio{
					Name:    ext.Name,
					Command: ext.Command,
					Args:    append([]string{}, ext.Args...),
					Env:     envVariables(ext.Env),
				},
			})

		case ExtensionStreamableHTTP:
			if !caps.Http {
				logger.Debug("dropping streamable-http extension: peer does not advertise http capability",
					zap.String("extension", ext.Name))
				continue
			}
			out = append(out, acp.McpServer{
				Http: &acp.McpServerHttp{
					Name:    ext.Name,
					Url:     ext.URL,
					Headers: httpHeaders(ext.Headers),
				},
			})

		case ExtensionSSE:
			logger.Debug("dropping legacy sse extension: migrate to streamable-http",
				zap.String("extension", ext.Name))

		default:
			logger.Debug("dropping extension of unknown kind", zap.String("extension", ext.Name))
		}
	}
	return out
}

func envVariables(env map[string]string) []acp.EnvVariable {
	if len(env) == 0 {
		return nil
	}
	out := make([]acp.EnvVariable, 0, len(env))
	for name, value := range env {
		out = append(out, acp.EnvVariable{Name: name, Value: value})
	}
	return out
}

func httpHeaders(headers map[string]string) []acp.HttpHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]acp.HttpHeader, 0, len(headers))
	for name, value := range headers {
		out = append(out, acp.HttpHeader{Name: name, Value: value})
	}
	return out
}
