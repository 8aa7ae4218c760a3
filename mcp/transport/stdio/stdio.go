// Package stdio implements MCP transports over newline-delimited JSON-RPC
// on standard streams: a client that runs the server as a subprocess,
// and a server that reads its own stdin and writes its own stdout.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent/mcp/transport", "stdio")

// maxLineSize is the read buffer size for large messages
const maxLineSize = 1 << 20

// readMessages reads messages line by line until r is exhausted.
// Lines that are not valid JSON-RPC are reported and skipped.
func readMessages(ctx context.Context, r io.Reader, dispatch func(context.Context, *transport.BaseJsonRpcMessage), report func(error)) {
	reader := bufio.NewReaderSize(r, maxLineSize)
	for {
		line, err := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			msg, perr := transport.ParseMessage(line)
			if perr != nil {
				logger.KV(xlog.DEBUG, "reason", "skip_line", "line", string(line), "err", perr.Error())
				report(perr)
			} else {
				dispatch(ctx, msg)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				report(errors.Wrap(err, "read failed"))
			}
			return
		}
	}
}

func drainStderr(command string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		logger.KV(xlog.DEBUG, "command", command, "stderr", scanner.Text())
	}
}
