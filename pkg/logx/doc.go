// Package logx configures blockplacer's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional relay sink that forwards important lines to an operator
//     chat through a transport.Sender (min-level + rate limiting)
package logx
