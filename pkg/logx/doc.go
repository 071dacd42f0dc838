// Package logx configures pacebot's structured logging.
//
// A small value type (logx.Logger) wraps zerolog so that:
//   - console output stays readable (short timestamp, file:line caller)
//   - file output is JSON, one event per line
//   - warnings and errors can be republished on the event bus, throttled,
//     so API clients watching /api/status see operational problems
package logx
