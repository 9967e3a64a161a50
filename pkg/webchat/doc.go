// Package webchat keeps a running conversation with a remote bot service.
//
// Ownership model:
//   - A Manager owns exactly one conversation record. Nothing outside the
//     package mutates it; callers go through the Send*/Reset operations.
//   - Every transition replaces the record and delivers a deep-copied State to
//     each listener, in registration order, before the triggering call returns.
//   - Transport selection is by bot url: wss:// keeps a websocket open and
//     replies arrive on its read loop, anything else POSTs one request per send.
//
// Send operations never return errors. A failed dispatch appends a bot turn
// built from the configured failure messages instead.
package webchat
