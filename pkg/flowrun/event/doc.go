// Package event distributes run notifications to live observers.
//
// The engine publishes three kinds of events per run:
//   - status: the run entered running, completed or failed
//   - log: one execution step was recorded (the step travels in the "data" field)
//   - keepalive: sent to idle subscribers only
//
// A Broadcaster keeps one buffered channel per subscription. Publishing is a
// non-blocking hand-off; when a buffer is full the event is dropped for that
// subscriber and Config.OnDrop is called.
package event
