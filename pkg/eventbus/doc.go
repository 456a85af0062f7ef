// Package eventbus provides per-plan ordered, replayable event streams.
//
// Every plan has its own stream with sequence numbers assigned at publish
// time, starting at 1 with no gaps. Streams retain their log, so a late
// subscriber can replay from any offset and then follow live events on the
// same channel. Per-subscriber buffers are bounded; a consumer that cannot
// keep up is disconnected instead of slowing publishers.
package eventbus
