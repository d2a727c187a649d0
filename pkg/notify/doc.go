/*
Package notify delivers operator alerts as fire and forget.

A Notifier never blocks its caller on delivery trouble: failures are
logged and dropped. The log-backed notifier is the default; the webhook
notifier posts JSON to an HTTP endpoint. NewLimited wraps any notifier
in a token bucket so an alert storm (a flapping breaker, a site going
dark) collapses to a bounded rate instead of drowning the channel.

The Forwarder bridges the event broker to a notifier, passing through
only the event types worth waking someone for.
*/
package notify
