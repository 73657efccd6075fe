// Package redis builds the shared go-redis client used for distributed cycle
// locks and for publishing trust unlock signals.
package redis
