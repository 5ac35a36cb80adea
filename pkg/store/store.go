// Package store selects and builds the message store backend named by configuration.
package store

import "github.com/nimburion/runqueue/pkg/jobs"

// MessageStore is a jobs.MessageStore with the adapter lifecycle attached.
type MessageStore interface {
	jobs.MessageStore
	jobs.Adapter
}
