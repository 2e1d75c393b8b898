package queue

import "context"

// Appender adds entries to the tail of the queue
type Appender interface {
	// Append stores e and returns its assigned id. Ids increase monotonically.
	Append(ctx context.Context, e Entry) (int64, error)
}

// Lister reads the queue
type Lister interface {
	// List returns every pending entry in ascending id order
	List(ctx context.Context) ([]Entry, error)

	// Len returns the number of pending entries
	Len(ctx context.Context) (int, error)
}

// Clearer removes replayed entries
type Clearer interface {
	// Clear deletes every entry with id <= throughID in one transaction
	Clear(ctx context.Context, throughID int64) error
}

// Store is the Durable Queue Store
type Store interface {
	Appender
	Lister
	Clearer
	Close() error
}
