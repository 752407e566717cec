package firehose

import (
	"context"

	"github.com/wrenfeed/pds/storage"
)

// NotifyFunc returns the function to assign to repo.Repo.OnEvent so
// that every successful commit wakes every Pump sharing this Hub. The
// event itself isn't needed here: subscribers re-read it from the
// store by sequence number, the Hub only tells them something changed.
func NotifyFunc(hub *Hub) func(context.Context, storage.Event) {
	return func(context.Context, storage.Event) {
		hub.Notify()
	}
}
