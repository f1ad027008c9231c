package transport

import (
	"github.com/openhearth/hearthd/pkg/types"
)

// Header names of the device protocol.
const (
	HeaderDeviceSerial     = "X-nl-Device-Serial"
	HeaderServiceTimestamp = "X-nl-Service-Timestamp"
)

// ObjectRef is a bucket reference without its value, as returned by the
// listing and PUT endpoints.
type ObjectRef struct {
	ObjectKey       string `json:"object_key"`
	ObjectRevision  int64  `json:"object_revision"`
	ObjectTimestamp int64  `json:"object_timestamp"`
}

// Object is a full bucket on the wire.
type Object struct {
	ObjectKey       string         `json:"object_key"`
	ObjectRevision  int64          `json:"object_revision"`
	ObjectTimestamp int64          `json:"object_timestamp"`
	Value           map[string]any `json:"value"`
}

func objectFromBucket(b *types.Bucket) Object {
	return Object{
		ObjectKey:       b.Key,
		ObjectRevision:  b.Revision,
		ObjectTimestamp: b.Timestamp,
		Value:           b.Value,
	}
}

func refFromBucket(b *types.Bucket) ObjectRef {
	return ObjectRef{
		ObjectKey:       b.Key,
		ObjectRevision:  b.Revision,
		ObjectTimestamp: b.Timestamp,
	}
}

// SubscribeRequest is the body of POST /nest/transport.
type SubscribeRequest struct {
	Session string            `json:"session"`
	Chunked bool              `json:"chunked"`
	Objects []SubscribeObject `json:"objects"`
}

// SubscribeObject is one client entry: a push when Value is present with
// revision and timestamp both zero, a catch-up reference otherwise.
type SubscribeObject struct {
	ObjectKey       string         `json:"object_key"`
	ObjectRevision  int64          `json:"object_revision"`
	ObjectTimestamp int64          `json:"object_timestamp"`
	Value           map[string]any `json:"value,omitempty"`
}

// IsUpdate reports whether the entry pushes state to the server.
func (o *SubscribeObject) IsUpdate() bool {
	return o.Value != nil && o.ObjectRevision == 0 && o.ObjectTimestamp == 0
}

// SubscribeResponse carries the outdated buckets, values included.
type SubscribeResponse struct {
	Objects []Object `json:"objects"`
}

// PutRequest is the body of POST /nest/transport/put.
type PutRequest struct {
	Objects []PutObject `json:"objects"`
}

// PutObject is one device-initiated write. ObjectRevision without
// IfObjectRevision is informational only; IfObjectRevision arms the CAS.
type PutObject struct {
	ObjectKey        string         `json:"object_key"`
	ObjectRevision   int64          `json:"object_revision,omitempty"`
	IfObjectRevision *int64         `json:"if_object_revision,omitempty"`
	Value            map[string]any `json:"value"`
}

// PutResponse echoes revisions and timestamps only, never values.
type PutResponse struct {
	Objects []ObjectRef `json:"objects"`
}

// ListingResponse is the bucket listing without values.
type ListingResponse struct {
	Objects []ObjectRef `json:"objects"`
}
