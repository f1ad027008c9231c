package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openhearth/hearthd/pkg/fanout"
	"github.com/openhearth/hearthd/pkg/httperr"
	"github.com/openhearth/hearthd/pkg/log"
	"github.com/openhearth/hearthd/pkg/metrics"
	"github.com/openhearth/hearthd/pkg/types"
)

// handleListing returns every bucket reference held for a serial, values
// omitted. Owned devices without a pairing dialog bucket get one synthesised
// so a following subscribe can surface the confirmation prompt.
func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	serial, err := ExtractSerial(r)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	s.writeListing(w, serial)
}

// handleLegacyListing serves GET /nest/transport/<anything>/device/<serial>
// style paths from older firmware. The serial is the last path segment.
func (s *Server) handleLegacyListing(w http.ResponseWriter, r *http.Request) {
	rest := r.PathValue("path")
	segs := strings.Split(strings.Trim(rest, "/"), "/")
	serial := ""
	if len(segs) > 0 {
		serial = NormalizeSerial(segs[len(segs)-1])
	}
	if serial == "" {
		var err error
		serial, err = ExtractSerial(r)
		if err != nil {
			httperr.Write(w, err)
			return
		}
	}
	s.writeListing(w, serial)
}

func (s *Server) writeListing(w http.ResponseWriter, serial string) {
	s.markSeen(serial)

	if owner, err := s.pairing.Owner(serial); err == nil && owner != "" {
		if s.cache.Get(serial, types.AlertDialogKey(serial)) == nil {
			s.pairing.SynthesisePairingArtifacts(serial, owner)
		}
	}

	buckets := s.cache.List(serial)
	refs := make([]ObjectRef, 0, len(buckets))
	for _, b := range buckets {
		refs = append(refs, refFromBucket(b))
	}

	w.Header().Set(HeaderServiceTimestamp, strconv.FormatInt(s.nowMs(), 10))
	writeJSON(w, http.StatusOK, ListingResponse{Objects: refs})
}

// handleSubscribe is the heart of the device protocol: the client reports
// what it has, pushes what it changed, and either receives outdated buckets
// immediately or parks until something moves.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	serial, err := ExtractSerial(r)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	s.markSeen(serial)

	tier, err := s.pairing.Tier(serial)
	if err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindServiceUnavailable, "auth tier lookup failed", err))
		return
	}
	if tier == types.TierUnknown {
		httperr.Write(w, httperr.New(httperr.KindUnauthorized, "device not paired"))
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindBadRequest, "invalid subscribe body", err))
		return
	}

	outdated, keys := s.reconcile(serial, req.Objects)

	if len(outdated) > 0 {
		objs := make([]Object, 0, len(outdated))
		for _, b := range outdated {
			objs = append(objs, objectFromBucket(b))
		}
		w.Header().Set(HeaderServiceTimestamp, strconv.FormatInt(s.nowMs(), 10))
		writeJSON(w, http.StatusOK, SubscribeResponse{Objects: objs})
		return
	}

	session := req.Session
	if session == "" {
		session = serial + "-" + strconv.FormatInt(s.nowMs(), 10)
	}

	waiter, err := s.registry.Add(serial, session, keys, req.Chunked)
	if err != nil {
		if errors.Is(err, fanout.ErrTooManySubscriptions) {
			httperr.Write(w, httperr.New(httperr.KindTooMany, "too many subscriptions"))
			return
		}
		httperr.Write(w, httperr.Wrap(httperr.KindInternal, "failed to register subscription", err))
		return
	}
	defer s.registry.Remove(serial, session, waiter)

	metrics.ActiveSubscriptions.Inc()
	defer metrics.ActiveSubscriptions.Dec()

	// A write between reconcile and Add would be lost; notify the registry
	// with the current state of the subscribed buckets to close the window.
	s.recheck(serial, keys)

	sessionLog := log.WithSession(session)
	sessionLog.Debug().
		Str("serial", serial).
		Int("keys", len(keys)).
		Bool("chunked", req.Chunked).
		Msg("subscription parked")

	if req.Chunked {
		s.serveStreaming(w, r, serial, waiter)
		return
	}
	s.serveOneShot(w, r, waiter)
}

// reconcile applies client pushes and computes the outdated bucket set.
// Returns the buckets the client must receive and the key→revision map for a
// waiter registration.
func (s *Server) reconcile(serial string, objects []SubscribeObject) ([]*types.Bucket, map[string]int64) {
	var outdated []*types.Bucket
	keys := make(map[string]int64, len(objects))

	for i := range objects {
		o := &objects[i]
		if o.ObjectKey == "" {
			continue
		}

		if o.IsUpdate() {
			b, _, err := s.cache.Upsert(serial, o.ObjectKey, o.Value)
			if err != nil {
				s.logger.Error().Err(err).Str("serial", serial).Str("key", o.ObjectKey).Msg("subscribe push failed")
				continue
			}
			// A push is also a re-sync: the client reported (0, 0), so it
			// gets the merged bucket back.
			outdated = append(outdated, b)
			keys[o.ObjectKey] = b.Revision
			continue
		}

		cur := s.cache.Get(serial, o.ObjectKey)
		keys[o.ObjectKey] = o.ObjectRevision

		if o.ObjectRevision == 0 && o.ObjectTimestamp == 0 {
			if cur != nil {
				outdated = append(outdated, cur)
				keys[o.ObjectKey] = cur.Revision
			}
			continue
		}

		curRev, curTs := int64(0), int64(0)
		if cur != nil {
			curRev, curTs = cur.Revision, cur.Timestamp
		}

		// The client is ahead of the server: its copy is authoritative.
		if (o.ObjectRevision > curRev || o.ObjectTimestamp > curTs) && o.Value != nil {
			if _, _, err := s.cache.UpsertAt(serial, o.ObjectKey, o.Value, o.ObjectRevision, o.ObjectTimestamp); err != nil {
				s.logger.Error().Err(err).Str("serial", serial).Str("key", o.ObjectKey).Msg("client-authoritative write failed")
			}
			continue
		}

		if cur == nil {
			continue
		}
		// Equal timestamps mean synced; revision is not a tiebreaker then.
		if curTs == o.ObjectTimestamp {
			continue
		}
		if curTs > o.ObjectTimestamp || curRev > o.ObjectRevision {
			outdated = append(outdated, cur)
		}
	}

	return outdated, keys
}

// recheck covers the race between computing an empty outdated set and
// registering the waiter: anything written in between is re-delivered through
// the registry's revision filter.
func (s *Server) recheck(serial string, keys map[string]int64) {
	var fresh []*types.Bucket
	for key := range keys {
		if b := s.cache.Get(serial, key); b != nil {
			fresh = append(fresh, b)
		}
	}
	if len(fresh) > 0 {
		s.registry.Notify(serial, fresh)
	}
}

// serveOneShot blocks until the waiter is woken, the configured timeout
// elapses, or the client goes away. Timeout yields an empty object list.
func (s *Server) serveOneShot(w http.ResponseWriter, r *http.Request, waiter *fanout.Waiter) {
	var timeout <-chan time.Time
	if s.opts.SubscriptionTimeout > 0 {
		t := time.NewTimer(s.opts.SubscriptionTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case buckets := <-waiter.Ch():
		objs := make([]Object, 0, len(buckets))
		for _, b := range buckets {
			objs = append(objs, objectFromBucket(b))
		}
		w.Header().Set(HeaderServiceTimestamp, strconv.FormatInt(s.nowMs(), 10))
		writeJSON(w, http.StatusOK, SubscribeResponse{Objects: objs})
	case <-timeout:
		w.Header().Set(HeaderServiceTimestamp, strconv.FormatInt(s.nowMs(), 10))
		writeJSON(w, http.StatusOK, SubscribeResponse{Objects: []Object{}})
	case <-r.Context().Done():
		// Client hung up; nothing to write.
	}
}

// serveStreaming keeps the connection open and writes one JSON chunk per
// delivery until the client disconnects.
func (s *Server) serveStreaming(w http.ResponseWriter, r *http.Request, serial string, waiter *fanout.Waiter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httperr.Write(w, httperr.New(httperr.KindBadRequest, "streaming unsupported by connection"))
		return
	}
	logger := log.WithSerial(serial)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderServiceTimestamp, strconv.FormatInt(s.nowMs(), 10))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case buckets := <-waiter.Ch():
			objs := make([]Object, 0, len(buckets))
			for _, b := range buckets {
				objs = append(objs, objectFromBucket(b))
			}
			if err := enc.Encode(SubscribeResponse{Objects: objs}); err != nil {
				logger.Debug().Err(err).Msg("streaming write failed")
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handlePut applies device-initiated writes. The response carries revisions
// and timestamps only; values never echo back.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	serial, err := ExtractSerial(r)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	s.markSeen(serial)

	tier, err := s.pairing.Tier(serial)
	if err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindServiceUnavailable, "auth tier lookup failed", err))
		return
	}
	switch tier {
	case types.TierUnknown:
		httperr.Write(w, httperr.New(httperr.KindUnauthorized, "device not paired"))
		return
	case types.TierPending:
		// Accepted but not written until the pairing claim lands.
		w.Header().Set(HeaderServiceTimestamp, strconv.FormatInt(s.nowMs(), 10))
		writeJSON(w, http.StatusOK, PutResponse{Objects: []ObjectRef{}})
		return
	}

	var req PutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.Write(w, httperr.Wrap(httperr.KindBadRequest, "invalid put body", err))
		return
	}

	refs := make([]ObjectRef, 0, len(req.Objects))
	for _, o := range req.Objects {
		if o.ObjectKey == "" {
			continue
		}

		if o.IfObjectRevision != nil {
			stored := s.cache.Get(serial, o.ObjectKey)
			storedRev := int64(0)
			if stored != nil {
				storedRev = stored.Revision
			}
			if *o.IfObjectRevision != storedRev {
				// CAS conflict: report the server's current state and keep
				// processing the remaining entries.
				ref := ObjectRef{ObjectKey: o.ObjectKey}
				if stored != nil {
					ref = refFromBucket(stored)
				}
				refs = append(refs, ref)
				metrics.PutConflicts.Inc()
				continue
			}
		}

		b, _, err := s.cache.Upsert(serial, o.ObjectKey, o.Value)
		if err != nil {
			s.logger.Error().Err(err).Str("serial", serial).Str("key", o.ObjectKey).Msg("put write failed")
			httperr.Write(w, httperr.Wrap(httperr.KindInternal, "write failed", err))
			return
		}
		refs = append(refs, refFromBucket(b))
	}

	// Change propagation to open subscriptions rides the cache's change
	// stream; notifying here as well could deliver a stale copy.
	w.Header().Set(HeaderServiceTimestamp, strconv.FormatInt(s.nowMs(), 10))
	writeJSON(w, http.StatusOK, PutResponse{Objects: refs})
}
