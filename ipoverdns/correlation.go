package ipoverdns

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"
)

const (
	// MaxQueryPaths is the number of delivery paths remembered for one logical
	// query, one per racing upstream resolver.
	MaxQueryPaths = 2
	// TypeUnset is the query type of a key whose record type is not yet known.
	TypeUnset = uint16(65432)
	// DefaultQueryTTL is the duration a pending query waits for an answer
	// before it is considered lost.
	DefaultQueryTTL = 4 * time.Second
)

// CorrelationVerdict tells the receiver of a query what to do with it.
type CorrelationVerdict int

const (
	// CorrelationProcess means the query is the first sighting of a logical
	// query and its content should be processed.
	CorrelationProcess = CorrelationVerdict(iota)
	// CorrelationSuppress means the query is another copy of a pending logical
	// query, it will be answered along with the first copy.
	CorrelationSuppress
	// CorrelationDrop means the query is a retransmission or one copy too
	// many, and it should be ignored.
	CorrelationDrop
	// CorrelationReplay means the query is a late copy of an answered logical
	// query, it should receive the same answer without being processed again.
	CorrelationReplay
)

func (verdict CorrelationVerdict) String() string {
	switch verdict {
	case CorrelationProcess:
		return "process"
	case CorrelationSuppress:
		return "suppress"
	case CorrelationDrop:
		return "drop"
	case CorrelationReplay:
		return "replay"
	}
	return "unknown"
}

// QueryKey identifies a logical query.
type QueryKey struct {
	Name string
	Type uint16
	User UserIndex
}

// NewQueryKey returns the key of a query, the name is made case-insensitive
// and stripped of its trailing full-stop.
func NewQueryKey(name string, qType uint16, user UserIndex) QueryKey {
	return QueryKey{
		Name: strings.TrimSuffix(strings.ToLower(name), "."),
		Type: qType,
		User: user,
	}
}

// QueryPath is one copy of a logical query and the address it came from.
type QueryPath struct {
	ID   uint16
	From netip.AddrPort
	// Question is the queried name exactly as received, it must be echoed in
	// the response.
	Question string
	// MaxSize is the largest response the sender accepts. EDNS indicates
	// whether the query carried an OPT record to be echoed.
	MaxSize uint16
	EDNS    bool
}

func (path QueryPath) sameAs(other QueryPath) bool {
	return path.ID == other.ID && path.From == other.From
}

// Query is a logical query waiting to be answered.
type Query struct {
	Key QueryKey
	// Destination is the local address the query was sent to.
	Destination netip.Addr
	Paths       [MaxQueryPaths]QueryPath
	NumPaths    int
	Created     time.Time
	// Frame is the answer delivered to the query, and AnsweredAt is when.
	Frame      []byte
	AnsweredAt time.Time
}

func (query Query) String() string {
	return fmt.Sprintf("[Name=%s Type=%d User=%d Paths=%d Age=%s]", query.Key.Name, query.Key.Type, query.Key.User, query.NumPaths, time.Since(query.Created).Round(time.Millisecond))
}

// QueryTracker correlates the copies of logical queries that arrive over
// different upstream resolvers, so that a single answer satisfies all of them.
// An answered query is remembered for another TTL, so that a copy arriving
// after the answer receives the same answer.
type QueryTracker struct {
	// TTL is the duration a pending query waits for its answer, and the
	// duration an answer is remembered.
	TTL time.Duration

	mutex    *sync.Mutex
	pending  map[QueryKey]*Query
	answered map[QueryKey]*Query
	lost     int
}

// NewQueryTracker returns an initialised query tracker.
func NewQueryTracker(ttl time.Duration) *QueryTracker {
	if ttl <= 0 {
		ttl = DefaultQueryTTL
	}
	return &QueryTracker{
		TTL:      ttl,
		mutex:    new(sync.Mutex),
		pending:  make(map[QueryKey]*Query),
		answered: make(map[QueryKey]*Query),
	}
}

// Observe records the sighting of a query and decides what the receiver should
// do with it.
func (tracker *QueryTracker) Observe(key QueryKey, path QueryPath, destination netip.Addr) CorrelationVerdict {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	if done, exists := tracker.answered[key]; exists {
		if known, added := done.addPath(path); known || added {
			return CorrelationReplay
		}
		return CorrelationDrop
	}
	query, exists := tracker.pending[key]
	if !exists {
		query = &Query{Key: key, Destination: destination, Created: time.Now()}
		query.Paths[0] = path
		query.NumPaths = 1
		tracker.pending[key] = query
		return CorrelationProcess
	}
	// A retransmission over a pending path waits for the same answer.
	if _, added := query.addPath(path); added {
		return CorrelationSuppress
	}
	return CorrelationDrop
}

// addPath records the path unless it is already known or the query has no
// room left for it.
func (query *Query) addPath(path QueryPath) (known, added bool) {
	for i := 0; i < query.NumPaths; i++ {
		if query.Paths[i].sameAs(path) {
			return true, false
		}
	}
	if query.NumPaths == MaxQueryPaths {
		return false, false
	}
	query.Paths[query.NumPaths] = path
	query.NumPaths++
	return false, true
}

// Answer invokes the send function once for each path of the pending query,
// and then moves the query and its answer frame out of the pending queries.
// The first error from send is returned after all paths have been attempted.
func (tracker *QueryTracker) Answer(key QueryKey, frame []byte, send func(Query, QueryPath) error) (delivered int, err error) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	query, exists := tracker.pending[key]
	if !exists {
		return 0, fmt.Errorf("QueryTracker.Answer: %w - %s", ErrNoPendingQuery, key.Name)
	}
	delete(tracker.pending, key)
	query.Frame = frame
	query.AnsweredAt = time.Now()
	tracker.answered[key] = query
	for i := 0; i < query.NumPaths; i++ {
		if sendErr := send(*query, query.Paths[i]); sendErr != nil {
			if err == nil {
				err = sendErr
			}
			continue
		}
		delivered++
	}
	return
}

// Answered returns the answered query of the key, if it is still remembered.
func (tracker *QueryTracker) Answered(key QueryKey) (Query, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	query, exists := tracker.answered[key]
	if !exists {
		return Query{}, false
	}
	return *query, true
}

// OldestFor returns the key of the oldest pending query of the user.
func (tracker *QueryTracker) OldestFor(user UserIndex) (key QueryKey, found bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	var oldest *Query
	for _, query := range tracker.pending {
		if query.Key.User != user {
			continue
		}
		if oldest == nil || query.Created.Before(oldest.Created) {
			oldest = query
		}
	}
	if oldest == nil {
		return QueryKey{}, false
	}
	return oldest.Key, true
}

// CountFor returns the number of pending queries of the user.
func (tracker *QueryTracker) CountFor(user UserIndex) (count int) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	for key := range tracker.pending {
		if key.User == user {
			count++
		}
	}
	return
}

// Expire removes the queries that have waited longer than TTL, counts them as
// lost, and returns them. Answers older than TTL are forgotten.
func (tracker *QueryTracker) Expire(now time.Time) (expired []Query) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	for key, query := range tracker.answered {
		if now.Sub(query.AnsweredAt) >= tracker.TTL {
			delete(tracker.answered, key)
		}
	}
	for key, query := range tracker.pending {
		if now.Sub(query.Created) >= tracker.TTL {
			expired = append(expired, *query)
			delete(tracker.pending, key)
		}
	}
	tracker.lost += len(expired)
	return
}

// Lost returns the number of queries that expired without an answer.
func (tracker *QueryTracker) Lost() int {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	return tracker.lost
}

// Len returns the number of pending queries, answered queries are not counted.
func (tracker *QueryTracker) Len() int {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	return len(tracker.pending)
}
