// Package registry indexes data sources advertised by producers by name,
// a simple multimap: one name may be advertised by several producers (or
// more than once by the same producer), and EnableTracing must match a
// consumer's config entries against every current advertiser.
package registry

import "sort"

// Descriptor is the opaque, producer-supplied metadata advertised with a
// data source name; the registry never inspects its fields.
type Descriptor struct {
	Name   string
	Opaque map[string]string
}

// Entry is one advertised data source, keyed by (ProducerID, DataSourceID).
type Entry struct {
	ProducerID   uint64
	DataSourceID uint64
	Descriptor   Descriptor
}

// Registry is the process-wide name -> []Entry index. Not safe for
// concurrent use by more than one goroutine; callers serialize access
// (Service does so by holding its mutex around every call).
type Registry struct {
	byName map[string][]Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byName: make(map[string][]Entry)}
}

// Register adds one advertised data source and returns nothing; duplicate
// (producer_id, data_source_id) pairs are a caller bug and left
// undetected here, the same way go-ublk's registries trust their single
// caller (the control loop) not to double-register a device id.
func (r *Registry) Register(name string, producerID, dataSourceID uint64, desc Descriptor) {
	r.byName[name] = append(r.byName[name], Entry{ProducerID: producerID, DataSourceID: dataSourceID, Descriptor: desc})
}

// Unregister removes one (producerID, dataSourceID) entry across every
// name it might be indexed under (a producer only ever registers a given
// data_source_id once, but the lookup must not assume which name).
func (r *Registry) Unregister(producerID, dataSourceID uint64) {
	for name, entries := range r.byName {
		filtered := entries[:0]
		for _, e := range entries {
			if e.ProducerID == producerID && e.DataSourceID == dataSourceID {
				continue
			}
			filtered = append(filtered, e)
		}
		if len(filtered) == 0 {
			delete(r.byName, name)
		} else {
			r.byName[name] = filtered
		}
	}
}

// UnregisterProducer removes every entry belonging to producerID, used
// when a producer endpoint disconnects. Returns the removed entries so
// the caller can cascade-remove matching session instances.
func (r *Registry) UnregisterProducer(producerID uint64) []Entry {
	var removed []Entry
	for name, entries := range r.byName {
		filtered := entries[:0]
		for _, e := range entries {
			if e.ProducerID == producerID {
				removed = append(removed, e)
				continue
			}
			filtered = append(filtered, e)
		}
		if len(filtered) == 0 {
			delete(r.byName, name)
		} else {
			r.byName[name] = filtered
		}
	}
	return removed
}

// Lookup returns every entry advertised under name, in a stable order
// (by producer id, then data source id) so callers get deterministic
// StartDataSource fan-out order.
func (r *Registry) Lookup(name string) []Entry {
	entries := append([]Entry(nil), r.byName[name]...)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ProducerID != entries[j].ProducerID {
			return entries[i].ProducerID < entries[j].ProducerID
		}
		return entries[i].DataSourceID < entries[j].DataSourceID
	})
	return entries
}

// Names returns every currently-registered data source name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
