// Package registry resolves the enabled and shadow source lists into the
// ordered set of connectors a run invokes.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/eu-tender-ingest/internal/config"
	"github.com/JakeFAU/eu-tender-ingest/internal/connectors"
	"github.com/JakeFAU/eu-tender-ingest/internal/normalize"
	"github.com/JakeFAU/eu-tender-ingest/internal/source"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

var (
	// ErrUnknownSource is returned for ids missing from the catalogue.
	ErrUnknownSource = errors.New("unknown source")
	// ErrShadowNotEnabled is returned when a shadow id is absent from the enabled list.
	ErrShadowNotEnabled = errors.New("shadow source is not enabled")
)

// Entry is one enabled connector and its rollout mode.
type Entry struct {
	Connector *source.Connector
	Shadow    bool
}

// ID returns the connector's source id.
func (e Entry) ID() tender.SourceID { return e.Connector.ID() }

// Registry is immutable after construction.
type Registry struct {
	entries  []Entry
	profiles map[tender.SourceID]normalize.Profile
}

// ParseList splits a comma-separated id list, lowercasing and trimming each
// id, dropping blanks and repeats, and keeping first-seen order.
func ParseList(s string) []tender.SourceID {
	var out []tender.SourceID
	seen := map[tender.SourceID]bool{}
	for _, part := range strings.Split(s, ",") {
		id := tender.SourceID(strings.ToLower(strings.TrimSpace(part)))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Validate checks the id lists against the catalogue without building anything.
func Validate(enabled, shadow string) error {
	_, _, err := resolve(enabled, shadow)
	return err
}

func resolve(enabled, shadow string) ([]tender.SourceID, map[tender.SourceID]bool, error) {
	ids := ParseList(enabled)
	var errs []error
	on := make(map[tender.SourceID]bool, len(ids))
	for _, id := range ids {
		if _, ok := connectors.Lookup(id); !ok {
			errs = append(errs, fmt.Errorf("ingest.enabled_sources: %q: %w", id, ErrUnknownSource))
		}
		on[id] = true
	}
	shadowSet := map[tender.SourceID]bool{}
	for _, id := range ParseList(shadow) {
		if _, ok := connectors.Lookup(id); !ok {
			errs = append(errs, fmt.Errorf("ingest.shadow_sources: %q: %w", id, ErrUnknownSource))
			continue
		}
		if !on[id] {
			errs = append(errs, fmt.Errorf("ingest.shadow_sources: %q: %w", id, ErrShadowNotEnabled))
			continue
		}
		shadowSet[id] = true
	}
	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	return ids, shadowSet, nil
}

// New validates the configured lists and builds every enabled connector. It
// performs no network I/O.
func New(cfg *config.Config, deps connectors.Deps) (*Registry, error) {
	ids, shadow, err := resolve(cfg.Ingest.EnabledSources, cfg.Ingest.ShadowSources)
	if err != nil {
		return nil, err
	}
	r := &Registry{profiles: make(map[tender.SourceID]normalize.Profile, len(ids))}
	for _, id := range ids {
		def, _ := connectors.Lookup(id)
		conn, err := def.Build(cfg.Source(string(id)), deps)
		if err != nil {
			return nil, fmt.Errorf("build connector: %w", err)
		}
		r.entries = append(r.entries, Entry{Connector: conn, Shadow: shadow[id]})
		r.profiles[id] = def.Profile
	}
	return r, nil
}

// Entries returns the enabled connectors in configured order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// IsShadow reports whether id is enabled in shadow mode.
func (r *Registry) IsShadow(id tender.SourceID) bool {
	for _, e := range r.entries {
		if e.ID() == id {
			return e.Shadow
		}
	}
	return false
}

// Profiles returns the normalisation profiles of the enabled sources.
func (r *Registry) Profiles() map[tender.SourceID]normalize.Profile {
	out := make(map[tender.SourceID]normalize.Profile, len(r.profiles))
	for id, p := range r.profiles {
		out[id] = p
	}
	return out
}
