package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/n0madic/go-trafficdesk/internal/api"
)

// maxParallel bounds how many catalog requests Summarize keeps in flight.
const maxParallel = 4

// Resource is a collection endpoint the console reads.
type Resource struct {
	Name  string
	Path  string
	Query url.Values
	Desc  string
}

var catalog = map[string]Resource{
	"advertisers":  {Name: "advertisers", Path: "/advertisers", Desc: "Advertiser accounts"},
	"campaigns":    {Name: "campaigns", Path: "/campaigns", Query: url.Values{"active_only": {"true"}}, Desc: "Active advertising campaigns"},
	"orders":       {Name: "orders", Path: "/orders", Desc: "Advertiser insertion orders"},
	"invoices":     {Name: "invoices", Path: "/invoices", Desc: "Billing invoices"},
	"tracks":       {Name: "tracks", Path: "/tracks", Desc: "Audio library tracks"},
	"logs":         {Name: "logs", Path: "/logs", Desc: "Program logs"},
	"makegoods":    {Name: "makegoods", Path: "/makegoods", Desc: "Makegood requests"},
	"voice-talent": {Name: "voice-talent", Path: "/voice-talent/requests", Desc: "Voice talent work requests"},
}

// Lookup returns the catalog entry for name.
func Lookup(name string) (Resource, bool) {
	r, ok := catalog[strings.ToLower(strings.TrimSpace(name))]
	return r, ok
}

// Names lists catalog entries in sorted order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for n := range catalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List fetches a catalog resource. query entries override the resource's
// default query.
func List(ctx context.Context, c *api.Client, name string, query url.Values) (json.RawMessage, error) {
	r, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown resource %q; available: %s", name, strings.Join(Names(), ", "))
	}
	var raw json.RawMessage
	if err := c.Get(ctx, r.Path, mergeQuery(r.Query, query), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Count is the outcome of fetching one resource in Summarize.
type Count struct {
	Name  string
	Items int
	Err   error
}

// Summarize fetches every named resource concurrently and counts the items
// returned. Per-resource failures are reported in Count.Err; the returned
// error is only set when ctx ends or a name is unknown.
func Summarize(ctx context.Context, c *api.Client, names []string) ([]Count, error) {
	if len(names) == 0 {
		names = Names()
	}
	for _, n := range names {
		if _, ok := Lookup(n); !ok {
			return nil, fmt.Errorf("unknown resource %q; available: %s", n, strings.Join(Names(), ", "))
		}
	}

	counts := make([]Count, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			counts[i].Name = name
			raw, err := List(gctx, c, name, nil)
			if err != nil {
				counts[i].Err = err
				return nil
			}
			counts[i].Items = CountItems(raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, ctx.Err()
}

// CountItems counts the items of a list payload. Bare arrays and the common
// {"items": [...]} / {"data": [...]} / {"results": [...]} envelopes are
// recognised; a single object counts as one and anything else as zero.
func CountItems(raw json.RawMessage) int {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return len(list)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0
	}
	for _, key := range []string{"items", "data", "results"} {
		if v, ok := obj[key]; ok {
			if err := json.Unmarshal(v, &list); err == nil {
				return len(list)
			}
		}
	}
	return 1
}

func mergeQuery(defaults, overrides url.Values) url.Values {
	if len(defaults) == 0 && len(overrides) == 0 {
		return nil
	}
	out := make(url.Values, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range overrides {
		out[k] = append([]string(nil), v...)
	}
	return out
}
