// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"fmt"
	"time"

	"github.com/mobiletoly/go-kiosksync/kiosk"
	"github.com/mobiletoly/go-kiosksync/localstore"
)

// Entity is a catalog entity kind
type Entity string

const (
	EntityChannels   Entity = "channels"
	EntityCategories Entity = "categories"
	EntityProducts   Entity = "products"
)

// Scope selects a catalog set: all channels, the categories of a channel or the
// products of a category.
type Scope struct {
	Entity     Entity
	ChannelID  int64 // categories scope; optional filter for products
	CategoryID int64 // products scope
}

func (s Scope) key() string {
	switch s.Entity {
	case EntityCategories:
		return fmt.Sprintf("categories:%d", s.ChannelID)
	case EntityProducts:
		return fmt.Sprintf("products:%d:%d", s.CategoryID, s.ChannelID)
	}
	return string(s.Entity)
}

func (s Scope) validate() error {
	switch s.Entity {
	case EntityChannels:
		return nil
	case EntityCategories:
		if s.ChannelID <= 0 {
			return kiosk.Invalid("fetch categories", "channel id must be positive")
		}
		return nil
	case EntityProducts:
		if s.CategoryID <= 0 {
			return kiosk.Invalid("fetch products", "category id must be positive")
		}
		return nil
	}
	return kiosk.Invalid("fetch", "unknown entity %q", s.Entity)
}

// Source tells where a Result came from
type Source string

const (
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
)

// Result of a catalog read. Only the slice matching Scope.Entity is set.
type Result struct {
	Scope      Scope
	Source     Source
	Channels   []kiosk.Channel
	Categories []kiosk.Category
	Products   []kiosk.Product
	RemoteErr  error // why the backend was not used, for SourceCache
}

// Fetch returns the catalog set for scope, from the backend when possible and from
// the local cache otherwise. Backend failures never surface: only a failing local
// read returns an error. Concurrent calls for the same scope share one backend call.
func (e *Engine) Fetch(ctx context.Context, scope Scope) (*Result, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	v, err, _ := e.flight.Do(scope.key(), func() (any, error) {
		return e.fetch(context.WithoutCancel(ctx), scope)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Result)
	return &res, nil
}

// Channels returns the active channels.
func (e *Engine) Channels(ctx context.Context) ([]kiosk.Channel, error) {
	res, err := e.Fetch(ctx, Scope{Entity: EntityChannels})
	if err != nil {
		return nil, err
	}
	return res.Channels, nil
}

// Categories returns the categories of a channel.
func (e *Engine) Categories(ctx context.Context, channelID int64) ([]kiosk.Category, error) {
	res, err := e.Fetch(ctx, Scope{Entity: EntityCategories, ChannelID: channelID})
	if err != nil {
		return nil, err
	}
	return res.Categories, nil
}

// Products returns the products of a category. channelID is optional.
func (e *Engine) Products(ctx context.Context, categoryID, channelID int64) ([]kiosk.Product, error) {
	res, err := e.Fetch(ctx, Scope{Entity: EntityProducts, CategoryID: categoryID, ChannelID: channelID})
	if err != nil {
		return nil, err
	}
	return res.Products, nil
}

func (e *Engine) fetch(ctx context.Context, scope Scope) (*Result, error) {
	start := time.Now()
	res := &Result{Scope: scope, Source: SourceRemote}

	err := e.withAuth(ctx, func(ctx context.Context) error {
		var err error
		switch scope.Entity {
		case EntityChannels:
			res.Channels, err = e.remote.Channels(ctx)
		case EntityCategories:
			res.Categories, err = e.remote.Categories(ctx, scope.ChannelID)
		case EntityProducts:
			res.Products, err = e.remote.Products(ctx, scope.CategoryID, scope.ChannelID)
		}
		return err
	})
	if err == nil {
		if serr := e.storeResult(ctx, res); serr != nil {
			e.logger.Error("Failed to cache catalog", "scope", scope.key(), "error", serr)
			e.funnel(ctx, "cache "+string(scope.Entity), serr)
		}
		// The cache keeps inactive channels but only serves active ones.
		res.Channels = activeChannels(res.Channels)
		e.recorder.Observe(ctx, Event{Op: MetricsOpFetch, Subject: string(scope.Entity), Outcome: OutcomeRemote, Duration: time.Since(start), Count: res.len()})
		return res, nil
	}

	e.logger.Warn("Backend fetch failed, serving cache", "scope", scope.key(), "kind", kiosk.KindOf(err).String(), "error", err)
	e.funnel(ctx, "fetch "+string(scope.Entity), err)

	res = &Result{Scope: scope, Source: SourceCache, RemoteErr: err}
	if lerr := e.loadResult(ctx, res); lerr != nil {
		e.recorder.Observe(ctx, Event{Op: MetricsOpFetch, Subject: string(scope.Entity), Outcome: OutcomeError, Duration: time.Since(start)})
		return nil, fmt.Errorf("failed to read cached %s: %w", scope.Entity, lerr)
	}
	e.recorder.Observe(ctx, Event{Op: MetricsOpFetch, Subject: string(scope.Entity), Outcome: OutcomeCache, Duration: time.Since(start), Count: res.len()})
	return res, nil
}

// storeResult reconciles the cached scope with a fresh backend result in one unit.
func (e *Engine) storeResult(ctx context.Context, res *Result) error {
	return e.store.WithTx(ctx, func(tx *localstore.Tx) error {
		var err error
		switch res.Scope.Entity {
		case EntityChannels:
			_, err = tx.ReplaceChannels(ctx, res.Channels)
		case EntityCategories:
			_, err = tx.ReplaceCategories(ctx, res.Scope.ChannelID, res.Categories)
		case EntityProducts:
			_, err = tx.ReplaceProducts(ctx, res.Scope.CategoryID, res.Products)
		}
		return err
	})
}

func (e *Engine) loadResult(ctx context.Context, res *Result) error {
	var err error
	switch res.Scope.Entity {
	case EntityChannels:
		res.Channels, err = e.store.Channels(ctx)
	case EntityCategories:
		res.Categories, err = e.store.Categories(ctx, res.Scope.ChannelID)
	case EntityProducts:
		res.Products, err = e.store.Products(ctx, res.Scope.CategoryID, 0, 0)
	}
	return err
}

func activeChannels(channels []kiosk.Channel) []kiosk.Channel {
	if channels == nil {
		return nil
	}
	active := make([]kiosk.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.IsActive {
			active = append(active, ch)
		}
	}
	return active
}

func (r *Result) len() int {
	return len(r.Channels) + len(r.Categories) + len(r.Products)
}
