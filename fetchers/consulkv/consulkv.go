// Package consulkv provides a reference grip.Fetcher that reads a single
// key from Consul's KV store.
//
// Grounded on the teacher's internal/dependency/kv_get.go: a thin wrapper
// around the Consul API client's KV().Get, generalized from a
// dep.Dependency with its own Fetch/ID/Stop surface into a plain
// grip.Fetcher closure. Filter-expression support mirrors
// internal/dependency/health_service.go's use of go-bexpr to validate and
// apply a selector against the returned data; TLS/CA configuration mirrors
// internal/dependency/client_set.go's use of go-rootcerts.
package consulkv

import (
	"context"
	"crypto/tls"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-bexpr"
	rootcerts "github.com/hashicorp/go-rootcerts"
	"github.com/pkg/errors"

	grip "github.com/owebeeone/grip-core"
)

// Params identifies the KV entry to fetch and, optionally, a datacenter and
// a bexpr filter to apply against it.
type Params struct {
	Key        string
	Datacenter string
	Filter     string
}

// Result is the KV pair as read from Consul, shaped for bexpr evaluation
// and for mapping onto output grips.
type Result struct {
	Key         string
	Value       []byte
	ModifyIndex uint64
	Flags       uint64
}

// TLSConfig carries the subset of client_set.go's CreateClientInput this
// fetcher needs to build a custom CA bundle.
type TLSConfig struct {
	CACert string
	CAPath string
}

// Config configures the Consul client this fetcher dials.
type Config struct {
	Address string
	Token   string
	TLS     *TLSConfig
}

// NewClient builds a Consul API client from cfg, applying a custom CA
// bundle via go-rootcerts when TLS is set.
func NewClient(cfg Config) (*consulapi.Client, error) {
	consulCfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	if cfg.TLS != nil && (cfg.TLS.CACert != "" || cfg.TLS.CAPath != "") {
		var tlsConfig tls.Config
		rootConfig := &rootcerts.Config{
			CAFile: cfg.TLS.CACert,
			CAPath: cfg.TLS.CAPath,
		}
		if err := rootcerts.ConfigureTLS(&tlsConfig, rootConfig); err != nil {
			return nil, errors.Wrap(err, "consulkv: configuring TLS")
		}
		consulCfg.Scheme = "https"
		consulCfg.TLSConfig = consulapi.TLSConfig{CAFile: cfg.TLS.CACert, CAPath: cfg.TLS.CAPath}
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, errors.Wrap(err, "consulkv: building client")
	}
	return client, nil
}

// New returns a grip.Fetcher reading Params.Key from client's KV store,
// applying Params.Filter via go-bexpr when set.
func New(client *consulapi.Client) grip.Fetcher[Params, Result] {
	return func(ctx context.Context, params Params) (Result, error) {
		if params.Key == "" {
			return Result{}, fmt.Errorf("consulkv: key required")
		}

		opts := (&consulapi.QueryOptions{Datacenter: params.Datacenter}).WithContext(ctx)
		pair, _, err := client.KV().Get(params.Key, opts)
		if err != nil {
			return Result{}, errors.Wrapf(err, "consulkv: get %s", params.Key)
		}
		if pair == nil {
			return Result{}, fmt.Errorf("consulkv: no value at %s", params.Key)
		}

		result := Result{
			Key:         pair.Key,
			Value:       pair.Value,
			ModifyIndex: pair.ModifyIndex,
			Flags:       pair.Flags,
		}

		if params.Filter != "" {
			if err := applyFilter(params.Filter, result); err != nil {
				return Result{}, errors.Wrapf(err, "consulkv: filter %s", params.Key)
			}
		}

		return result, nil
	}
}

// applyFilter validates and evaluates filterExpr against result, rejecting
// the fetch when it does not match. This lets a consumer scope down a KV
// read (e.g. by Flags) the same way health.service scopes a service list.
func applyFilter(filterExpr string, result Result) error {
	filter, err := bexpr.CreateFilter(filterExpr)
	if err != nil {
		return fmt.Errorf("invalid filter: %w", err)
	}

	matched, err := filter.Evaluate(result)
	if err != nil {
		return fmt.Errorf("evaluating filter: %w", err)
	}
	if !matched {
		return fmt.Errorf("filtered out by %q", filterExpr)
	}
	return nil
}

// MapResult is a grip.MapResult publishing Result.Value and ModifyIndex to
// output grips named "value" and "modifyIndex".
func MapResult(r Result) (map[string]any, error) {
	return map[string]any{
		"value":       r.Value,
		"modifyIndex": r.ModifyIndex,
	}, nil
}

// RequestKeyOf derives the cache/dedup key from Params, per spec.md §7
// kind 4 ("Params unresolved") returning nil when Key is empty.
func RequestKeyOf(p Params) *string {
	if p.Key == "" {
		return nil
	}
	key := "consul:kv/" + p.Datacenter + "/" + p.Key
	return &key
}
