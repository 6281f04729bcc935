// Package vaultsecret provides a reference grip.Fetcher that reads a
// secret from Vault.
//
// Grounded on the teacher's internal/dependency/vault_read.go: Fetch reads
// the secret and, in the original, stashes lease/renewal state on the
// dependency to drive the next poll interval. This fetcher keeps that
// lease-awareness but surfaces it as Result.LeaseDuration instead of
// sleeping internally, since scheduling the next fetch is the async
// core's job (cacheTtlMs derived from the lease, see New's doc comment).
package vaultsecret

import (
	"context"
	"fmt"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"

	grip "github.com/owebeeone/grip-core"
)

// Params identifies the Vault secret path to read.
type Params struct {
	Path string
}

// Result is a read secret plus its lease metadata.
type Result struct {
	Data          map[string]interface{}
	LeaseID       string
	LeaseDuration time.Duration
	Renewable     bool
}

// New returns a grip.Fetcher reading Params.Path from client. The caller's
// Options.CacheTtlMs should be set from a representative Result's
// LeaseDuration (see internal/dependency/vault_common.go's
// leaseCheckWait idiom) so the TTL-refresh scheduler re-reads the secret
// before its lease expires.
func New(client *vaultapi.Client) grip.Fetcher[Params, Result] {
	return func(ctx context.Context, params Params) (Result, error) {
		path := strings.Trim(strings.TrimSpace(params.Path), "/")
		if path == "" {
			return Result{}, fmt.Errorf("vaultsecret: path required")
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		secret, err := client.Logical().Read(path)
		if err != nil {
			return Result{}, errors.Wrapf(err, "vaultsecret: read %s", path)
		}
		if secret == nil || deletedKVv2(secret) {
			return Result{}, fmt.Errorf("vaultsecret: no secret at %s", path)
		}

		return Result{
			Data:          secret.Data,
			LeaseID:       secret.LeaseID,
			LeaseDuration: time.Duration(secret.LeaseDuration) * time.Second,
			Renewable:     secret.Renewable,
		}, nil
	}
}

// deletedKVv2 mirrors vault_read.go's check for a KVv2 entry whose data has
// been soft-deleted.
func deletedKVv2(s *vaultapi.Secret) bool {
	md, ok := s.Data["metadata"].(map[string]interface{})
	if !ok {
		return false
	}
	return md["deletion_time"] != ""
}

// MapResult publishes Result.Data under the output grip named "data".
func MapResult(r Result) (map[string]any, error) {
	return map[string]any{"data": r.Data}, nil
}

// RequestKeyOf derives the cache/dedup key from Params, returning nil when
// Path is empty (spec.md §7 kind 4, "Params unresolved").
func RequestKeyOf(p Params) *string {
	path := strings.Trim(strings.TrimSpace(p.Path), "/")
	if path == "" {
		return nil
	}
	key := "vault:secret/" + path
	return &key
}
