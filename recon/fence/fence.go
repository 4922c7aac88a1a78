// Copyright 2016 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fence issues monotonically increasing fencing tokens backed by
// etcd's compare-and-swap KV store, the classic guard against a replica
// that has lost election.Elector mastership but still has a write in
// flight: a downstream store that remembers the highest token it has
// accepted can reject a write carrying an older one.
package fence

import (
	"context"
	"encoding/binary"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/ccnxsync/fence/"

// Store issues fencing tokens for named resources via an etcd client.
type Store struct {
	cli *clientv3.Client
}

// NewStore wraps cli for fencing-token issuance.
func NewStore(cli *clientv3.Client) *Store {
	return &Store{cli: cli}
}

// Next atomically increments and returns the fencing token for resource,
// retrying the compare-and-swap until it observes no concurrent writer.
func (s *Store) Next(ctx context.Context, resource string) (uint64, error) {
	key := keyPrefix + resource
	for {
		resp, err := s.cli.Get(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("fence: get: %w", err)
		}
		var cur uint64
		var modRev int64
		if len(resp.Kvs) > 0 {
			cur = decodeUint64(resp.Kvs[0].Value)
			modRev = resp.Kvs[0].ModRevision
		}
		next := cur + 1
		txnResp, err := s.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", modRev)).
			Then(clientv3.OpPut(key, encodeUint64(next))).
			Commit()
		if err != nil {
			return 0, fmt.Errorf("fence: txn: %w", err)
		}
		if txnResp.Succeeded {
			return next, nil
		}
		// Another writer updated resource between our Get and Txn;
		// retry against the new revision.
	}
}

// Current returns the most recently issued token for resource without
// incrementing it, or 0 if none has ever been issued.
func (s *Store) Current(ctx context.Context, resource string) (uint64, error) {
	resp, err := s.cli.Get(ctx, keyPrefix+resource)
	if err != nil {
		return 0, fmt.Errorf("fence: get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	return decodeUint64(resp.Kvs[0].Value), nil
}

func encodeUint64(v uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return string(b[:])
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
