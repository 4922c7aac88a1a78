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

// Package election implements etcd-backed master election for the
// reconciliation controller, mirroring trillian's etcd-backed master
// election for log signing: in a clustered deployment, only the
// campaign's current winner should drive a given slice's heartbeat
// ticks, so two replicas never race to build or advise the same root.
package election

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/golang/glog"
)

const keyPrefix = "/ccnxsync/election/"

// Elector holds one replica's candidacy (and, once won, mastership) over
// a named resource, typically a slice's hex-encoded canonical hash.
type Elector struct {
	sess     *concurrency.Session
	elec     *concurrency.Election
	resigned bool
}

// Campaign blocks until this replica becomes master of resource or ctx
// is cancelled. value identifies this replica in etcd (e.g. its host:port)
// for observability; it carries no behavioral meaning to the election
// itself. The returned Elector's session lease expires automatically if
// this process crashes or loses connectivity, releasing mastership
// without requiring an explicit Resign from anyone else.
func Campaign(ctx context.Context, cli *clientv3.Client, resource, value string) (*Elector, error) {
	sess, err := concurrency.NewSession(cli)
	if err != nil {
		return nil, fmt.Errorf("election: new session: %w", err)
	}
	elec := concurrency.NewElection(sess, keyPrefix+resource)
	if err := elec.Campaign(ctx, value); err != nil {
		sess.Close()
		return nil, fmt.Errorf("election: campaign for %s: %w", resource, err)
	}
	return &Elector{sess: sess, elec: elec}, nil
}

// Resign gives up mastership, letting another replica's Campaign
// complete, and releases the underlying lease session. Safe to call more
// than once.
func (e *Elector) Resign(ctx context.Context) error {
	if e.resigned {
		return nil
	}
	e.resigned = true
	if err := e.elec.Resign(ctx); err != nil {
		glog.Warningf("election: resign failed: %v", err)
	}
	return e.sess.Close()
}

// Done returns a channel closed when this replica's session has expired
// (lost connectivity, lease revoked, or Resign called), signaling the
// caller must stop acting as master immediately: any ticks already in
// flight should be allowed to finish, but no new one should start.
func (e *Elector) Done() <-chan struct{} {
	return e.sess.Done()
}
