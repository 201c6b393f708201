// Copyright 2015 Google Inc. All Rights Reserved.
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

package store

import (
	"context"
	"time"

	"github.com/gilles-degols/mongofs/internal/clock"
	"github.com/gilles-degols/mongofs/internal/errno"
	"github.com/gilles-degols/mongofs/internal/logger"
)

// RetryPolicy implements the reconnect-and-retry discipline of spec.md
// §4.1: on a transport-level failure, sleep, reconnect, retry, accumulating
// elapsed time across attempts for one logical call; once that elapsed time
// reaches Budget, call Unreachable (the mount-abort routine) instead of
// retrying further. Non-transport errors are returned immediately.
//
// This is an explicit helper, not a decorator — spec.md §9 calls out the
// source's retry decorator as exactly the kind of hidden control flow to
// avoid when re-architecting into Go.
type RetryPolicy struct {
	Budget        time.Duration
	SleepInterval time.Duration
	Clock         clock.Clock

	// IsTransportError classifies err as a transport-level failure worth
	// retrying. A nil func treats every non-nil error as transport-level.
	IsTransportError func(error) bool

	// Reconnect re-establishes the underlying connection. Called after
	// every sleep, before the next retry.
	Reconnect func(ctx context.Context) error

	// Unreachable is invoked once the elapsed budget is exhausted. In
	// production this is the mount-abort routine (detach from the kernel
	// bridge, then self-terminate); tests substitute a no-op or a spy.
	Unreachable func()

	// Sleep defaults to time.Sleep; tests override it to avoid real waits.
	Sleep func(time.Duration)
}

func (p *RetryPolicy) sleep(d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (p *RetryPolicy) isTransport(err error) bool {
	if p.IsTransportError == nil {
		return err != nil
	}
	return p.IsTransportError(err)
}

// Do runs fn, retrying on transport failures until Budget elapses.
func (p *RetryPolicy) Do(ctx context.Context, fn func() error) error {
	start := p.Clock.Now()

	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !p.isTransport(err) {
			return err
		}

		elapsed := p.Clock.Now().Sub(start)
		if elapsed >= p.Budget {
			logger.Errorf("store: giving up after %s unreachable, aborting mount: %v", elapsed, err)
			if p.Unreachable != nil {
				p.Unreachable()
			}
			return errno.ErrStoreUnreachable
		}

		logger.Warnf("store: transport error, retrying in %s: %v", p.SleepInterval, err)
		p.sleep(p.SleepInterval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.Reconnect != nil {
			if rerr := p.Reconnect(ctx); rerr != nil {
				logger.Warnf("store: reconnect failed: %v", rerr)
			}
		}
	}
}
