// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package policysource

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"pep/internal/gateway/policy"
)

// RedisGetter is the minimal surface RedisSource depends on, the same
// tiny-interface-over-a-real-client shape as the teacher's RedisEvaler —
// there it abstracts Eval for commit application, here it abstracts Get for
// policy distribution so a fleet of gateways can share one active Document
// without each node owning its own copy of the truth.
type RedisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisSource loads a Document published as a single JSON value under key
// in a shared Redis instance. This is configuration distribution, not
// response caching: the fetched bytes never touch guest request/response
// bodies.
type RedisSource struct {
	client RedisGetter
	key    string
}

// NewRedisSource constructs a RedisSource against a real go-redis client at
// addr, mirroring the teacher's NewGoRedisEvaler constructor shape.
func NewRedisSource(addr, key string) *RedisSource {
	c := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisSource{client: c, key: key}
}

// NewRedisSourceWithClient wraps an already-constructed RedisGetter
// (typically a *redis.Client sharing a connection pool with other
// components, or a fake in tests).
func NewRedisSourceWithClient(client RedisGetter, key string) *RedisSource {
	return &RedisSource{client: client, key: key}
}

// Load fetches and parses the published Document.
func (s *RedisSource) Load(ctx context.Context) (*policy.Document, error) {
	raw, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("policysource: redis get %s: %w", s.key, err)
	}
	var fd fileDocument
	if err := json.Unmarshal([]byte(raw), &fd); err != nil {
		return nil, fmt.Errorf("policysource: parse redis value for %s: %w", s.key, err)
	}
	doc := &policy.Document{
		AllowedHosts:     fd.AllowedHosts,
		MaxRequestBytes:  fd.MaxRequestBytes,
		MaxResponseBytes: fd.MaxResponseBytes,
		MaxRedirects:     fd.MaxRedirects,
		AllowedMethods:   fd.AllowedMethods,
		RedactHeaders:    fd.RedactHeaders,
		AllowHTTPSToHTTP: fd.AllowHTTPSToHTTP,
	}
	if len(doc.AllowedHosts) == 0 {
		return nil, fmt.Errorf("policysource: redis key %s declares an empty allowed_hosts list", s.key)
	}
	return doc.Normalize(), nil
}
