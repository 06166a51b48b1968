// Package accounting charges anonymous memory against per-credential quotas.
package accounting

import (
	"fmt"
	"sync"

	"swapvm/pkg/logging"
)

// Credential identifies who an object's memory is charged to.
type Credential struct {
	UID  uint32
	Name string
}

func (c *Credential) String() string {
	if c == nil {
		return "cred(none)"
	}
	return fmt.Sprintf("cred(%d:%s)", c.UID, c.Name)
}

// Accountant reserves and releases memory charges. Reserve reports false
// when the charge would exceed the credential's limit; nothing is charged
// in that case.
type Accountant interface {
	Reserve(bytes int64, cred *Credential) bool
	Release(bytes int64, cred *Credential)
}

// Quota is an Accountant with a per-UID limit and a default for UIDs
// without one. A limit of 0 is unlimited.
type Quota struct {
	mu           sync.Mutex
	defaultLimit int64
	limits       map[uint32]int64
	charged      map[uint32]int64
}

func NewQuota(defaultLimit int64) *Quota {
	return &Quota{
		defaultLimit: defaultLimit,
		limits:       make(map[uint32]int64),
		charged:      make(map[uint32]int64),
	}
}

// SetLimit overrides the limit for one UID.
func (q *Quota) SetLimit(uid uint32, bytes int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limits[uid] = bytes
}

func (q *Quota) limitFor(uid uint32) int64 {
	if l, ok := q.limits[uid]; ok {
		return l
	}
	return q.defaultLimit
}

func (q *Quota) Reserve(bytes int64, cred *Credential) bool {
	if cred == nil || bytes <= 0 {
		return true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	limit := q.limitFor(cred.UID)
	if limit > 0 && q.charged[cred.UID]+bytes > limit {
		logging.WithComponent("Quota").Warn("reservation refused",
			"uid", cred.UID, "bytes", bytes, "charged", q.charged[cred.UID], "limit", limit)
		return false
	}
	q.charged[cred.UID] += bytes
	return true
}

func (q *Quota) Release(bytes int64, cred *Credential) {
	if cred == nil || bytes <= 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	left := q.charged[cred.UID] - bytes
	if left < 0 {
		logging.WithComponent("Quota").Error("release exceeds charge", "uid", cred.UID, "bytes", bytes)
		left = 0
	}
	if left == 0 {
		delete(q.charged, cred.UID)
	} else {
		q.charged[cred.UID] = left
	}
}

// Charged returns the bytes currently charged to cred.
func (q *Quota) Charged(cred *Credential) int64 {
	if cred == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.charged[cred.UID]
}
